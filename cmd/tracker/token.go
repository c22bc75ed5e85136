package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"project-tracker-backend/pkg/utils"
)

func (a *app) tokenCmd() *cobra.Command {
	var (
		userID string
		email  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user-id is required")
			}
			jwtService := utils.NewJWTService(a.cfg.JWTSecret)
			if ttl > 0 {
				jwtService = jwtService.WithTTL(ttl)
			}
			token, expiresIn, err := jwtService.GenerateAccessToken(userID, email)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]any{"access_token": token, "expires_in": expiresIn})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "subject of the token")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to 1h)")
	return cmd
}
