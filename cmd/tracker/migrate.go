package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"project-tracker-backend/pkg/database"
)

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: "Applies the embedded migrations for the configured backend. " +
			"The supabase backend is migrated through a direct Postgres connection given by --dsn or POSTGRES_DSN.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			switch backend := a.cfg.Backend(); backend {
			case database.BackendLocal:
				fmt.Fprintln(cmd.OutOrStdout(), "local store has no schema; nothing to do")
				return nil
			case database.BackendSupabase:
				dsn := a.v.GetString("POSTGRES_DSN")
				if dsn == "" {
					return fmt.Errorf("supabase migrations need --dsn or POSTGRES_DSN")
				}
				if err := database.ApplySupabaseSchema(ctx, dsn, a.cfg.ConnectTimeout); err != nil {
					return err
				}
			default:
				db, err := database.NewDatabase(ctx, a.cfg.Database(a.logger))
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()
				sqlDB, ok := db.(*database.SQLDatabase)
				if !ok {
					return fmt.Errorf("backend %q does not support migrations", backend)
				}
				if err := sqlDB.Migrate(ctx); err != nil {
					return err
				}
			}
			a.logger.Info("migrations applied", "backend", a.cfg.Backend())
			return nil
		},
	}
	cmd.Flags().String("dsn", "", "direct Postgres connection string")
	_ = a.v.BindPFlag("POSTGRES_DSN", cmd.Flags().Lookup("dsn"))
	return cmd
}
