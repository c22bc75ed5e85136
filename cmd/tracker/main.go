package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/config"
	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/services"
	"project-tracker-backend/pkg/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:           "tracker",
		Short:         "Project tracker backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.cfg = config.Load(a.v)
			a.logger = newLogger(a.cfg)
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.PersistentFlags().String("data-backend", "", "storage backend: local, sqlite, postgres or supabase")
	root.PersistentFlags().String("token", "", "access token identifying the caller")
	root.PersistentFlags().String("user", "", "caller id for local and sqlite stores when no token is given")
	root.PersistentFlags().Bool("json", false, "print JSON instead of tables")
	_ = a.v.BindPFlag("DATA_BACKEND", root.PersistentFlags().Lookup("data-backend"))
	_ = a.v.BindPFlag("TRACKER_TOKEN", root.PersistentFlags().Lookup("token"))
	_ = a.v.BindPFlag("TRACKER_USER", root.PersistentFlags().Lookup("user"))
	_ = a.v.BindPFlag("JSON_OUTPUT", root.PersistentFlags().Lookup("json"))

	root.AddCommand(
		a.serveCmd(),
		a.migrateCmd(),
		a.projectsCmd(),
		a.activityCmd(),
		a.importCmd(),
		a.tokenCmd(),
	)
	return root
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// withStore opens the configured store, builds the services and closes the
// store when fn returns.
func (a *app) withStore(ctx context.Context, fn func(ctx context.Context, db database.DatabaseInterface, svc *services.Services) error) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	db, err := database.NewDatabase(ctx, a.cfg.Database(a.logger))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			a.logger.Warn("closing database failed", "error", cerr)
		}
	}()
	return fn(ctx, db, services.New(db, a.logger))
}

// principal resolves the caller from --token, falling back to --user.
func (a *app) principal() (access.Principal, error) {
	if token := strings.TrimSpace(a.v.GetString("TRACKER_TOKEN")); token != "" {
		return utils.NewJWTService(a.cfg.JWTSecret).PrincipalFromToken(token)
	}
	if user := strings.TrimSpace(a.v.GetString("TRACKER_USER")); user != "" {
		if a.cfg.Backend() == database.BackendSupabase {
			return access.Principal{}, errors.New("the supabase backend needs --token")
		}
		return access.Principal{ID: user}, nil
	}
	return access.Principal{}, errors.New("no caller: pass --token or --user")
}

func (a *app) jsonOutput() bool {
	return a.v.GetBool("JSON_OUTPUT")
}
