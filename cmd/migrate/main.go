package main

import (
	"KeepTrade/internal/config"
	"KeepTrade/internal/observability"
	"KeepTrade/internal/persistence"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	logger := observability.NewLogger("migrate")

	var dir string
	root := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back KeepTrade schema migrations",
		Long: "Connects with KEEPTRADE_POSTGRES_DSN and reads migrations from\n" +
			"KEEPTRADE_MIGRATIONS_DIR (default: migrations) unless --dir is set.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dir, "dir", "", "migrations directory")

	withMigrator := func(fn func(cmd *cobra.Command, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			m, db, err := openMigrator(dir, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(cmd, m)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, m *persistence.Migrator) error {
				if err := m.Up(cmd.Context()); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				logger.Info().Msg("all migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, m *persistence.Migrator) error {
				if err := m.Down(cmd.Context()); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				logger.Info().Msg("last migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, m *persistence.Migrator) error {
				statuses, err := m.Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tAPPLIED\tFILE")
				for _, s := range statuses {
					fmt.Fprintf(w, "%s\t%t\t%s\n", s.Version, s.Applied, s.Filename)
				}
				return w.Flush()
			}),
		},
	)

	if err := root.Execute(); err != nil {
		logger.Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}

func openMigrator(dir string, logger zerolog.Logger) (*persistence.Migrator, *sql.DB, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if dir == "" {
		dir = cfg.Postgres.MigrationsDir
	}
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	return persistence.NewMigrator(db, dir, logger), db, nil
}
