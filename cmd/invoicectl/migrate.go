package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/rohithsiddi/invoice-processing-agent/config"
	"github.com/rohithsiddi/invoice-processing-agent/postgres"
	"github.com/rohithsiddi/invoice-processing-agent/sqlite"
)

// Migrations run without opening the store so that a broken schema can
// still be rolled back.
func newMigrateCommand(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQL store schema",
		RunE: func(c *cobra.Command, _ []string) error {
			return c.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(afero.NewOsFs(), root.configDir)
			if err != nil {
				return err
			}
			switch cfg.Storage.Driver {
			case config.DriverSQLite:
				if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
					return fmt.Errorf("create storage dir: %w", err)
				}
				err = sqlite.Migrate(filepath.Join(cfg.Storage.Dir, SQLiteFile))
			case config.DriverPostgres:
				err = postgres.Migrate(cfg.Storage.DSN)
			default:
				return fmt.Errorf("storage driver %q has no schema", cfg.Storage.Driver)
			}
			if err != nil {
				return err
			}
			okColor.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations (postgres only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := postgresConfig(root)
			if err != nil {
				return err
			}
			if err := postgres.MigrateDown(cfg.Storage.DSN); err != nil {
				return err
			}
			warnColor.Fprintln(cmd.OutOrStdout(), "Schema rolled back")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version (postgres only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := postgresConfig(root)
			if err != nil {
				return err
			}
			version, dirty, err := postgres.Version(cfg.Storage.DSN)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if root.jsonOut {
				return writeJSON(w, map[string]any{"version": version, "dirty": dirty})
			}
			fmt.Fprintf(w, "version %d", version)
			if dirty {
				errColor.Fprint(w, " (dirty)")
			}
			fmt.Fprintln(w)
			return nil
		},
	})

	return cmd
}

func postgresConfig(root *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(afero.NewOsFs(), root.configDir)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		return nil, fmt.Errorf("storage driver is %q, not %s", cfg.Storage.Driver, config.DriverPostgres)
	}
	return cfg, nil
}
