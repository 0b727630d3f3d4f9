package main

import (
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/runtime"
	"github.com/mohammad-safakhou/errand/internal/server"
)

func migrateCmd() *cobra.Command {
	var (
		cfgPath   string
		dir       string
		direction string
		steps     int
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			dsn, err := runtime.BuildPostgresDSN(cfg)
			if err != nil {
				// Migrate falls back to DATABASE_URL / POSTGRES_* env vars.
				dsn = ""
			}
			return server.Migrate(dir, dsn, direction, steps)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default searches ./ and /etc/errand)")
	cmd.Flags().StringVar(&dir, "dir", "file://migrations", "migrations source URL")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "limit to N steps, 0 applies all")
	return cmd
}
