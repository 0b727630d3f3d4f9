package main

import (
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		cfgPath string
		addr    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the schedule ticker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return server.Run(cfg, addr)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default searches ./ and /etc/errand)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.address from config")
	return cmd
}
