package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "errandd",
		Short:        "errand routes natural-language tasks to specialized experts",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), workerCmd(), migrateCmd(), runCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
