package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/agent/core"
	"github.com/mohammad-safakhou/errand/internal/agent/telemetry"
	"github.com/mohammad-safakhou/errand/internal/budget"
	"github.com/mohammad-safakhou/errand/internal/memory"
	"github.com/mohammad-safakhou/errand/internal/tool/builtin"
)

// runCmd executes a single query in-process and prints the answer. It needs
// no Postgres or Redis, so memory starts empty and nothing is persisted.
func runCmd() *cobra.Command {
	var (
		cfgPath string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "run [query...]",
		Short: "Execute one query and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			query := strings.Join(args, " ")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			llm, err := core.NewLLMProvider(cfg.LLM)
			if err != nil {
				return err
			}
			mem := memory.NewService(cfg.Memory, nil, llm, cfg.LLM.DefaultEmbeddingModel(), nil)
			registry, err := builtin.BuildRegistry(cfg, llm, mem)
			if err != nil {
				return err
			}
			tel := telemetry.NewTelemetry(cfg.Telemetry)
			defer tel.Shutdown()
			orch, err := core.NewOrchestrator(cfg, log.New(os.Stderr, "[ORCH] ", log.LstdFlags), tel, registry)
			if err != nil {
				return err
			}

			res := orch.RunWithBudget(ctx, query, "", budget.FromAppConfig(cfg.Budget))

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				fmt.Println(res.FinalAnswer)
				fmt.Fprintf(os.Stderr, "expert=%s tokens=%d cost=$%.4f duration=%s\n",
					res.ExpertName, res.TokensUsed, res.CostEstimate, res.ProcessingTime.Round(time.Millisecond))
			}
			if res.Error {
				return fmt.Errorf("run failed: %s", res.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default searches ./ and /etc/errand)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result record as JSON")
	return cmd
}
