package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/agent/core"
	"github.com/mohammad-safakhou/errand/internal/agent/telemetry"
	"github.com/mohammad-safakhou/errand/internal/memory"
	"github.com/mohammad-safakhou/errand/internal/queue/streams"
	"github.com/mohammad-safakhou/errand/internal/runtime"
	"github.com/mohammad-safakhou/errand/internal/store"
	"github.com/mohammad-safakhou/errand/internal/tool/builtin"
	"github.com/mohammad-safakhou/errand/internal/worker"
)

func workerCmd() *cobra.Command {
	var (
		cfgPath  string
		consumer string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued runs and execute them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)

			dsn, err := runtime.BuildPostgresDSN(cfg)
			if err != nil {
				return err
			}
			st, err := store.NewWithDSN(ctx, dsn)
			if err != nil {
				return err
			}

			rdb, err := runtime.NewRedisClient(ctx, cfg.Storage.Redis)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			otelTel, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
				ServiceName: "errand-worker",
				MetricsPort: cfg.Telemetry.MetricsPort,
			})
			if err != nil {
				return err
			}
			defer func() { _ = otelTel.Shutdown(context.Background()) }()
			tel := telemetry.NewTelemetry(cfg.Telemetry)
			defer tel.Shutdown()

			llm, err := core.NewLLMProvider(cfg.LLM)
			if err != nil {
				return err
			}
			mem := memory.NewService(cfg.Memory, memory.StoreSource{Store: st}, llm, cfg.LLM.DefaultEmbeddingModel(), nil)

			registry, err := builtin.BuildRegistry(cfg, llm, mem)
			if err != nil {
				return err
			}
			orch, err := core.NewOrchestrator(cfg, log.New(os.Stdout, "[ORCH] ", log.LstdFlags), tel, registry)
			if err != nil {
				return err
			}
			if stats, err := st.LoadExpertStats(ctx); err != nil {
				logger.Printf("expert stats load: %v", err)
			} else {
				for _, s := range stats {
					orch.SeedPerformance(s.Expert, s.Success, s.Total)
				}
			}

			reg, err := streams.NewRunRegistry()
			if err != nil {
				return err
			}
			if err := streams.EnsureGroup(ctx, rdb, cfg.Queue.RunStream, cfg.Queue.Group); err != nil {
				return err
			}
			name := consumer
			if name == "" {
				name = cfg.Queue.Consumer
			}
			if name == "" {
				name = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
			}
			cons := streams.NewConsumer(rdb, reg, cfg.Queue.Group, name)
			pub := streams.NewPublisher(rdb, reg)

			proc := worker.NewProcessor(cfg, logger, st, orch, mem, cons, pub, rdb, meter, tracer)
			logger.Printf("consuming %s as %s/%s", cfg.Queue.RunStream, cfg.Queue.Group, name)
			return proc.Start(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default searches ./ and /etc/errand)")
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer name within the group (default from config, else random)")
	return cmd
}
