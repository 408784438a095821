package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/internal/queue/streams"
	"github.com/mohammad-safakhou/specforge/internal/worker"
)

func workerCMD(cfgPath *string) *cobra.Command {
	var consumerName string
	var cmd = &cobra.Command{
		Use:   "worker",
		Short: "Consume generation jobs from the Redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *cfgPath, true)
			if err != nil {
				return err
			}
			defer a.Close()
			// Retries re-enter the stream; the worker never dispatches locally.
			a.streamDispatcher()

			dispatch := a.cfg.Dispatch
			if err := streams.EnsureGroup(ctx, a.redis, dispatch.Stream, dispatch.Group); err != nil {
				return fmt.Errorf("ensure group: %w", err)
			}
			if consumerName == "" {
				consumerName = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
			}
			consumer := streams.NewConsumer(a.redis, a.registry, dispatch.Group, consumerName)
			publisher := streams.NewPublisher(a.redis, a.registry)

			go worker.MonitorLag(ctx, consumer, dispatch.Stream, 0, a.logger)

			processor := worker.NewProcessor(a.logger, a.orchestrator, consumer, publisher, dispatch, a.telemetry.Tracer)
			a.logger.Info("specforge worker started",
				zap.String("consumer", consumerName),
				zap.String("group", dispatch.Group),
				zap.String("stream", dispatch.Stream))
			return processor.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&consumerName, "name", "", "consumer name within the group (default is random)")
	return cmd
}
