package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/config"
	"github.com/mohammad-safakhou/specforge/internal/jobs"
	srv "github.com/mohammad-safakhou/specforge/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *cfgPath, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if serveAddr != "" {
				a.cfg.Server.Address = serveAddr
			}

			var pool *jobs.LocalDispatcher
			if a.cfg.Dispatch.Mode == config.DispatchRedis {
				a.streamDispatcher()
			} else {
				pool = jobs.NewLocalDispatcher(ctx, a.cfg.Dispatch.PoolSize, a.cfg.Dispatch.Backlog, a.orchestrator.Process, a.orchestrator.Fail, a.logger)
				a.orchestrator.SetDispatcher(pool)
				if _, err := a.orchestrator.ReapStale(ctx, a.cfg.Dispatch.StaleAfter, 500); err != nil {
					a.logger.Warn("stale job sweep failed", zap.Error(err))
				}
			}

			checks := map[string]srv.HealthCheck{"postgres": a.store.Ping}
			if a.redis != nil {
				checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
			}
			e := srv.New(a.cfg.Server, srv.Deps{
				Jobs:       a.orchestrator,
				Lineage:    a.lineage,
				Gatekeeper: a.gatekeeper,
				Alignment:  a.alignment,
				Finalizer:  a.shredder,
				Runner:     a.orchestrator,
				Checks:     checks,
				Logger:     a.logger,
			})
			a.logger.Info("specforge serving",
				zap.String("version", version),
				zap.String("dispatch", a.cfg.Dispatch.Mode))
			runErr := srv.Run(ctx, e, a.cfg.Server, a.logger)

			if pool != nil {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := pool.Close(closeCtx); err != nil {
					a.logger.Warn("local dispatcher did not drain", zap.Error(err))
				}
			}
			return runErr
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")

	return serve
}
