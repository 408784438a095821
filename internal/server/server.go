// Package server exposes the pipeline over HTTP with echo.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/config"
	"github.com/mohammad-safakhou/specforge/internal/alignment"
	"github.com/mohammad-safakhou/specforge/internal/diff"
	"github.com/mohammad-safakhou/specforge/internal/gatekeeper"
	"github.com/mohammad-safakhou/specforge/internal/jobs"
	"github.com/mohammad-safakhou/specforge/internal/lineage"
	"github.com/mohammad-safakhou/specforge/internal/logging"
	"github.com/mohammad-safakhou/specforge/internal/shredder"
	"github.com/mohammad-safakhou/specforge/internal/store"
	"github.com/mohammad-safakhou/specforge/internal/worker"
)

// JobService submits and polls generation jobs. Implemented by *jobs.Orchestrator.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (jobs.SubmitResult, error)
	Status(ctx context.Context, jobID string) (jobs.StatusResult, error)
}

// LineageService reads and edits versions. Implemented by *lineage.Manager.
type LineageService interface {
	Get(ctx context.Context, ownerID, id string) (store.SpecRecord, error)
	History(ctx context.Context, ownerID, rootID string) ([]store.SpecRecord, error)
	Diff(ctx context.Context, idA, idB string) (diff.Result, error)
	Edit(ctx context.Context, req lineage.EditRequest) (store.SpecRecord, error)
}

// Evaluator runs the gatekeeper. Implemented by *gatekeeper.Service.
type Evaluator interface {
	Evaluate(ctx context.Context, in gatekeeper.Intent) (gatekeeper.Result, error)
}

// AlignmentChecker is implemented by *alignment.Checker.
type AlignmentChecker interface {
	Check(ctx context.Context, intent, validatedContext, content string) alignment.Result
}

// Finalizer is implemented by *shredder.Shredder.
type Finalizer interface {
	Finalize(ctx context.Context, specID string) (shredder.Result, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the components the routes call into. Runner serves push delivery and may be nil
// when the deployment only consumes the stream.
type Deps struct {
	Jobs       JobService
	Lineage    LineageService
	Gatekeeper Evaluator
	Alignment  AlignmentChecker
	Finalizer  Finalizer
	Runner     worker.JobRunner
	Checks     map[string]HealthCheck
	Logger     *zap.Logger
}

// New builds the echo instance with every route registered.
func New(cfg config.ServerConfig, deps Deps) *echo.Echo {
	logger := logging.OrNop(deps.Logger).Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID))
			return nil
		},
	}))

	e.GET("/healthz", healthHandler(deps.Checks))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	h := &handlers{deps: deps, logger: logger}
	api := e.Group("/api", requireOwner)
	api.POST("/specs", h.submit)
	api.GET("/jobs/:id", h.status)
	api.GET("/lineages/:root/history", h.history)
	api.GET("/specs/diff", h.diff)
	api.GET("/specs/:id", h.getSpec)
	api.PATCH("/specs/:id", h.editSpec)
	api.POST("/specs/:id/finalize", h.finalize)
	api.POST("/gatekeeper/evaluate", h.evaluate)
	api.POST("/alignment/check", h.checkAlignment)

	if deps.Runner != nil {
		e.POST("/internal/jobs/deliver", h.deliver)
	}
	return e
}

// Run serves e on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, e *echo.Echo, cfg config.ServerConfig, logger *zap.Logger) error {
	logger = logging.OrNop(logger)
	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      e,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Address))
		if err := e.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func healthHandler(checks map[string]HealthCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()
		status := http.StatusOK
		out := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				out[name] = err.Error()
				continue
			}
			out[name] = "ok"
		}
		return c.JSON(status, map[string]interface{}{"status": http.StatusText(status), "checks": out})
	}
}
