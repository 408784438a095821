package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/config"
	"github.com/mohammad-safakhou/specforge/internal/alignment"
	"github.com/mohammad-safakhou/specforge/internal/cache"
	"github.com/mohammad-safakhou/specforge/internal/events"
	"github.com/mohammad-safakhou/specforge/internal/gatekeeper"
	"github.com/mohammad-safakhou/specforge/internal/jobs"
	"github.com/mohammad-safakhou/specforge/internal/lineage"
	"github.com/mohammad-safakhou/specforge/internal/llm"
	"github.com/mohammad-safakhou/specforge/internal/logging"
	"github.com/mohammad-safakhou/specforge/internal/queue/streams"
	"github.com/mohammad-safakhou/specforge/internal/retrieval"
	"github.com/mohammad-safakhou/specforge/internal/runtime"
	"github.com/mohammad-safakhou/specforge/internal/shredder"
	"github.com/mohammad-safakhou/specforge/internal/store"
)

// app holds the wired components shared by serve and worker.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *store.Store
	redis     *redis.Client
	nats      *nats.Conn
	telemetry *runtime.Telemetry
	registry  *streams.SchemaRegistry

	orchestrator *jobs.Orchestrator
	lineage      *lineage.Manager
	gatekeeper   *gatekeeper.Service
	alignment    *alignment.Checker
	shredder     *shredder.Shredder
}

func newApp(ctx context.Context, cfgPath string, needRedis bool) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx, needRedis); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, needRedis bool) error {
	cfg, logger := a.cfg, a.logger

	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return err
	}
	if a.store, err = store.NewWithDSN(ctx, dsn); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	if needRedis || cfg.Dispatch.Mode == config.DispatchRedis || cfg.Cache.Enabled {
		if a.redis, err = runtime.OpenRedis(ctx, cfg.Storage.Redis); err != nil {
			return err
		}
	}

	if a.telemetry, err = runtime.SetupTelemetry(ctx, cfg.Telemetry, version); err != nil {
		return err
	}
	if a.registry, err = streams.NewBaseRegistry(); err != nil {
		return fmt.Errorf("schema registry: %w", err)
	}
	if a.nats, err = events.Connect(cfg.Events, logger); err != nil {
		return err
	}
	var notifier *events.Notifier
	if a.nats != nil {
		notifier = events.NewNotifier(a.nats, cfg.Events.SubjectPrefix, a.registry, logger.Named("events"))
	}

	client := llm.NewClient(llm.NewOpenAIBackend(cfg.LLM), cfg.LLM, logger.Named("llm"))
	embedder := llm.NewOpenAIEmbedder(cfg.LLM, cfg.Embedding)

	var judge gatekeeper.Judge = gatekeeper.KeywordJudge{}
	if cfg.Gatekeeper.UseBackend {
		judge = gatekeeper.FallbackJudge{
			Primary:   gatekeeper.NewBackendJudge(client),
			Secondary: gatekeeper.KeywordJudge{},
			Logger:    logger.Named("gatekeeper"),
		}
	}
	a.gatekeeper = gatekeeper.NewService(gatekeeper.New(judge, logger.Named("gatekeeper")), a.store, logger.Named("gatekeeper"))

	var auditor llm.Generator
	if cfg.Alignment.UseBackend {
		auditor = client
	}
	a.alignment = alignment.New(auditor, logger.Named("alignment"))

	var history lineage.HistoryCache
	if hc := cache.NewHistoryCache(a.redis, cfg.Cache, logger.Named("cache")); hc != nil {
		history = hc
	}
	a.lineage = lineage.New(a.store, history, logger.Named("lineage"))
	a.shredder = shredder.New(a.store, embedder, logger.Named("shredder"))

	opts := jobs.OptionsFromConfig(cfg)
	opts.Store = a.store
	opts.Generator = client
	opts.Admitter = a.gatekeeper
	opts.Retriever = retrieval.New(a.store, embedder, cfg.Retrieval, cfg.Thresholds, logger.Named("retrieval"))
	opts.Aligner = a.alignment
	opts.Events = notifier
	opts.Lineage = a.lineage
	opts.Tracer = a.telemetry.Tracer
	opts.Logger = logger
	a.orchestrator = jobs.New(opts)
	return nil
}

// streamDispatcher installs the Redis Streams dispatcher.
func (a *app) streamDispatcher() {
	pub := streams.NewPublisher(a.redis, a.registry)
	a.orchestrator.SetDispatcher(jobs.NewStreamDispatcher(pub, a.cfg.Dispatch, a.logger))
}

// Close releases every connection in reverse order of opening.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.nats.Close()
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logger.Sync()
}
