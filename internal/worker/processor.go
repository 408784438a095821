package worker

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/config"
	"github.com/mohammad-safakhou/specforge/internal/logging"
	"github.com/mohammad-safakhou/specforge/internal/queue/streams"
	"github.com/mohammad-safakhou/specforge/internal/store"
)

const categoryExhausted = "retries_exhausted"

var workerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "specforge",
	Subsystem: "worker",
	Name:      "messages_total",
	Help:      "Job messages handled by the stream worker, by outcome.",
}, []string{"outcome"})

// Source is the consumer side of the job stream. Implemented by *streams.Consumer.
type Source interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
	Ack(ctx context.Context, stream string, ids ...string) error
}

// Republisher appends retry envelopes. Implemented by *streams.Publisher.
type Republisher interface {
	Publish(ctx context.Context, stream string, envelope streams.Envelope, opts ...streams.PublishOption) (string, error)
}

// Processor consumes spec.job.requested messages and runs each through the worker body.
type Processor struct {
	logger    *zap.Logger
	source    Source
	publisher Republisher
	runner    JobRunner
	stream    string
	block     time.Duration
	claimIdle time.Duration
	batch     int64
	tracer    trace.Tracer
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *zap.Logger, runner JobRunner, src Source, pub Republisher, cfg config.DispatchConfig, tracer trace.Tracer) *Processor {
	cfg = cfg.Normalize()
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}
	return &Processor{
		logger:    logging.OrNop(logger).Named("worker"),
		source:    src,
		publisher: pub,
		runner:    runner,
		stream:    cfg.Stream,
		block:     cfg.BlockTimeout,
		claimIdle: cfg.ClaimIdle,
		batch:     16,
		tracer:    tracer,
	}
}

// Start blocks, continuously processing job messages until the context is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("worker processor starting", zap.String("stream", p.stream))
	p.reclaim(ctx)
	lastClaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker processor stopping", zap.Error(ctx.Err()))
			return nil
		default:
		}

		if time.Since(lastClaim) >= p.claimIdle/2 {
			p.reclaim(ctx)
			lastClaim = time.Now()
		}

		msgs, err := p.source.Read(ctx, p.stream, streams.WithBlock(p.block), streams.WithCount(p.batch))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("error reading stream", zap.Error(err))
			sleepCtx(ctx, time.Second)
			continue
		}
		for _, msg := range msgs {
			p.Handle(ctx, msg)
		}
	}
}

// reclaim takes over messages another consumer left pending longer than claimIdle.
func (p *Processor) reclaim(ctx context.Context) {
	start := "0-0"
	for {
		msgs, next, err := p.source.AutoClaim(ctx, p.stream, p.claimIdle, start, p.batch)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("reclaim pending messages failed", zap.Error(err))
			}
			return
		}
		if len(msgs) > 0 {
			p.logger.Info("reclaimed pending messages", zap.Int("count", len(msgs)))
		}
		for _, msg := range msgs {
			p.Handle(ctx, msg)
		}
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

// Handle processes one message. It acks once the job is terminal, re-published for another
// attempt, or failed for good; a message is left pending only when shutdown interrupts it or
// the retry could not be published.
func (p *Processor) Handle(ctx context.Context, msg streams.Message) {
	ctx, span := p.tracer.Start(ctx, "worker.handle_job",
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.Int("message.attempt", msg.Envelope.Attempt),
		))
	defer span.End()

	job, err := DecodeJob(msg.Envelope)
	if err != nil {
		p.logger.Warn("dropping undecodable job message", zap.String("message_id", msg.ID), zap.Error(err))
		p.ack(ctx, msg, "skipped")
		return
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	err = p.runner.Process(ctx, job.ID)
	switch {
	case err == nil:
		p.ack(ctx, msg, "processed")
		return
	case ctx.Err() != nil:
		// left pending; reclaimed after restart
		return
	case errors.Is(err, store.ErrNotFound):
		p.logger.Warn("job record missing", zap.String("job_id", job.ID))
		p.ack(ctx, msg, "skipped")
		return
	}
	span.RecordError(err)

	next, more := msg.Envelope.Retry()
	if !more {
		p.logger.Error("job retries exhausted",
			zap.String("job_id", job.ID),
			zap.Int("attempts", msg.Envelope.Attempt+1),
			zap.Error(err))
		if failErr := p.runner.Fail(ctx, job.ID, categoryExhausted, err); failErr != nil {
			p.logger.Error("could not fail exhausted job", zap.String("job_id", job.ID), zap.Error(failErr))
			return
		}
		p.ack(ctx, msg, "exhausted")
		return
	}
	if _, pubErr := p.publisher.Publish(ctx, p.stream, next); pubErr != nil {
		p.logger.Error("could not re-publish job", zap.String("job_id", job.ID), zap.Error(pubErr))
		return
	}
	p.logger.Warn("job attempt failed; re-published",
		zap.String("job_id", job.ID),
		zap.Int("next_attempt", next.Attempt),
		zap.Error(err))
	p.ack(ctx, msg, "retried")
}

func (p *Processor) ack(ctx context.Context, msg streams.Message, outcome string) {
	workerMessages.WithLabelValues(outcome).Inc()
	if err := p.source.Ack(ctx, p.stream, msg.ID); err != nil {
		p.logger.Warn("failed to ack message", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
