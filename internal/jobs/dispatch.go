package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mohammad-safakhou/specforge/config"
	"github.com/mohammad-safakhou/specforge/internal/logging"
	"github.com/mohammad-safakhou/specforge/internal/queue/streams"
)

// Dispatcher hands a created job to whatever runs the worker body.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
	Mode() string
}

var (
	// ErrDispatcherClosed is returned by a local dispatcher after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrPoolFull is returned when every worker is busy and the backlog is full.
	ErrPoolFull = errors.New("local pool and backlog are full")
)

// ProcessFunc runs the worker body for one job.
type ProcessFunc func(ctx context.Context, jobID string) error

// FailFunc records a job that the pool could not finish.
type FailFunc func(ctx context.Context, jobID, category string, cause error) error

type taskError struct {
	jobID string
	err   error
}

// LocalDispatcher runs jobs in-process. A semaphore caps the number of worker goroutines at the
// pool size; jobs arriving while all permits are held wait in a bounded backlog that the
// running workers drain. Every task error is sent to an error channel whose drain marks the
// record FAILED.
type LocalDispatcher struct {
	sem     *semaphore.Weighted
	backlog chan string
	run     ProcessFunc
	fail    FailFunc
	errs    chan taskError
	drained chan struct{}
	base    context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger

	// mu orders permit handoff against Dispatch so a queued job always has a worker.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewLocalDispatcher starts the error drain. Jobs run under a context derived from ctx, not
// from the submitting request.
func NewLocalDispatcher(ctx context.Context, size, backlog int, run ProcessFunc, fail FailFunc, logger *zap.Logger) *LocalDispatcher {
	if size <= 0 {
		size = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d := &LocalDispatcher{
		sem:     semaphore.NewWeighted(int64(size)),
		backlog: make(chan string, backlog),
		run:     run,
		fail:    fail,
		errs:    make(chan taskError, size),
		drained: make(chan struct{}),
		base:    base,
		cancel:  cancel,
		logger:  logging.OrNop(logger).Named("dispatch"),
	}
	go d.drain()
	return d
}

func (d *LocalDispatcher) Mode() string { return config.DispatchLocal }

// Dispatch starts job on a free worker or queues it, and returns without waiting for it.
func (d *LocalDispatcher) Dispatch(_ context.Context, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if d.sem.TryAcquire(1) {
		d.wg.Add(1)
		go d.work(job.ID)
		return nil
	}
	select {
	case d.backlog <- job.ID:
		return nil
	default:
		return ErrPoolFull
	}
}

// work holds one permit and runs jobs until the backlog is empty.
func (d *LocalDispatcher) work(jobID string) {
	defer d.wg.Done()
	for {
		d.execute(jobID)

		d.mu.Lock()
		select {
		case next := <-d.backlog:
			d.mu.Unlock()
			jobID = next
		default:
			d.sem.Release(1)
			d.mu.Unlock()
			return
		}
	}
}

func (d *LocalDispatcher) execute(jobID string) {
	defer func() {
		if p := recover(); p != nil {
			d.errs <- taskError{jobID: jobID, err: fmt.Errorf("panic: %v", p)}
		}
	}()
	if err := d.run(d.base, jobID); err != nil {
		d.errs <- taskError{jobID: jobID, err: err}
	}
}

func (d *LocalDispatcher) drain() {
	defer close(d.drained)
	for te := range d.errs {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := d.fail(ctx, te.jobID, "internal", te.err); err != nil {
			d.logger.Error("could not record pool failure",
				zap.String("job_id", te.jobID),
				zap.NamedError("cause", te.err),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting jobs and waits for running and queued ones. When ctx expires first the
// remaining jobs are cancelled and end up FAILED through the drain.
func (d *LocalDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.drained
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		d.cancel()
		<-done
	}
	d.cancel()
	close(d.errs)
	<-d.drained
	return err
}

// StreamPublisher is the part of *streams.Publisher the stream dispatcher uses.
type StreamPublisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, maxAttempts int, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// StreamDispatcher appends a spec.job.requested envelope to a Redis stream.
type StreamDispatcher struct {
	pub         StreamPublisher
	stream      string
	maxAttempts int
	maxLen      int64
	logger      *zap.Logger
}

func NewStreamDispatcher(pub StreamPublisher, cfg config.DispatchConfig, logger *zap.Logger) *StreamDispatcher {
	cfg = cfg.Normalize()
	return &StreamDispatcher{
		pub:         pub,
		stream:      cfg.Stream,
		maxAttempts: cfg.MaxAttempts,
		maxLen:      cfg.MaxLen,
		logger:      logging.OrNop(logger).Named("dispatch"),
	}
}

func (d *StreamDispatcher) Mode() string { return config.DispatchRedis }

func (d *StreamDispatcher) Dispatch(ctx context.Context, job Job) error {
	var opts []streams.PublishOption
	if d.maxLen > 0 {
		opts = append(opts, streams.WithMaxLenApprox(d.maxLen))
	}
	id, err := d.pub.PublishRaw(ctx, d.stream, streams.EventJobRequested, streams.VersionV1, d.maxAttempts, job, opts...)
	if err != nil {
		return fmt.Errorf("publish %s: %w", d.stream, err)
	}
	d.logger.Debug("job published", zap.String("job_id", job.ID), zap.String("message_id", id))
	return nil
}
