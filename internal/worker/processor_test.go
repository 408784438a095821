package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/specforge/config"
	"github.com/mohammad-safakhou/specforge/internal/jobs"
	"github.com/mohammad-safakhou/specforge/internal/queue/streams"
	"github.com/mohammad-safakhou/specforge/internal/store"
)

type fakeRunner struct {
	mu        sync.Mutex
	processed []string
	failed    map[string]string
	errs      map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{failed: map[string]string{}, errs: map[string]error{}}
}

func (r *fakeRunner) Process(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, jobID)
	return r.errs[jobID]
}

func (r *fakeRunner) Fail(_ context.Context, jobID, category string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[jobID] = category + ": " + cause.Error()
	return nil
}

type fakeSource struct {
	mu      sync.Mutex
	queue   []streams.Message
	claims  []streams.Message
	acked   []string
	readErr error
}

func (s *fakeSource) Read(ctx context.Context, _ string, _ ...streams.ConsumerOption) ([]streams.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	out := s.queue
	s.queue = nil
	return out, nil
}

func (s *fakeSource) AutoClaim(context.Context, string, time.Duration, string, int64) ([]streams.Message, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.claims
	s.claims = nil
	return out, "0-0", nil
}

func (s *fakeSource) Ack(_ context.Context, _ string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ids...)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	envelopes []streams.Envelope
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, _ string, env streams.Envelope, _ ...streams.PublishOption) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.envelopes = append(p.envelopes, env)
	return fmt.Sprintf("%d-0", len(p.envelopes)), nil
}

func jobMessage(t *testing.T, id, jobID string, attempt, maxAttempts int) streams.Message {
	t.Helper()
	data, err := json.Marshal(jobs.Job{ID: jobID, OwnerID: "alice"})
	require.NoError(t, err)
	return streams.Message{ID: id, Envelope: streams.Envelope{
		EventID:        "evt-" + id,
		EventType:      streams.EventJobRequested,
		PayloadVersion: streams.VersionV1,
		Attempt:        attempt,
		MaxAttempts:    maxAttempts,
		OccurredAt:     time.Now().UTC(),
		Data:           data,
	}}
}

func newTestProcessor(r JobRunner, src Source, pub Republisher) *Processor {
	return NewProcessor(nil, r, src, pub, config.DispatchConfig{}, nil)
}

func TestHandleAcksProcessedJob(t *testing.T) {
	runner, src, pub := newFakeRunner(), &fakeSource{}, &fakePublisher{}
	p := newTestProcessor(runner, src, pub)

	p.Handle(context.Background(), jobMessage(t, "1-0", "job-1", 0, 3))
	assert.Equal(t, []string{"job-1"}, runner.processed)
	assert.Equal(t, []string{"1-0"}, src.acked)
	assert.Empty(t, pub.envelopes)
}

func TestHandleRepublishesFailedAttempt(t *testing.T) {
	runner, src, pub := newFakeRunner(), &fakeSource{}, &fakePublisher{}
	runner.errs["job-1"] = errors.New("database unavailable")
	p := newTestProcessor(runner, src, pub)

	p.Handle(context.Background(), jobMessage(t, "1-0", "job-1", 0, 3))
	require.Len(t, pub.envelopes, 1)
	assert.Equal(t, 1, pub.envelopes[0].Attempt)
	assert.Equal(t, 3, pub.envelopes[0].MaxAttempts)
	assert.NotEqual(t, "evt-1-0", pub.envelopes[0].EventID)
	assert.Equal(t, []string{"1-0"}, src.acked)
	assert.Empty(t, runner.failed)
}

func TestHandleFailsJobWhenAttemptsExhausted(t *testing.T) {
	runner, src, pub := newFakeRunner(), &fakeSource{}, &fakePublisher{}
	runner.errs["job-1"] = errors.New("database unavailable")
	p := newTestProcessor(runner, src, pub)

	p.Handle(context.Background(), jobMessage(t, "3-0", "job-1", 2, 3))
	assert.Empty(t, pub.envelopes)
	assert.Equal(t, "retries_exhausted: database unavailable", runner.failed["job-1"])
	assert.Equal(t, []string{"3-0"}, src.acked)
}

func TestHandleLeavesMessagePendingWhenRetryCannotBePublished(t *testing.T) {
	runner, src := newFakeRunner(), &fakeSource{}
	runner.errs["job-1"] = errors.New("database unavailable")
	p := newTestProcessor(runner, src, &fakePublisher{err: errors.New("redis down")})

	p.Handle(context.Background(), jobMessage(t, "1-0", "job-1", 0, 3))
	assert.Empty(t, src.acked)
}

func TestHandleSkipsMissingRecordsAndForeignEvents(t *testing.T) {
	runner, src, pub := newFakeRunner(), &fakeSource{}, &fakePublisher{}
	runner.errs["ghost"] = fmt.Errorf("job ghost: %w", store.ErrNotFound)
	p := newTestProcessor(runner, src, pub)

	p.Handle(context.Background(), jobMessage(t, "1-0", "ghost", 0, 3))

	foreign := jobMessage(t, "2-0", "job-2", 0, 3)
	foreign.Envelope.EventType = streams.EventJobLifecycle
	p.Handle(context.Background(), foreign)

	assert.Equal(t, []string{"1-0", "2-0"}, src.acked)
	assert.Equal(t, []string{"ghost"}, runner.processed)
	assert.Empty(t, pub.envelopes)
	assert.Empty(t, runner.failed)
}

func TestStartReclaimsThenReadsUntilCancelled(t *testing.T) {
	runner, pub := newFakeRunner(), &fakePublisher{}
	src := &fakeSource{
		claims: []streams.Message{jobMessage(t, "1-0", "stuck", 1, 3)},
		queue:  []streams.Message{jobMessage(t, "2-0", "fresh", 0, 3)},
	}
	p := newTestProcessor(runner, src, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.acked) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []string{"stuck", "fresh"}, runner.processed)
}

func TestDeliver(t *testing.T) {
	runner := newFakeRunner()
	ctx := context.Background()

	require.NoError(t, Deliver(ctx, runner, jobMessage(t, "1-0", "job-1", 0, 3).Envelope))
	assert.Equal(t, []string{"job-1"}, runner.processed)

	runner.errs["job-2"] = errors.New("transient")
	assert.Error(t, Deliver(ctx, runner, jobMessage(t, "2-0", "job-2", 0, 3).Envelope))
	assert.Empty(t, runner.failed)

	require.NoError(t, Deliver(ctx, runner, jobMessage(t, "3-0", "job-2", 2, 3).Envelope))
	assert.Equal(t, "retries_exhausted: transient", runner.failed["job-2"])

	bad := jobMessage(t, "4-0", "job-3", 0, 3).Envelope
	bad.EventType = "spec.other"
	assert.ErrorIs(t, Deliver(ctx, runner, bad), ErrUnsupportedEvent)
}
