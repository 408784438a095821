package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/specforge/internal/jobs"
	"github.com/mohammad-safakhou/specforge/internal/queue/streams"
)

// JobRunner is the worker body plus the terminal failure used once retries are spent.
// Implemented by *jobs.Orchestrator.
type JobRunner interface {
	Process(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, category string, cause error) error
}

var _ JobRunner = (*jobs.Orchestrator)(nil)

// ErrUnsupportedEvent is returned for envelopes that do not request a job.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// DecodeJob extracts the job from a spec.job.requested envelope.
func DecodeJob(env streams.Envelope) (jobs.Job, error) {
	if env.EventType != streams.EventJobRequested {
		return jobs.Job{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, env.EventType)
	}
	var job jobs.Job
	if err := json.Unmarshal(env.Data, &job); err != nil {
		return jobs.Job{}, fmt.Errorf("decode job payload: %w", err)
	}
	if job.ID == "" {
		return jobs.Job{}, fmt.Errorf("job payload has no job_id")
	}
	return job, nil
}

// Deliver runs one push-delivered envelope through the worker body. The pusher owns
// redelivery, so errors are returned rather than re-published; once the envelope's
// attempt budget is spent the job is failed instead.
func Deliver(ctx context.Context, runner JobRunner, env streams.Envelope) error {
	job, err := DecodeJob(env)
	if err != nil {
		return err
	}
	err = runner.Process(ctx, job.ID)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if _, more := env.Retry(); !more {
		if failErr := runner.Fail(ctx, job.ID, categoryExhausted, err); failErr != nil {
			return failErr
		}
		return nil
	}
	return err
}
