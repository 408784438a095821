package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const categoryAbandoned = "abandoned"

var errAbandoned = errors.New("job was pending when its worker pool went away")

// ReapStale fails PENDING records untouched for longer than age. The local pool keeps no
// state across restarts, so such records would otherwise stay PENDING forever. It returns
// how many records it failed.
func (o *Orchestrator) ReapStale(ctx context.Context, age time.Duration, limit int) (int, error) {
	ids, err := o.opts.Store.ListStalePending(ctx, age, limit)
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	reaped := 0
	for _, id := range ids {
		if err := o.Fail(ctx, id, categoryAbandoned, errAbandoned); err != nil {
			o.logger.Warn("reap stale job failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		reaped++
	}
	if reaped > 0 {
		o.logger.Info("reaped stale jobs", zap.Int("count", reaped), zap.Duration("age", age))
	}
	return reaped, nil
}
