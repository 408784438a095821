package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// LagMetrics describes how far a consumer group trails its stream.
type LagMetrics struct {
	// Pending counts delivered messages that were never acknowledged.
	Pending int64
	// Lag counts entries not yet delivered to the group; -1 when Redis cannot tell.
	Lag        int64
	Consumers  int64
	OldestIdle time.Duration
}

// GroupLag reads lag for group on stream. A stream or group that does not exist yet has no lag.
func GroupLag(ctx context.Context, client *redis.Client, stream, group string) (LagMetrics, error) {
	if client == nil || stream == "" || group == "" {
		return LagMetrics{}, fmt.Errorf("group lag: client, stream and group are required")
	}
	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return LagMetrics{}, nil
		}
		return LagMetrics{}, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}

	var m LagMetrics
	found := false
	for _, g := range groups {
		if g.Name == group {
			m = LagMetrics{Pending: g.Pending, Lag: g.Lag, Consumers: int64(g.Consumers)}
			found = true
			break
		}
	}
	if !found || m.Pending == 0 {
		return m, nil
	}

	oldest, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream, Group: group, Start: "-", End: "+", Count: 1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return LagMetrics{}, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}
	if len(oldest) > 0 {
		m.OldestIdle = oldest[0].Idle
	}
	return m, nil
}
