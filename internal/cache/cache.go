// Package cache keeps short-lived copies of lineage history listings in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/config"
	"github.com/mohammad-safakhou/specforge/internal/logging"
	"github.com/mohammad-safakhou/specforge/internal/store"
)

const keyPrefix = "specforge:history:"

// HistoryCache stores one hash per lineage root, with one field per owner, so a single DEL
// invalidates every owner's view of the lineage.
type HistoryCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewHistoryCache returns nil when caching is disabled or no client is given; a nil
// *HistoryCache is a valid pass-through.
func NewHistoryCache(rdb *redis.Client, cfg config.CacheConfig, logger *zap.Logger) *HistoryCache {
	if rdb == nil || !cfg.Enabled {
		return nil
	}
	cfg = cfg.Normalize()
	return &HistoryCache{rdb: rdb, ttl: cfg.TTL, logger: logging.OrNop(logger)}
}

func key(rootID string) string { return keyPrefix + rootID }

// Get returns the cached listing. Any Redis or decode failure counts as a miss.
func (c *HistoryCache) Get(ctx context.Context, ownerID, rootID string) ([]store.SpecRecord, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.rdb.HGet(ctx, key(rootID), ownerID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("history cache read failed", zap.String("root_id", rootID), zap.Error(err))
		}
		return nil, false
	}
	var recs []store.SpecRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		c.logger.Warn("history cache entry corrupt", zap.String("root_id", rootID), zap.Error(err))
		return nil, false
	}
	return recs, true
}

// Set stores a listing and refreshes the lineage key's TTL.
func (c *HistoryCache) Set(ctx context.Context, ownerID, rootID string, recs []store.SpecRecord) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key(rootID), ownerID, raw)
	pipe.Expire(ctx, key(rootID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache history: %w", err)
	}
	return nil
}

// Invalidate drops every cached listing of a lineage.
func (c *HistoryCache) Invalidate(ctx context.Context, rootID string) error {
	if c == nil {
		return nil
	}
	if err := c.rdb.Del(ctx, key(rootID)).Err(); err != nil {
		return fmt.Errorf("invalidate history: %w", err)
	}
	return nil
}

// TTL reports the effective entry lifetime.
func (c *HistoryCache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}
