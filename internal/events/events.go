// Package events publishes job lifecycle notifications to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/config"
	"github.com/mohammad-safakhou/specforge/internal/logging"
	"github.com/mohammad-safakhou/specforge/internal/queue/streams"
)

// Lifecycle stages.
const (
	StageSubmitted = "submitted"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// Lifecycle is the payload published for every job state change.
type Lifecycle struct {
	JobID      string    `json:"job_id"`
	Stage      string    `json:"stage"`
	OccurredAt time.Time `json:"occurred_at"`
	OwnerID    string    `json:"owner_id,omitempty"`
	RootID     string    `json:"root_id,omitempty"`
	Version    int       `json:"version,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Publisher is the part of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Notifier publishes lifecycle events. A nil *Notifier drops every event.
type Notifier struct {
	pub      Publisher
	prefix   string
	registry *streams.SchemaRegistry
	logger   *zap.Logger
}

// NewNotifier wraps pub. registry may be nil to skip payload validation.
func NewNotifier(pub Publisher, prefix string, registry *streams.SchemaRegistry, logger *zap.Logger) *Notifier {
	if pub == nil {
		return nil
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "specforge.jobs"
	}
	return &Notifier{pub: pub, prefix: prefix, registry: registry, logger: logging.OrNop(logger)}
}

// Connect dials NATS when events are configured. It returns a nil connection when the URL
// is empty.
func Connect(cfg config.EventsConfig, logger *zap.Logger) (*nats.Conn, error) {
	if strings.TrimSpace(cfg.NATSURL) == "" {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("specforge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	logging.OrNop(logger).Info("connected to NATS", zap.String("url", cfg.NATSURL))
	return nc, nil
}

// Subject returns <prefix>.<owner>.<job>.<stage>.
func (n *Notifier) Subject(ev Lifecycle) string {
	owner := ev.OwnerID
	if owner == "" {
		owner = "_"
	}
	return strings.Join([]string{n.prefix, token(owner), token(ev.JobID), ev.Stage}, ".")
}

// token makes s safe to use as one subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Publish validates and sends ev. Failures are returned for the caller to log.
func (n *Notifier) Publish(_ context.Context, ev Lifecycle) error {
	if n == nil {
		return nil
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	if n.registry != nil {
		if err := n.registry.Validate(streams.EventJobLifecycle, streams.VersionV1, data); err != nil {
			return fmt.Errorf("lifecycle event: %w", err)
		}
	}
	subject := n.Subject(ev)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Notify publishes ev and logs failures at warn level. Events never fail a job.
func (n *Notifier) Notify(ctx context.Context, ev Lifecycle) {
	if n == nil {
		return
	}
	if err := n.Publish(ctx, ev); err != nil {
		n.logger.Warn("lifecycle event dropped",
			zap.String("job_id", ev.JobID),
			zap.String("stage", ev.Stage),
			zap.Error(err))
	}
}
