package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one decoded stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// ConsumerOption tunes a single XREADGROUP call.
type ConsumerOption func(*redis.XReadGroupArgs)

// WithBlock waits up to d for new entries.
func WithBlock(d time.Duration) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if d > 0 {
			args.Block = d
		}
	}
}

// WithCount caps the entries returned by one read.
func WithCount(n int64) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if n > 0 {
			args.Count = n
		}
	}
}

// Consumer is one named member of a consumer group. Entries that cannot be decoded or fail
// schema validation are acked and dropped, so a poison entry is never redelivered.
type Consumer struct {
	client   *redis.Client
	registry *SchemaRegistry
	group    string
	name     string
}

func NewConsumer(client *redis.Client, registry *SchemaRegistry, group, name string) *Consumer {
	return &Consumer{client: client, registry: registry, group: group, name: name}
}

// EnsureGroup creates group on stream, and the stream itself, when missing. The group starts
// at the beginning of the stream so jobs published before any worker ran are still delivered.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("ensure group: stream and group are required")
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

func (c *Consumer) check(stream string) error {
	if stream == "" {
		return fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return fmt.Errorf("consumer group and name are required")
	}
	return nil
}

// Read returns new entries delivered to this consumer. A block timeout yields no entries and
// no error.
func (c *Consumer) Read(ctx context.Context, stream string, opts ...ConsumerOption) ([]Message, error) {
	if err := c.check(stream); err != nil {
		return nil, err
	}
	args := &redis.XReadGroupArgs{Group: c.group, Consumer: c.name, Streams: []string{stream, ">"}}
	for _, opt := range opts {
		opt(args)
	}
	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}
	var out []Message
	for _, st := range res {
		out = append(out, c.decodeAll(ctx, stream, st.Messages)...)
	}
	return out, nil
}

// AutoClaim takes over entries pending longer than minIdle, scanning from start. Pass the
// returned cursor back in to continue; "0-0" means the scan is complete.
func (c *Consumer) AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if err := c.check(stream); err != nil {
		return nil, "", err
	}
	args := &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}
	msgs, next, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim %s: %w", stream, err)
	}
	return c.decodeAll(ctx, stream, msgs), next, nil
}

// Ack acknowledges ids for this consumer's group.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", stream, err)
	}
	return nil
}

// LagMetrics reports how far this consumer's group trails stream.
func (c *Consumer) LagMetrics(ctx context.Context, stream string) (LagMetrics, error) {
	return GroupLag(ctx, c.client, stream, c.group)
}

func (c *Consumer) decodeAll(ctx context.Context, stream string, msgs []redis.XMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		env, err := c.decode(msg)
		if err != nil {
			_ = c.client.XAck(ctx, stream, c.group, msg.ID).Err()
			recordStreamMessage(env.EventType, "rejected")
			continue
		}
		recordStreamMessage(env.EventType, "delivered")
		out = append(out, Message{ID: msg.ID, Envelope: env})
	}
	return out
}

// decode returns the entry's envelope. On a validation failure the envelope is still
// returned so the rejection can be attributed to its event type.
func (c *Consumer) decode(msg redis.XMessage) (Envelope, error) {
	var data []byte
	switch v := msg.Values[envelopeField].(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	case nil:
		return Envelope{}, fmt.Errorf("entry %s has no %s field", msg.ID, envelopeField)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, fmt.Errorf("entry %s: %w", msg.ID, err)
		}
		data = raw
	}
	env, err := UnmarshalEnvelope(data)
	if err != nil {
		return Envelope{}, err
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return env, err
		}
	}
	return env, nil
}
