package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mohammad-safakhou/specforge/config"
)

// Request is a single completion call.
type Request struct {
	System      string
	Prompt      string
	ShapeHint   string
	Temperature float32
	MaxTokens   int
}

// Backend is the opaque generation function: prompt in, text out, or a failure.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Generator is what pipeline components depend on.
type Generator interface {
	Generate(ctx context.Context, persona Persona, prompt string, shape *Shape) (string, error)
}

// Client adds timeouts, rate limiting and bounded retries on top of a Backend.
type Client struct {
	backend     Backend
	limiter     *rate.Limiter
	logger      *zap.Logger
	timeout     time.Duration
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	sleep       func(context.Context, time.Duration) error
}

// NewClient builds a Client from the llm config section.
func NewClient(backend Backend, cfg config.LLMConfig, logger *zap.Logger) *Client {
	cfg = cfg.Normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		backend:     backend,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:      logger,
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
		sleep:       sleepCtx,
	}
}

// Generate runs prompt under persona. When shape is set, its schema text is passed as the
// response-shape hint; the caller decodes with shape.Decode.
func (c *Client) Generate(ctx context.Context, persona Persona, prompt string, shape *Shape) (string, error) {
	req := Request{
		System:      persona.System,
		Prompt:      prompt,
		Temperature: persona.Temperature,
		MaxTokens:   persona.MaxTokens,
	}
	if shape != nil {
		req.ShapeHint = shape.Hint()
	}

	var lastErr *Error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			if lastErr.Kind == KindRateLimit && lastErr.RetryAfter > delay {
				delay = lastErr.RetryAfter
			}
			c.logger.Warn("retrying generation",
				zap.String("persona", persona.Name),
				zap.Int("attempt", attempt),
				zap.String("kind", string(lastErr.Kind)),
				zap.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return "", &Error{Kind: KindTimeout, Err: err}
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &Error{Kind: KindTimeout, Err: err}
		}

		out, err := c.call(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = Classify(err)
		if ctx.Err() != nil {
			return "", &Error{Kind: KindTimeout, Err: ctx.Err()}
		}
		if !lastErr.Retryable() {
			return "", lastErr
		}
	}
	if lastErr.Kind == KindRateLimit && lastErr.RetryAfter == 0 {
		lastErr.RetryAfter = c.backoff(c.maxRetries)
	}
	return "", fmt.Errorf("generation retries exhausted after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) call(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.backend.Complete(callCtx, req)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return "", &Error{Kind: KindTimeout, Err: err}
	}
	return out, err
}

// backoff returns a full-jitter delay for the given retry index.
func (c *Client) backoff(retry int) time.Duration {
	ceiling := c.backoffBase << uint(retry)
	if ceiling <= 0 || ceiling > c.backoffMax {
		ceiling = c.backoffMax
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling))) + 1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
