package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/specforge/config"
)

type scriptedBackend struct {
	errs  []error
	out   string
	calls int
	last  Request
}

func (b *scriptedBackend) Complete(ctx context.Context, req Request) (string, error) {
	b.last = req
	b.calls++
	if len(b.errs) >= b.calls {
		if err := b.errs[b.calls-1]; err != nil {
			return "", err
		}
	}
	return b.out, nil
}

func newTestClient(b Backend, retries int) *Client {
	c := NewClient(b, config.LLMConfig{
		MaxRetries:        retries,
		RequestsPerSecond: 1000,
		Burst:             10,
		Timeout:           time.Second,
	}, nil)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func apiErr(status int) error {
	return &openai.APIError{HTTPStatusCode: status, Message: http.StatusText(status)}
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	b := &scriptedBackend{errs: []error{apiErr(429), apiErr(503)}, out: `{"ok":true}`}
	c := newTestClient(b, 3)

	out, err := c.Generate(context.Background(), Author, "draft", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, 3, b.calls)
	assert.Equal(t, Author.System, b.last.System)
}

func TestGenerateAuthIsFatal(t *testing.T) {
	b := &scriptedBackend{errs: []error{apiErr(401)}}
	c := newTestClient(b, 3)

	_, err := c.Generate(context.Background(), Author, "draft", nil)
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))
	assert.Equal(t, 1, b.calls)
}

func TestGenerateExhaustsRetries(t *testing.T) {
	b := &scriptedBackend{errs: []error{apiErr(500), apiErr(500), apiErr(500)}}
	c := newTestClient(b, 2)

	_, err := c.Generate(context.Background(), Auditor, "check", nil)
	require.Error(t, err)
	assert.Equal(t, KindServer, KindOf(err))
	assert.Equal(t, 3, b.calls)
}

type slowBackend struct{ calls int }

func (b *slowBackend) Complete(ctx context.Context, req Request) (string, error) {
	b.calls++
	if b.calls == 1 {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "late", nil
}

func TestGenerateTimeoutIsRetryable(t *testing.T) {
	b := &slowBackend{}
	c := newTestClient(b, 1)
	c.timeout = 10 * time.Millisecond

	out, err := c.Generate(context.Background(), Author, "draft", nil)
	require.NoError(t, err)
	assert.Equal(t, "late", out)
	assert.Equal(t, 2, b.calls)
}

func TestGenerateSendsShapeHint(t *testing.T) {
	b := &scriptedBackend{out: `{}`}
	c := newTestClient(b, 0)
	shape := MustShape("sample", `{"type":"object"}`)

	_, err := c.Generate(context.Background(), Gatekeeper, "judge", shape)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"object"}`, b.last.ShapeHint)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind ErrorKind
	}{
		{apiErr(403), KindAuth},
		{apiErr(429), KindRateLimit},
		{apiErr(502), KindServer},
		{apiErr(400), KindBadRequest},
		{&openai.RequestError{HTTPStatusCode: 504, Err: errors.New("gateway")}, KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("connection refused"), KindNetwork},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, Classify(tc.err).Kind, "error %v", tc.err)
	}
	assert.Nil(t, Classify(nil))
}
