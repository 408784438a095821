package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/specforge/config"
	"github.com/mohammad-safakhou/specforge/internal/queue/streams"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

type recorder struct {
	subjects []string
	payloads [][]byte
}

func (r *recorder) Publish(subject string, data []byte) error {
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

func newRegistry(t *testing.T) *streams.SchemaRegistry {
	t.Helper()
	reg, err := streams.NewBaseRegistry()
	require.NoError(t, err)
	return reg
}

func TestNotifierPublishesValidatedLifecycle(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(rec, "", newRegistry(t), nil)

	err := n.Publish(context.Background(), Lifecycle{JobID: "job-1", OwnerID: "team.alpha", Stage: StageCompleted, Version: 2})
	require.NoError(t, err)
	require.Len(t, rec.subjects, 1)
	assert.Equal(t, "specforge.jobs.team_alpha.job-1.completed", rec.subjects[0])

	var got Lifecycle
	require.NoError(t, json.Unmarshal(rec.payloads[0], &got))
	assert.Equal(t, 2, got.Version)
	assert.False(t, got.OccurredAt.IsZero())
}

func TestNotifierRejectsUnknownStage(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(rec, "jobs", newRegistry(t), nil)

	err := n.Publish(context.Background(), Lifecycle{JobID: "job-1", Stage: "exploded"})
	require.Error(t, err)
	assert.Empty(t, rec.subjects)

	// Notify swallows the same failure
	n.Notify(context.Background(), Lifecycle{JobID: "job-1", Stage: "exploded"})
	assert.Empty(t, rec.subjects)
}

func TestNilNotifierDropsEvents(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Publish(context.Background(), Lifecycle{JobID: "x", Stage: StageFailed}))
	n.Notify(context.Background(), Lifecycle{JobID: "x", Stage: StageFailed})
	assert.Nil(t, NewNotifier(nil, "", nil, nil))
}

func TestConnectDisabledWithoutURL(t *testing.T) {
	nc, err := Connect(config.EventsConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, nc)
}

func TestNotifierOverNATS(t *testing.T) {
	srv := startTestNATSServer(t)
	nc, err := Connect(config.EventsConfig{NATSURL: srv.ClientURL()}, nil)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("specforge.jobs.owner-1.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	n := NewNotifier(nc, "specforge.jobs", newRegistry(t), nil)
	require.NoError(t, n.Publish(context.Background(), Lifecycle{JobID: "job-9", OwnerID: "owner-1", Stage: StageSubmitted}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "specforge.jobs.owner-1.job-9.submitted", msg.Subject)

	var got Lifecycle
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, StageSubmitted, got.Stage)
}
