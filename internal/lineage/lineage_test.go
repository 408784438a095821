package lineage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/specforge/internal/diff"
	"github.com/mohammad-safakhou/specforge/internal/lint"
	"github.com/mohammad-safakhou/specforge/internal/store"
)

// memStore keeps records in memory and assigns versions the way the Postgres store does.
type memStore struct {
	mu      sync.Mutex
	recs    map[string]store.SpecRecord
	seq     int
	listErr error
	lists   int
}

func newMemStore() *memStore { return &memStore{recs: map[string]store.SpecRecord{}} }

func (m *memStore) GetSpecRecord(_ context.Context, id string) (store.SpecRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	return rec, ok, nil
}

func (m *memStore) CreateSpecRecord(_ context.Context, in store.NewSpec) (store.SpecRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	rec := store.SpecRecord{
		ID:        fmt.Sprintf("spec-%d", m.seq),
		OwnerID:   in.OwnerID,
		Status:    in.Status,
		InputText: in.InputText,
		Document:  in.Document,
		Metadata:  in.Metadata,
	}
	if in.ParentID == "" {
		rec.RootID, rec.Version = rec.ID, 1
	} else {
		parent, ok := m.recs[in.ParentID]
		if !ok {
			return store.SpecRecord{}, store.ErrNotFound
		}
		rec.RootID, rec.ParentID = parent.RootID, parent.ID
		for _, r := range m.recs {
			if r.RootID == rec.RootID && r.Version >= rec.Version {
				rec.Version = r.Version
			}
		}
		rec.Version++
	}
	m.recs[rec.ID] = rec
	return rec, nil
}

func (m *memStore) UpdateSpecDocument(_ context.Context, id string, doc json.RawMessage, patch map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Document = doc
	rec.Metadata = merged(rec.Metadata, patch)
	m.recs[id] = rec
	return nil
}

func (m *memStore) MergeSpecMetadata(_ context.Context, id string, patch map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Metadata = merged(rec.Metadata, patch)
	m.recs[id] = rec
	return nil
}

func (m *memStore) ListLineage(_ context.Context, ownerID, rootID string) ([]store.SpecRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []store.SpecRecord
	for _, r := range m.recs {
		if r.RootID == rootID && r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *memStore) MaxVersion(_ context.Context, rootID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	highest := 0
	for _, r := range m.recs {
		if r.RootID == rootID && r.Version > highest {
			highest = r.Version
		}
	}
	return highest, nil
}

func merged(a, b map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

type mapCache struct {
	entries     map[string][]store.SpecRecord
	invalidated []string
}

func (c *mapCache) Get(_ context.Context, ownerID, rootID string) ([]store.SpecRecord, bool) {
	recs, ok := c.entries[rootID+"/"+ownerID]
	return recs, ok
}

func (c *mapCache) Set(_ context.Context, ownerID, rootID string, recs []store.SpecRecord) error {
	c.entries[rootID+"/"+ownerID] = recs
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, rootID string) error {
	c.invalidated = append(c.invalidated, rootID)
	for k := range c.entries {
		if len(k) > len(rootID) && k[:len(rootID)+1] == rootID+"/" {
			delete(c.entries, k)
		}
	}
	return nil
}

func docJSON(overview string, features ...string) json.RawMessage {
	type feature struct {
		Name string `json:"name"`
	}
	fs := []feature{}
	for _, f := range features {
		fs = append(fs, feature{Name: f})
	}
	raw, _ := json.Marshal(map[string]any{"overview": overview, "features": fs})
	return raw
}

func seed(t *testing.T, st *memStore, owner string, status store.SpecStatus) store.SpecRecord {
	t.Helper()
	rec, err := st.CreateSpecRecord(context.Background(), store.NewSpec{
		OwnerID:   owner,
		Status:    status,
		InputText: "A ledger for small teams",
		Document:  docJSON("Ledger", "Login"),
	})
	require.NoError(t, err)
	return rec
}

func TestNextVersion(t *testing.T) {
	st := newMemStore()
	m := New(st, nil, nil)
	root := seed(t, st, "alice", store.StatusCompleted)

	v, err := m.NextVersion(context.Background(), root.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = m.NextVersion(context.Background(), "unknown-root")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestEditForksCompletedRecord(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	m := New(st, nil, nil)
	root := seed(t, st, "alice", store.StatusCompleted)

	v2, err := m.Edit(ctx, EditRequest{ID: root.ID, OwnerID: "alice", Document: docJSON("Ledger", "Login", "Export")})
	require.NoError(t, err)
	assert.NotEqual(t, root.ID, v2.ID)
	assert.Equal(t, root.ID, v2.RootID)
	assert.Equal(t, root.ID, v2.ParentID)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, store.StatusCompleted, v2.Status)
	assert.Equal(t, root.ID, v2.Metadata["edited_from"])

	// the original is untouched
	orig, _, _ := st.GetSpecRecord(ctx, root.ID)
	assert.JSONEq(t, string(docJSON("Ledger", "Login")), string(orig.Document))

	v3, err := m.Edit(ctx, EditRequest{ID: v2.ID, OwnerID: "alice", Document: docJSON("Ledger v3", "Login")})
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)
	assert.Equal(t, v2.ID, v3.ParentID)
}

func TestEditInPlace(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	m := New(st, nil, nil)

	draft := seed(t, st, "alice", store.StatusDraft)
	out, err := m.Edit(ctx, EditRequest{ID: draft.ID, OwnerID: "alice", Document: docJSON("Draft two", "Login")})
	require.NoError(t, err)
	assert.Equal(t, draft.ID, out.ID)
	assert.Equal(t, 1, out.Version)
	assert.Contains(t, string(out.Document), "Draft two")

	done := seed(t, st, "alice", store.StatusCompleted)
	out, err = m.Edit(ctx, EditRequest{ID: done.ID, OwnerID: "alice", Document: docJSON("Rewritten", "Login"), InPlace: true})
	require.NoError(t, err)
	assert.Equal(t, done.ID, out.ID)
	assert.Contains(t, string(out.Document), "Rewritten")

	maxV, _ := st.MaxVersion(ctx, done.RootID)
	assert.Equal(t, 1, maxV, "in-place edits never fork")
}

func TestEditMetadataOnlyNeverForks(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	m := New(st, nil, nil)
	rec := seed(t, st, "alice", store.StatusCompleted)

	out, err := m.Edit(ctx, EditRequest{ID: rec.ID, OwnerID: "alice", Metadata: map[string]interface{}{"label": "reviewed"}})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, out.ID)
	assert.Equal(t, "reviewed", out.Metadata["label"])
	assert.Len(t, st.recs, 1)
}

func TestEditRejections(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	m := New(st, nil, nil)
	rec := seed(t, st, "alice", store.StatusCompleted)

	_, err := m.Edit(ctx, EditRequest{ID: rec.ID, OwnerID: "alice"})
	assert.ErrorIs(t, err, ErrInvalidEdit)

	_, err = m.Edit(ctx, EditRequest{ID: rec.ID, OwnerID: "alice", Document: json.RawMessage(`{"overview": 3}`)})
	assert.ErrorIs(t, err, ErrInvalidEdit)

	_, err = m.Edit(ctx, EditRequest{ID: rec.ID, OwnerID: "mallory", Metadata: map[string]interface{}{"x": 1}})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Edit(ctx, EditRequest{ID: "missing", OwnerID: "alice", Metadata: map[string]interface{}{"x": 1}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEditRefusesUnfinishedRecords(t *testing.T) {
	ctx := context.Background()
	for _, status := range []store.SpecStatus{store.StatusPending, store.StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			st := newMemStore()
			m := New(st, nil, nil)
			rec, err := st.CreateSpecRecord(ctx, store.NewSpec{OwnerID: "alice", Status: status, InputText: "A ledger"})
			require.NoError(t, err)

			_, err = m.Edit(ctx, EditRequest{ID: rec.ID, OwnerID: "alice", Document: docJSON("Ledger", "Login"), InPlace: true})
			assert.ErrorIs(t, err, ErrNotEditable)
			assert.ErrorIs(t, err, ErrInvalidEdit)

			_, err = m.Edit(ctx, EditRequest{ID: rec.ID, OwnerID: "alice", Document: docJSON("Ledger", "Login")})
			assert.ErrorIs(t, err, ErrNotEditable)

			after, _, _ := st.GetSpecRecord(ctx, rec.ID)
			assert.Empty(t, after.Document)
			assert.Len(t, st.recs, 1, "no version is forked")

			out, err := m.Edit(ctx, EditRequest{ID: rec.ID, OwnerID: "alice", Metadata: map[string]interface{}{"label": "triage"}})
			require.NoError(t, err)
			assert.Equal(t, "triage", out.Metadata["label"])
		})
	}
}

func TestEditRelintsDocument(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	m := New(st, nil, nil)
	root := seed(t, st, "alice", store.StatusCompleted)

	forked, err := m.Edit(ctx, EditRequest{ID: root.ID, OwnerID: "alice", Document: docJSON("Ledger", "Login", "Export")})
	require.NoError(t, err)
	require.Contains(t, forked.Metadata, "quality")
	q, ok := forked.Metadata["quality"].(lint.Result)
	require.True(t, ok)
	// no problem statement, goals or user roles
	assert.Equal(t, 45, q.Score)
	assert.Len(t, q.Issues, 3)

	draft := seed(t, st, "alice", store.StatusDraft)
	out, err := m.Edit(ctx, EditRequest{ID: draft.ID, OwnerID: "alice", Document: docJSON("Draft", "Login")})
	require.NoError(t, err)
	assert.Contains(t, out.Metadata, "quality")
}

func TestHistoryUsesCacheAndEditInvalidates(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	cache := &mapCache{entries: map[string][]store.SpecRecord{}}
	m := New(st, cache, nil)
	root := seed(t, st, "alice", store.StatusCompleted)

	recs, err := m.History(ctx, "alice", root.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	_, err = m.History(ctx, "alice", root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.lists, "second read is served from the cache")

	_, err = m.Edit(ctx, EditRequest{ID: root.ID, OwnerID: "alice", Document: docJSON("Ledger", "Login", "Export")})
	require.NoError(t, err)
	assert.Equal(t, []string{root.ID}, cache.invalidated)

	recs, err = m.History(ctx, "alice", root.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 2, recs[0].Version, "newest first")
	assert.Equal(t, 2, st.lists)

	other, err := m.History(ctx, "bob", root.ID)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestDiff(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	m := New(st, nil, nil)
	root := seed(t, st, "alice", store.StatusCompleted)
	v2, err := m.Edit(ctx, EditRequest{ID: root.ID, OwnerID: "alice", Document: docJSON("Ledger", "Login", "Export")})
	require.NoError(t, err)

	res, err := m.Diff(ctx, root.ID, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary()[diff.Added])

	other := seed(t, st, "alice", store.StatusCompleted)
	_, err = m.Diff(ctx, root.ID, other.ID)
	assert.ErrorIs(t, err, ErrDifferentLineage)

	pending, err := st.CreateSpecRecord(ctx, store.NewSpec{OwnerID: "alice", ParentID: v2.ID, Status: store.StatusPending, InputText: "x"})
	require.NoError(t, err)
	_, err = m.Diff(ctx, root.ID, pending.ID)
	assert.ErrorIs(t, err, ErrNoDocument)

	_, err = m.Diff(ctx, root.ID, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
