// Package lineage manages the version history of specification records: listing, diffing
// and editing, where an edit either rewrites a record in place or forks the next version.
package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/internal/diff"
	"github.com/mohammad-safakhou/specforge/internal/document"
	"github.com/mohammad-safakhou/specforge/internal/lint"
	"github.com/mohammad-safakhou/specforge/internal/logging"
	"github.com/mohammad-safakhou/specforge/internal/store"
)

var (
	// ErrDifferentLineage is returned when two diffed records do not share a root.
	ErrDifferentLineage = errors.New("records belong to different lineages")
	// ErrNoDocument is returned when a diffed record has no document yet.
	ErrNoDocument = errors.New("record has no document")
	// ErrInvalidEdit covers empty edits and documents that fail validation.
	ErrInvalidEdit = errors.New("invalid edit")
	// ErrNotEditable is returned for document edits on records that are neither COMPLETED nor
	// DRAFT. It also matches ErrInvalidEdit.
	ErrNotEditable = fmt.Errorf("%w: record is not editable", ErrInvalidEdit)
)

// Store is the subset of the record store the manager needs.
type Store interface {
	GetSpecRecord(ctx context.Context, id string) (store.SpecRecord, bool, error)
	CreateSpecRecord(ctx context.Context, in store.NewSpec) (store.SpecRecord, error)
	UpdateSpecDocument(ctx context.Context, id string, doc json.RawMessage, patch map[string]interface{}) error
	MergeSpecMetadata(ctx context.Context, id string, patch map[string]interface{}) error
	ListLineage(ctx context.Context, ownerID, rootID string) ([]store.SpecRecord, error)
	MaxVersion(ctx context.Context, rootID string) (int, error)
}

// HistoryCache is an optional read-through cache for History.
type HistoryCache interface {
	Get(ctx context.Context, ownerID, rootID string) ([]store.SpecRecord, bool)
	Set(ctx context.Context, ownerID, rootID string, recs []store.SpecRecord) error
	Invalidate(ctx context.Context, rootID string) error
}

// Manager implements lineage operations on top of Store.
type Manager struct {
	store  Store
	cache  HistoryCache
	logger *zap.Logger
}

// New builds a Manager. cache may be nil.
func New(st Store, cache HistoryCache, logger *zap.Logger) *Manager {
	return &Manager{store: st, cache: cache, logger: logging.OrNop(logger)}
}

// NextVersion reports the version the next record of the lineage would receive. The
// authoritative number is assigned inside the insert transaction.
func (m *Manager) NextVersion(ctx context.Context, rootID string) (int, error) {
	v, err := m.store.MaxVersion(ctx, rootID)
	if err != nil {
		return 0, fmt.Errorf("max version of %s: %w", rootID, err)
	}
	return v + 1, nil
}

// History lists the owner's versions of a lineage, newest first.
func (m *Manager) History(ctx context.Context, ownerID, rootID string) ([]store.SpecRecord, error) {
	if m.cache != nil {
		if recs, ok := m.cache.Get(ctx, ownerID, rootID); ok {
			return recs, nil
		}
	}
	recs, err := m.store.ListLineage(ctx, ownerID, rootID)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []store.SpecRecord{}
	}
	if m.cache != nil {
		if err := m.cache.Set(ctx, ownerID, rootID, recs); err != nil {
			m.logger.Warn("history cache write failed", zap.String("root_id", rootID), zap.Error(err))
		}
	}
	return recs, nil
}

// Get loads a record visible to ownerID. Records of other owners look missing.
func (m *Manager) Get(ctx context.Context, ownerID, id string) (store.SpecRecord, error) {
	rec, ok, err := m.store.GetSpecRecord(ctx, id)
	if err != nil {
		return store.SpecRecord{}, err
	}
	if !ok || (ownerID != "" && rec.OwnerID != ownerID) {
		return store.SpecRecord{}, fmt.Errorf("spec %s: %w", id, store.ErrNotFound)
	}
	return rec, nil
}

// Diff compares the documents of two versions of one lineage.
func (m *Manager) Diff(ctx context.Context, idA, idB string) (diff.Result, error) {
	a, err := m.Get(ctx, "", idA)
	if err != nil {
		return diff.Result{}, err
	}
	b, err := m.Get(ctx, "", idB)
	if err != nil {
		return diff.Result{}, err
	}
	if a.RootID != b.RootID {
		return diff.Result{}, fmt.Errorf("%s and %s: %w", idA, idB, ErrDifferentLineage)
	}
	docA, err := decode(a)
	if err != nil {
		return diff.Result{}, err
	}
	docB, err := decode(b)
	if err != nil {
		return diff.Result{}, err
	}
	return diff.Compare(docA, docB), nil
}

func decode(rec store.SpecRecord) (document.Document, error) {
	if len(rec.Document) == 0 {
		return document.Document{}, fmt.Errorf("spec %s: %w", rec.ID, ErrNoDocument)
	}
	var doc document.Document
	if err := json.Unmarshal(rec.Document, &doc); err != nil {
		return document.Document{}, fmt.Errorf("decode spec %s: %w", rec.ID, err)
	}
	return doc, nil
}

// EditRequest changes a record's document, its metadata, or both.
type EditRequest struct {
	ID       string
	OwnerID  string
	Document json.RawMessage
	Metadata map[string]interface{}
	InPlace  bool
}

// Edit applies req. Metadata-only edits, DRAFT records and InPlace requests are rewritten in
// place; any other document edit forks a new COMPLETED version whose parent is the edited
// record. Document edits are accepted only on COMPLETED and DRAFT records and are linted
// again. The returned record is the one that now holds the edit.
func (m *Manager) Edit(ctx context.Context, req EditRequest) (store.SpecRecord, error) {
	if len(req.Document) == 0 && len(req.Metadata) == 0 {
		return store.SpecRecord{}, fmt.Errorf("nothing to change: %w", ErrInvalidEdit)
	}
	var quality lint.Result
	if len(req.Document) > 0 {
		clean, err := document.Sanitize(req.Document)
		if err != nil {
			return store.SpecRecord{}, fmt.Errorf("%v: %w", err, ErrInvalidEdit)
		}
		doc, err := document.Parse(clean)
		if err != nil {
			return store.SpecRecord{}, fmt.Errorf("%v: %w", err, ErrInvalidEdit)
		}
		req.Document = clean
		quality = lint.Lint(doc)
	}
	rec, err := m.Get(ctx, req.OwnerID, req.ID)
	if err != nil {
		return store.SpecRecord{}, err
	}
	if len(req.Document) > 0 && rec.Status != store.StatusCompleted && rec.Status != store.StatusDraft {
		return store.SpecRecord{}, fmt.Errorf("spec %s is %s: %w", rec.ID, rec.Status, ErrNotEditable)
	}

	var out store.SpecRecord
	switch {
	case len(req.Document) == 0:
		if err := m.store.MergeSpecMetadata(ctx, rec.ID, req.Metadata); err != nil {
			return store.SpecRecord{}, err
		}
		out, err = m.Get(ctx, req.OwnerID, rec.ID)
	case req.InPlace || rec.Status == store.StatusDraft:
		patch := copyMap(req.Metadata)
		patch["quality"] = quality
		patch["edited_at"] = time.Now().UTC().Format(time.RFC3339)
		if err := m.store.UpdateSpecDocument(ctx, rec.ID, req.Document, patch); err != nil {
			return store.SpecRecord{}, err
		}
		out, err = m.Get(ctx, req.OwnerID, rec.ID)
	default:
		meta := copyMap(req.Metadata)
		meta["edited_from"] = rec.ID
		meta["quality"] = quality
		meta["edited_at"] = time.Now().UTC().Format(time.RFC3339)
		out, err = m.store.CreateSpecRecord(ctx, store.NewSpec{
			OwnerID:   rec.OwnerID,
			ParentID:  rec.ID,
			Status:    store.StatusCompleted,
			InputText: rec.InputText,
			Document:  req.Document,
			Metadata:  meta,
		})
		if err == nil {
			m.logger.Info("lineage forked",
				zap.String("root_id", out.RootID),
				zap.String("parent_id", rec.ID),
				zap.Int("version", out.Version))
		}
	}
	if err != nil {
		return store.SpecRecord{}, err
	}
	m.invalidate(ctx, rec.RootID)
	return out, nil
}

// Invalidate drops cached listings of a lineage after a write elsewhere.
func (m *Manager) Invalidate(ctx context.Context, rootID string) {
	m.invalidate(ctx, rootID)
}

func (m *Manager) invalidate(ctx context.Context, rootID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Invalidate(ctx, rootID); err != nil {
		m.logger.Warn("history cache invalidation failed", zap.String("root_id", rootID), zap.Error(err))
	}
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
