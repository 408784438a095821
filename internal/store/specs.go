package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// SpecStatus is the lifecycle state of a specification record.
type SpecStatus string

const (
	StatusPending   SpecStatus = "PENDING"
	StatusCompleted SpecStatus = "COMPLETED"
	StatusFailed    SpecStatus = "FAILED"
	StatusDraft     SpecStatus = "DRAFT"
)

// Terminal reports whether the worker may no longer touch a record in this state.
func (s SpecStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SpecRecord is one version of a generated specification.
type SpecRecord struct {
	ID        string                 `json:"id"`
	OwnerID   string                 `json:"owner_id"`
	ProjectID string                 `json:"project_id"`
	RootID    string                 `json:"root_id"`
	ParentID  string                 `json:"parent_id,omitempty"`
	Version   int                    `json:"version"`
	Status    SpecStatus             `json:"status"`
	InputText string                 `json:"input_text"`
	Document  json.RawMessage        `json:"document,omitempty"`
	Metadata  map[string]interface{} `json:"metadata"`
	Finalized bool                   `json:"finalized"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// NewSpec describes a record to insert. An empty RootID and ParentID starts a new lineage.
// With a ParentID the root is taken from the parent; with only a RootID the new record
// descends from the lineage's latest version.
type NewSpec struct {
	ID        string
	OwnerID   string
	ProjectID string
	RootID    string
	ParentID  string
	Status    SpecStatus
	InputText string
	Document  json.RawMessage
	Metadata  map[string]interface{}
}

const specColumns = `id, owner_id, project_id, root_id, parent_id, version, status, input_text, document, metadata, finalized, created_at, updated_at`

const (
	qSpecParentRoot = `SELECT root_id FROM spec_records WHERE id=$1`
	qSpecLockRoot   = `SELECT project_id FROM spec_records WHERE id=$1 AND root_id=$1 FOR UPDATE`
	qSpecLatest     = `SELECT id FROM spec_records WHERE root_id=$1 ORDER BY version DESC LIMIT 1`
	qSpecNextVer    = `SELECT COALESCE(MAX(version), 0) + 1 FROM spec_records WHERE root_id=$1`
	qSpecInsert     = `
INSERT INTO spec_records (id, owner_id, project_id, root_id, parent_id, version, status, input_text, document, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING created_at, updated_at`
	qSpecComplete = `
UPDATE spec_records
SET status='COMPLETED', document=$2, metadata = metadata || $3::jsonb, updated_at=NOW()
WHERE id=$1 AND status='PENDING'`
	qSpecFail = `
UPDATE spec_records
SET status='FAILED', document=NULL, metadata = metadata || $2::jsonb, updated_at=NOW()
WHERE id=$1 AND status='PENDING'`
)

// CreateSpecRecord inserts a record and assigns its lineage version. The lineage root row is
// locked for the duration of the transaction so the max-version read and the insert are
// serialized per lineage; different lineages do not contend.
func (s *Store) CreateSpecRecord(ctx context.Context, in NewSpec) (SpecRecord, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return SpecRecord{}, fmt.Errorf("owner_id required")
	}
	if strings.TrimSpace(in.InputText) == "" {
		return SpecRecord{}, fmt.Errorf("input_text required")
	}
	rec := SpecRecord{
		ID:        firstNonEmpty(in.ID, uuid.NewString()),
		OwnerID:   in.OwnerID,
		Status:    in.Status,
		InputText: in.InputText,
		Document:  in.Document,
		Metadata:  in.Metadata,
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]interface{}{}
	}
	meta, err := encodeMap(rec.Metadata)
	if err != nil {
		return SpecRecord{}, err
	}

	err = s.withTx(ctx, nil, func(tx *sql.Tx) error {
		if in.RootID == "" && in.ParentID == "" {
			rec.RootID = rec.ID
			rec.Version = 1
			rec.ProjectID = firstNonEmpty(in.ProjectID, rec.ID)
		} else {
			rootID := in.RootID
			if in.ParentID != "" {
				var parentRoot string
				if err := tx.QueryRowContext(ctx, qSpecParentRoot, in.ParentID).Scan(&parentRoot); err != nil {
					if errors.Is(err, sql.ErrNoRows) {
						return fmt.Errorf("parent %s: %w", in.ParentID, ErrNotFound)
					}
					return fmt.Errorf("load parent: %w", err)
				}
				if rootID != "" && rootID != parentRoot {
					return fmt.Errorf("parent %s has root %s, not %s: %w", in.ParentID, parentRoot, rootID, ErrParentMismatch)
				}
				rootID = parentRoot
				rec.ParentID = in.ParentID
			}
			if err := tx.QueryRowContext(ctx, qSpecLockRoot, rootID).Scan(&rec.ProjectID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("lineage root %s: %w", rootID, ErrNotFound)
				}
				return fmt.Errorf("lock lineage root: %w", err)
			}
			rec.RootID = rootID
			if rec.ParentID == "" {
				if err := tx.QueryRowContext(ctx, qSpecLatest, rootID).Scan(&rec.ParentID); err != nil {
					return fmt.Errorf("load latest version: %w", err)
				}
			}
			if err := tx.QueryRowContext(ctx, qSpecNextVer, rootID).Scan(&rec.Version); err != nil {
				return fmt.Errorf("next version: %w", err)
			}
		}

		err := tx.QueryRowContext(ctx, qSpecInsert,
			rec.ID, rec.OwnerID, rec.ProjectID, rec.RootID, nullableString(rec.ParentID),
			rec.Version, string(rec.Status), rec.InputText, nullableJSON(rec.Document), meta,
		).Scan(&rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err, "spec_records_root_version_key") {
				return fmt.Errorf("root %s version %d: %w", rec.RootID, rec.Version, ErrVersionConflict)
			}
			return fmt.Errorf("insert spec record: %w", err)
		}
		return nil
	})
	if err != nil {
		return SpecRecord{}, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSpec(row rowScanner) (SpecRecord, error) {
	var (
		rec      SpecRecord
		parentID sql.NullString
		status   string
		doc      []byte
		meta     []byte
	)
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.ProjectID, &rec.RootID, &parentID, &rec.Version,
		&status, &rec.InputText, &doc, &meta, &rec.Finalized, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return SpecRecord{}, err
	}
	if parentID.Valid {
		rec.ParentID = parentID.String
	}
	rec.Status = SpecStatus(status)
	if len(doc) > 0 {
		rec.Document = json.RawMessage(doc)
	}
	rec.Metadata = decodeMap(meta)
	return rec, nil
}

// GetSpecRecord loads a record by id.
func (s *Store) GetSpecRecord(ctx context.Context, id string) (SpecRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+specColumns+` FROM spec_records WHERE id=$1`, id)
	rec, err := scanSpec(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SpecRecord{}, false, nil
		}
		return SpecRecord{}, false, err
	}
	return rec, true, nil
}

// GetSpecStatus returns only the status column.
func (s *Store) GetSpecStatus(ctx context.Context, id string) (SpecStatus, bool, error) {
	var status string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM spec_records WHERE id=$1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return SpecStatus(status), true, nil
}

// CompleteSpecRecord moves a PENDING record to COMPLETED. It returns false when the record
// was not PENDING, which makes redelivered work a no-op.
func (s *Store) CompleteSpecRecord(ctx context.Context, id string, doc json.RawMessage, metadata map[string]interface{}) (bool, error) {
	if len(doc) == 0 {
		return false, fmt.Errorf("document required")
	}
	meta, err := encodeMap(metadata)
	if err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, qSpecComplete, id, []byte(doc), meta)
	if err != nil {
		return false, fmt.Errorf("complete spec record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FailSpecRecord moves a PENDING record to FAILED without a document.
func (s *Store) FailSpecRecord(ctx context.Context, id string, metadata map[string]interface{}) (bool, error) {
	meta, err := encodeMap(metadata)
	if err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, qSpecFail, id, meta)
	if err != nil {
		return false, fmt.Errorf("fail spec record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MergeSpecMetadata shallow-merges patch into the record's metadata.
func (s *Store) MergeSpecMetadata(ctx context.Context, id string, patch map[string]interface{}) error {
	meta, err := encodeMap(patch)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE spec_records SET metadata = metadata || $2::jsonb, updated_at=NOW() WHERE id=$1`, id, meta)
	if err != nil {
		return fmt.Errorf("merge metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSpecDocument replaces the document of a record in place.
func (s *Store) UpdateSpecDocument(ctx context.Context, id string, doc json.RawMessage, patch map[string]interface{}) error {
	meta, err := encodeMap(patch)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE spec_records SET document=$2, metadata = metadata || $3::jsonb, updated_at=NOW() WHERE id=$1`, id, nullableJSON(doc), meta)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLineage returns the owner's versions of a lineage, newest first.
func (s *Store) ListLineage(ctx context.Context, ownerID, rootID string) ([]SpecRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+specColumns+` FROM spec_records WHERE root_id=$1 AND owner_id=$2 ORDER BY version DESC`, rootID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list lineage: %w", err)
	}
	defer rows.Close()
	var out []SpecRecord
	for rows.Next() {
		rec, err := scanSpec(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MaxVersion returns the highest version in a lineage, or 0 when the lineage is empty.
func (s *Store) MaxVersion(ctx context.Context, rootID string) (int, error) {
	var v int
	if err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM spec_records WHERE root_id=$1`, rootID).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// MarkSpecFinalized flips the finalized flag. It returns false when it was already set.
func (s *Store) MarkSpecFinalized(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE spec_records SET finalized=TRUE, updated_at=NOW() WHERE id=$1 AND finalized=FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("mark finalized: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetSpecEmbedding stores the record's similarity signature.
func (s *Store) SetSpecEmbedding(ctx context.Context, id string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("vector must not be empty")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE spec_records SET embedding=$2 WHERE id=$1`, id, pgvector.NewVector(vector))
	if err != nil {
		return fmt.Errorf("set spec embedding: %w", err)
	}
	return nil
}

// ListStalePending returns ids of PENDING records older than age, oldest first.
func (s *Store) ListStalePending(ctx context.Context, age time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM spec_records WHERE status='PENDING' AND updated_at < $1 ORDER BY updated_at ASC LIMIT $2`,
		time.Now().UTC().Add(-age), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
