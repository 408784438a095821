package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ValidationMemory is the persisted gatekeeper snapshot for a project/intent pair.
type ValidationMemory struct {
	ProjectID   string          `json:"project_id"`
	IntentHash  string          `json:"intent_hash"`
	AnswersHash string          `json:"answers_hash"`
	Snapshot    json.RawMessage `json:"snapshot"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

const validationColumns = `project_id, intent_hash, answers_hash, snapshot, updated_at`

func scanValidation(row rowScanner) (ValidationMemory, bool, error) {
	var vm ValidationMemory
	var snap []byte
	if err := row.Scan(&vm.ProjectID, &vm.IntentHash, &vm.AnswersHash, &snap, &vm.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ValidationMemory{}, false, nil
		}
		return ValidationMemory{}, false, err
	}
	vm.Snapshot = json.RawMessage(snap)
	return vm, true, nil
}

// GetValidationMemory loads the snapshot for an exact intent.
func (s *Store) GetValidationMemory(ctx context.Context, projectID, intentHash string) (ValidationMemory, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validation_memory WHERE project_id=$1 AND intent_hash=$2`, projectID, intentHash)
	return scanValidation(row)
}

// LatestValidationMemory loads the most recent snapshot of a project, whatever its intent.
func (s *Store) LatestValidationMemory(ctx context.Context, projectID string) (ValidationMemory, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validation_memory WHERE project_id=$1 ORDER BY updated_at DESC LIMIT 1`, projectID)
	return scanValidation(row)
}

// SaveValidationMemory upserts the snapshot for (project, intent).
func (s *Store) SaveValidationMemory(ctx context.Context, vm ValidationMemory) error {
	if vm.ProjectID == "" || vm.IntentHash == "" {
		return fmt.Errorf("project_id and intent_hash required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO validation_memory (project_id, intent_hash, answers_hash, snapshot, updated_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (project_id, intent_hash) DO UPDATE SET
  answers_hash = EXCLUDED.answers_hash,
  snapshot = EXCLUDED.snapshot,
  updated_at = NOW()`, vm.ProjectID, vm.IntentHash, vm.AnswersHash, defaultJSON(vm.Snapshot))
	if err != nil {
		return fmt.Errorf("save validation memory: %w", err)
	}
	return nil
}
