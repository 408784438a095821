package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/internal/logging"
	"github.com/mohammad-safakhou/specforge/internal/store"
)

// ErrProjectRequired is returned when an intent carries no project id.
var ErrProjectRequired = errors.New("project_id required")

// MemoryStore persists validation memory.
type MemoryStore interface {
	GetValidationMemory(ctx context.Context, projectID, intentHash string) (store.ValidationMemory, bool, error)
	LatestValidationMemory(ctx context.Context, projectID string) (store.ValidationMemory, bool, error)
	SaveValidationMemory(ctx context.Context, vm store.ValidationMemory) error
}

// Service wraps a Gatekeeper with persisted validation memory.
type Service struct {
	gk     *Gatekeeper
	store  MemoryStore
	logger *zap.Logger
}

func NewService(gk *Gatekeeper, st MemoryStore, logger *zap.Logger) *Service {
	return &Service{gk: gk, store: st, logger: logging.OrNop(logger)}
}

// Evaluate loads memory for the intent, evaluates, and saves the new memory when it changed.
func (s *Service) Evaluate(ctx context.Context, in Intent) (Result, error) {
	if strings.TrimSpace(in.ProjectID) == "" {
		return Result{}, ErrProjectRequired
	}
	mem, err := s.load(ctx, in.ProjectID, IntentHash(in.Text))
	if err != nil {
		return Result{}, err
	}
	res, next, err := s.gk.Evaluate(ctx, in, mem)
	if err != nil {
		return Result{}, err
	}
	if mem != nil && mem.IntentHash == next.IntentHash && mem.AnswersHash == next.AnswersHash {
		return res, nil
	}

	snap, err := json.Marshal(next)
	if err != nil {
		return Result{}, err
	}
	if err := s.store.SaveValidationMemory(ctx, store.ValidationMemory{
		ProjectID:   in.ProjectID,
		IntentHash:  next.IntentHash,
		AnswersHash: next.AnswersHash,
		Snapshot:    snap,
	}); err != nil {
		s.logger.Warn("save validation memory", zap.String("project_id", in.ProjectID), zap.Error(err))
	}
	s.logger.Info("intent evaluated",
		zap.String("project_id", in.ProjectID),
		zap.String("status", string(res.Status)),
		zap.Int("issues", len(res.Issues)),
		zap.Int("questions", len(res.Questions)))
	return res, nil
}

// Admit evaluates an intent on the submission path. Intents without a project are evaluated
// without memory, since memory is kept per project.
func (s *Service) Admit(ctx context.Context, in Intent) (Result, error) {
	if strings.TrimSpace(in.ProjectID) != "" {
		return s.Evaluate(ctx, in)
	}
	res, _, err := s.gk.Evaluate(ctx, in, nil)
	return res, err
}

// load returns the memory for the exact intent, else the project's latest memory so question
// wording can carry over.
func (s *Service) load(ctx context.Context, projectID, intentHash string) (*Memory, error) {
	vm, ok, err := s.store.GetValidationMemory(ctx, projectID, intentHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		vm, ok, err = s.store.LatestValidationMemory(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
	}
	var mem Memory
	if err := json.Unmarshal(vm.Snapshot, &mem); err != nil {
		s.logger.Warn("discarding unreadable validation memory", zap.String("project_id", projectID), zap.Error(err))
		return nil, nil
	}
	return &mem, nil
}
