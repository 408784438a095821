package shredder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/specforge/internal/document"
	"github.com/mohammad-safakhou/specforge/internal/helpers"
	"github.com/mohammad-safakhou/specforge/internal/llm"
	"github.com/mohammad-safakhou/specforge/internal/logging"
	"github.com/mohammad-safakhou/specforge/internal/store"
)

const (
	CategoryFeature = "feature"
	nfrPrefix       = "nfr:"

	defaultEmbedConcurrency = 4
)

var (
	// ErrNotReady is returned for records that are not COMPLETED with a document.
	ErrNotReady = errors.New("record has no completed document")
)

// Status of a finalize call.
type Status string

const (
	StatusFinalized        Status = "finalized"
	StatusAlreadyFinalized Status = "already_finalized"
)

// Result reports what one finalize call stored.
type Result struct {
	Status          Status `json:"status"`
	FragmentsStored int    `json:"fragments_stored"`
	Skipped         int    `json:"skipped"`
	Unembedded      int    `json:"unembedded"`
}

// Store is the persistence the shredder needs.
type Store interface {
	GetSpecRecord(ctx context.Context, id string) (store.SpecRecord, bool, error)
	InsertFragments(ctx context.Context, fragments []store.Fragment) (int, error)
	MarkSpecFinalized(ctx context.Context, id string) (bool, error)
	SetSpecEmbedding(ctx context.Context, id string, vector []float32) error
}

// Shredder turns an accepted document into reusable knowledge fragments.
type Shredder struct {
	store       Store
	embedder    llm.Embedder
	concurrency int
	logger      *zap.Logger
}

func New(st Store, embedder llm.Embedder, logger *zap.Logger) *Shredder {
	return &Shredder{store: st, embedder: embedder, concurrency: defaultEmbedConcurrency, logger: logging.OrNop(logger)}
}

// Finalize shreds the record's document once. A record that is already finalized is left alone.
func (s *Shredder) Finalize(ctx context.Context, specID string) (Result, error) {
	rec, ok, err := s.store.GetSpecRecord(ctx, specID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("spec %s: %w", specID, store.ErrNotFound)
	}
	if rec.Finalized {
		return Result{Status: StatusAlreadyFinalized}, nil
	}
	if rec.Status != store.StatusCompleted || len(rec.Document) == 0 {
		return Result{}, fmt.Errorf("spec %s is %s: %w", specID, rec.Status, ErrNotReady)
	}
	doc, err := document.Parse(rec.Document)
	if err != nil {
		return Result{}, fmt.Errorf("spec %s: %w", specID, err)
	}

	fragments, texts, err := Shred(rec, doc)
	if err != nil {
		return Result{}, err
	}
	unembedded := s.embedAll(ctx, fragments, texts)
	s.embedRecord(ctx, rec.ID, doc)

	stored, err := s.store.InsertFragments(ctx, fragments)
	if err != nil {
		return Result{}, err
	}
	if _, err := s.store.MarkSpecFinalized(ctx, rec.ID); err != nil {
		return Result{}, err
	}
	res := Result{
		Status:          StatusFinalized,
		FragmentsStored: stored,
		Skipped:         len(fragments) - stored,
		Unembedded:      unembedded,
	}
	s.logger.Info("spec finalized",
		zap.String("spec_id", rec.ID),
		zap.Int("fragments_stored", res.FragmentsStored),
		zap.Int("skipped", res.Skipped),
		zap.Int("unembedded", res.Unembedded))
	return res, nil
}

// Shred builds one fragment per feature and one per non-empty NFR category, along with the
// text each fragment is embedded from.
func Shred(rec store.SpecRecord, doc document.Document) ([]store.Fragment, []string, error) {
	quality := qualityScore(rec.Metadata)
	var (
		fragments []store.Fragment
		texts     []string
	)
	add := func(category string, content any, tags []string, text string) error {
		raw, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("encode %s fragment: %w", category, err)
		}
		hash, err := helpers.ValueHash(content)
		if err != nil {
			return fmt.Errorf("hash %s fragment: %w", category, err)
		}
		fragments = append(fragments, store.Fragment{
			ProjectID:    rec.ProjectID,
			SourceSpecID: rec.ID,
			Category:     category,
			Content:      raw,
			ContentHash:  hash,
			Tags:         tags,
			QualityScore: quality,
		})
		texts = append(texts, text)
		return nil
	}

	for _, f := range doc.Features {
		tags := []string{CategoryFeature}
		if p := strings.ToLower(strings.TrimSpace(f.Priority)); p != "" {
			tags = append(tags, "priority:"+p)
		}
		text := strings.TrimSpace(f.Name + ": " + f.Description + " " + strings.Join(f.AcceptanceCriteria, " "))
		if err := add(CategoryFeature, f, tags, text); err != nil {
			return nil, nil, err
		}
	}
	for _, c := range doc.NonFunctional.Categories() {
		if len(c.Items) == 0 {
			continue
		}
		content := map[string]any{"category": c.Name, "items": c.Items}
		text := c.Name + ": " + strings.Join(c.Items, "; ")
		if err := add(nfrPrefix+c.Name, content, []string{"nfr", c.Name}, text); err != nil {
			return nil, nil, err
		}
	}
	return fragments, texts, nil
}

// embedAll embeds fragments concurrently. A failed embedding leaves that fragment without a
// vector; it returns how many failed.
func (s *Shredder) embedAll(ctx context.Context, fragments []store.Fragment, texts []string) int {
	if s.embedder == nil {
		return len(fragments)
	}
	failed := make([]bool, len(fragments))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range fragments {
		g.Go(func() error {
			vec, err := s.embedder.Embed(ctx, texts[i])
			if err != nil {
				s.logger.Warn("fragment embedding failed",
					zap.String("spec_id", fragments[i].SourceSpecID),
					zap.String("category", fragments[i].Category),
					zap.Error(err))
				failed[i] = true
				return nil
			}
			fragments[i].Embedding = vec
			return nil
		})
	}
	_ = g.Wait()
	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return n
}

// embedRecord stores the record's own similarity signature. Best effort.
func (s *Shredder) embedRecord(ctx context.Context, specID string, doc document.Document) {
	if s.embedder == nil {
		return
	}
	vec, err := s.embedder.Embed(ctx, doc.Text())
	if err == nil {
		err = s.store.SetSpecEmbedding(ctx, specID, vec)
	}
	if err != nil {
		s.logger.Warn("spec embedding failed", zap.String("spec_id", specID), zap.Error(err))
	}
}

// qualityScore reads metadata.quality.score (0-100) as a 0-1 score.
func qualityScore(meta map[string]interface{}) *float64 {
	q, ok := meta["quality"].(map[string]interface{})
	if !ok {
		return nil
	}
	var score float64
	switch v := q["score"].(type) {
	case float64:
		score = v
	case int:
		score = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil
		}
		score = f
	default:
		return nil
	}
	score /= 100
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return &score
}
