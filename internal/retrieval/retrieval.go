package retrieval

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/config"
	"github.com/mohammad-safakhou/specforge/internal/llm"
	"github.com/mohammad-safakhou/specforge/internal/logging"
	"github.com/mohammad-safakhou/specforge/internal/store"
)

// Tier says how closely a retrieved fragment may be reused.
type Tier string

const (
	TierVerbatim    Tier = "verbatim"
	TierAdapt       Tier = "adapt"
	TierReference   Tier = "reference"
	TierInspiration Tier = "inspiration"
	TierGraph       Tier = "graph"
)

// CategoryGraph marks the synthetic relationship fragment.
const CategoryGraph = "graph"

// Fragment is one ranked piece of grounding context.
type Fragment struct {
	ID           string  `json:"id,omitempty"`
	SourceSpecID string  `json:"source_spec_id,omitempty"`
	Category     string  `json:"category"`
	Content      string  `json:"content"`
	Similarity   float64 `json:"similarity"`
	Tier         Tier    `json:"tier"`
	Gold         bool    `json:"gold,omitempty"`
}

// Store is the read side the assembler needs.
type Store interface {
	SearchFragments(ctx context.Context, vector []float32, limit int, goldThreshold float64) ([]store.FragmentMatch, error)
	FindGraphNodes(ctx context.Context, projectID string, names []string) ([]store.GraphNode, error)
	OutgoingRelations(ctx context.Context, projectID string, nodeIDs []string) ([]store.GraphRelation, error)
}

// Assembler blends vector search over fragments with a one-hop graph lookup.
type Assembler struct {
	store      Store
	embedder   llm.Embedder
	cfg        config.RetrievalConfig
	thresholds config.ThresholdsConfig
	logger     *zap.Logger
}

func New(st Store, embedder llm.Embedder, cfg config.RetrievalConfig, thresholds config.ThresholdsConfig, logger *zap.Logger) *Assembler {
	return &Assembler{
		store:      st,
		embedder:   embedder,
		cfg:        cfg.Normalize(),
		thresholds: thresholds.Normalize(),
		logger:     logging.OrNop(logger),
	}
}

// Retrieve returns the graph fragment, if any, followed by vector matches in rank order.
// Retrieval is best-effort: on any failure it logs and returns an empty result.
func (a *Assembler) Retrieve(ctx context.Context, query, projectID string, limit int) []Fragment {
	out, err := a.retrieve(ctx, query, projectID, limit)
	if err != nil {
		a.logger.Warn("retrieval failed", zap.String("project_id", projectID), zap.Error(err))
		return []Fragment{}
	}
	return out
}

func (a *Assembler) retrieve(ctx context.Context, query, projectID string, limit int) ([]Fragment, error) {
	if strings.TrimSpace(query) == "" {
		return []Fragment{}, nil
	}
	if limit <= 0 {
		limit = a.cfg.Limit
	}
	out := []Fragment{}

	graph, err := a.graphFragment(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	if graph != nil {
		out = append(out, *graph)
	}

	if a.embedder == nil {
		return out, nil
	}
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := a.store.SearchFragments(ctx, vec, limit, a.thresholds.GoldStandard)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		sim := 1 - m.Distance
		tier, ok := a.tier(sim)
		if !ok {
			continue
		}
		out = append(out, Fragment{
			ID:           m.ID,
			SourceSpecID: m.SourceSpecID,
			Category:     m.Category,
			Content:      string(m.Content),
			Similarity:   sim,
			Tier:         tier,
			Gold:         m.Gold,
		})
	}
	return out, nil
}

func (a *Assembler) tier(sim float64) (Tier, bool) {
	t := a.thresholds
	switch {
	case sim >= t.ReuseVerbatim:
		return TierVerbatim, true
	case sim >= t.ReuseAdapt:
		return TierAdapt, true
	case sim >= t.ReuseReference:
		return TierReference, true
	case sim >= t.ReuseInspiration:
		return TierInspiration, true
	}
	return "", false
}

func (a *Assembler) graphFragment(ctx context.Context, query, projectID string) (*Fragment, error) {
	if projectID == "" {
		return nil, nil
	}
	entities := ExtractEntities(query)
	if len(entities) == 0 {
		return nil, nil
	}
	nodes, err := a.store.FindGraphNodes(ctx, projectID, entities)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	rels, err := a.store.OutgoingRelations(ctx, projectID, ids)
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 {
		return nil, nil
	}
	lines := make([]string, len(rels))
	for i, r := range rels {
		lines[i] = fmt.Sprintf("%s -[%s]-> %s", r.Source, r.Relation, r.Target)
	}
	return &Fragment{
		Category:   CategoryGraph,
		Content:    strings.Join(lines, "\n"),
		Similarity: 1,
		Tier:       TierGraph,
	}, nil
}
