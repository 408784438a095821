package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// Fragment is a reusable excerpt of a finalized specification. Fragments are append-only.
type Fragment struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	SourceSpecID string          `json:"source_spec_id"`
	Category     string          `json:"category"`
	Content      json.RawMessage `json:"content"`
	ContentHash  string          `json:"content_hash"`
	Tags         []string        `json:"tags"`
	QualityScore *float64        `json:"quality_score,omitempty"`
	Embedding    []float32       `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
}

// FragmentMatch is a nearest-neighbour search hit.
type FragmentMatch struct {
	Fragment
	Distance float64 `json:"distance"`
	Gold     bool    `json:"gold"`
}

const (
	qFragmentInsert = `
INSERT INTO knowledge_fragments (id, project_id, source_spec_id, category, content, content_hash, tags, quality_score, embedding)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (content_hash) DO NOTHING`
	qFragmentSearch = `
SELECT id, project_id, source_spec_id, category, content, content_hash, tags, quality_score, created_at,
       embedding <=> $1 AS distance,
       COALESCE(quality_score, 0) >= $2 AS gold
FROM knowledge_fragments
WHERE embedding IS NOT NULL
ORDER BY gold DESC, distance ASC
LIMIT $3`
)

// InsertFragments stores fragments in one transaction and returns how many were new.
// Exact duplicates by content hash are skipped.
func (s *Store) InsertFragments(ctx context.Context, fragments []Fragment) (int, error) {
	if len(fragments) == 0 {
		return 0, nil
	}
	stored := 0
	err := s.withTx(ctx, nil, func(tx *sql.Tx) error {
		for _, f := range fragments {
			if strings.TrimSpace(f.SourceSpecID) == "" || strings.TrimSpace(f.ContentHash) == "" {
				return fmt.Errorf("fragment requires source_spec_id and content_hash")
			}
			var embedding interface{}
			if len(f.Embedding) > 0 {
				embedding = pgvector.NewVector(f.Embedding)
			}
			var quality interface{}
			if f.QualityScore != nil {
				quality = *f.QualityScore
			}
			tags := f.Tags
			if tags == nil {
				tags = []string{}
			}
			res, err := tx.ExecContext(ctx, qFragmentInsert,
				firstNonEmpty(f.ID, uuid.NewString()), f.ProjectID, f.SourceSpecID, f.Category,
				defaultJSON(f.Content), f.ContentHash, pq.Array(tags), quality, embedding)
			if err != nil {
				return fmt.Errorf("insert fragment %s: %w", f.Category, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			stored += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// SearchFragments returns up to limit embedded fragments, gold-standard first and then by
// cosine distance to vector.
func (s *Store) SearchFragments(ctx context.Context, vector []float32, limit int, goldThreshold float64) ([]FragmentMatch, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.DB.QueryContext(ctx, qFragmentSearch, pgvector.NewVector(vector), goldThreshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search fragments: %w", err)
	}
	defer rows.Close()

	var out []FragmentMatch
	for rows.Next() {
		var (
			m       FragmentMatch
			content []byte
			quality sql.NullFloat64
		)
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SourceSpecID, &m.Category, &content, &m.ContentHash,
			pq.Array(&m.Tags), &quality, &m.CreatedAt, &m.Distance, &m.Gold); err != nil {
			return nil, err
		}
		m.Content = json.RawMessage(content)
		if quality.Valid {
			q := quality.Float64
			m.QualityScore = &q
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
