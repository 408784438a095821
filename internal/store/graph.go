package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// GraphNode is an entity scoped to a project.
type GraphNode struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
}

// GraphRelation is a rendered one-hop edge.
type GraphRelation struct {
	Source   string `json:"source"`
	Relation string `json:"relation"`
	Target   string `json:"target"`
}

// UpsertGraphNode returns the id of the node identified by (project, name, type), creating it
// when absent.
func (s *Store) UpsertGraphNode(ctx context.Context, projectID, name, nodeType string) (string, error) {
	name = strings.TrimSpace(name)
	if projectID == "" || name == "" || nodeType == "" {
		return "", fmt.Errorf("project_id, name and type required")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO graph_nodes (id, project_id, name, type)
VALUES ($1,$2,$3,$4)
ON CONFLICT (project_id, name, type) DO UPDATE SET name = EXCLUDED.name
RETURNING id`, uuid.NewString(), projectID, name, nodeType).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert graph node: %w", err)
	}
	return id, nil
}

// UpsertGraphEdge records source -[relation]-> target once per project.
func (s *Store) UpsertGraphEdge(ctx context.Context, projectID, sourceID, targetID, relation string) error {
	if sourceID == "" || targetID == "" || strings.TrimSpace(relation) == "" {
		return fmt.Errorf("source, target and relation required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO graph_edges (id, project_id, source_id, target_id, relation)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (project_id, source_id, target_id, relation) DO NOTHING`,
		uuid.NewString(), projectID, sourceID, targetID, strings.TrimSpace(relation))
	if err != nil {
		return fmt.Errorf("upsert graph edge: %w", err)
	}
	return nil
}

// FindGraphNodes looks up nodes by case-insensitive name within a project.
func (s *Store) FindGraphNodes(ctx context.Context, projectID string, names []string) ([]GraphNode, error) {
	if projectID == "" || len(names) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(strings.TrimSpace(n))
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, project_id, name, type FROM graph_nodes WHERE project_id=$1 AND lower(name) = ANY($2) ORDER BY name, type`,
		projectID, pq.Array(lowered))
	if err != nil {
		return nil, fmt.Errorf("find graph nodes: %w", err)
	}
	defer rows.Close()
	var out []GraphNode
	for rows.Next() {
		var n GraphNode
		if err := rows.Scan(&n.ID, &n.ProjectID, &n.Name, &n.Type); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// OutgoingRelations returns the one-hop outgoing edges of the given nodes.
func (s *Store) OutgoingRelations(ctx context.Context, projectID string, nodeIDs []string) ([]GraphRelation, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT src.name, e.relation, dst.name
FROM graph_edges e
JOIN graph_nodes src ON src.id = e.source_id
JOIN graph_nodes dst ON dst.id = e.target_id
WHERE e.project_id=$1 AND e.source_id = ANY($2::uuid[])
ORDER BY src.name, e.relation, dst.name`, projectID, pq.Array(nodeIDs))
	if err != nil {
		return nil, fmt.Errorf("outgoing relations: %w", err)
	}
	defer rows.Close()
	var out []GraphRelation
	for rows.Next() {
		var r GraphRelation
		if err := rows.Scan(&r.Source, &r.Relation, &r.Target); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
