// Package graph implements the typed-edge knowledge graph: creation,
// soft-delete invalidate/restore, and BFS neighbor expansion with
// hop-depth annotation and decay, plus shortest-path BFS. Grounded on the
// beads-family example schemas' labels/dependencies tables (generalized
// from an untyped link to the eight typed edges in model.Edge*) and on the
// same visited-set BFS idiom used in internal/taskgraph for cycle
// detection.
package graph

import (
	"context"

	"github.com/user/tx/internal/idgen"
	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
)

var validEdgeTypes = map[string]bool{
	model.EdgeAnchoredTo: true, model.EdgeDerivedFrom: true, model.EdgeImports: true,
	model.EdgeCoChangesWith: true, model.EdgeSimilarTo: true, model.EdgeLinksTo: true,
	model.EdgeUsedInRun: true, model.EdgeInvalidatedBy: true,
}

var validEntityTypes = map[string]bool{
	model.EntityLearning: true, model.EntityFile: true, model.EntityTask: true, model.EntityRun: true,
}

// Graph owns the edges table.
type Graph struct {
	store *store.Store
}

// New returns a Graph backed by s.
func New(s *store.Store) *Graph {
	return &Graph{store: s}
}

// CreateEdge inserts a new typed edge between two entities.
func (g *Graph) CreateEdge(ctx context.Context, fromType, fromID, toType, toID, edgeType string, weight float64) (*model.Edge, error) {
	if !validEntityTypes[fromType] || !validEntityTypes[toType] {
		return nil, &ValidationError{Reason: "unknown entity type"}
	}
	if !validEdgeTypes[edgeType] {
		return nil, &ValidationError{Reason: "unknown edge type"}
	}
	e := &model.Edge{
		ID: idgen.New(), FromType: fromType, FromID: fromID, ToType: toType, ToID: toID,
		EdgeType: edgeType, Weight: weight, CreatedAt: model.NowUTC(),
	}
	_, err := g.store.SQL().ExecContext(ctx, `
		INSERT INTO edges (id, from_type, from_id, to_type, to_id, edge_type, weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.FromType, e.FromID, e.ToType, e.ToID, e.EdgeType, e.Weight, model.FormatTimestamp(e.CreatedAt),
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Invalidate soft-deletes an edge by stamping invalidated_at.
func (g *Graph) Invalidate(ctx context.Context, id string) error {
	res, err := g.store.SQL().ExecContext(ctx, `
		UPDATE edges SET invalidated_at = ? WHERE id = ? AND invalidated_at IS NULL`,
		model.FormatTimestamp(model.NowUTC()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// Restore clears an edge's invalidated_at, reviving it.
func (g *Graph) Restore(ctx context.Context, id string) error {
	res, err := g.store.SQL().ExecContext(ctx, `
		UPDATE edges SET invalidated_at = NULL WHERE id = ? AND invalidated_at IS NOT NULL`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// Neighbor is one node reached during graph expansion.
type Neighbor struct {
	EntityType string
	EntityID   string
	Hops       int
	// Decay is decayFactor^Hops, a multiplier callers apply to whatever
	// relevance score the neighbor contributes.
	Decay float64
	// Path is the sequence of entity ids walked from the expansion seed to
	// this neighbor, not including the seed itself.
	Path []string
}

// Expand performs a BFS out of (entityType, entityID) across non-invalidated
// edges in either direction, up to maxHops hops and maxNodes total nodes,
// annotating each neighbor with its hop depth and a per-hop decay factor.
func (g *Graph) Expand(ctx context.Context, entityType, entityID string, maxHops, maxNodes int, decayFactor float64) ([]Neighbor, error) {
	type key struct{ t, id string }
	type queued struct {
		k    key
		path []string
	}
	start := key{entityType, entityID}
	visited := map[key]bool{start: true}
	frontier := []queued{{k: start}}

	var out []Neighbor
	for hop := 1; hop <= maxHops && len(out) < maxNodes; hop++ {
		var next []queued
		for _, q := range frontier {
			if len(out) >= maxNodes {
				break
			}
			neighbors, err := g.adjacent(ctx, q.k.t, q.k.id)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				nk := key{n.t, n.id}
				if visited[nk] {
					continue
				}
				visited[nk] = true
				path := append(append([]string{}, q.path...), n.id)
				out = append(out, Neighbor{
					EntityType: n.t, EntityID: n.id, Hops: hop,
					Decay: decayPow(decayFactor, hop), Path: path,
				})
				next = append(next, queued{k: nk, path: path})
				if len(out) >= maxNodes {
					break
				}
			}
		}
		frontier = next
	}
	return out, nil
}

type entityRef struct{ t, id string }

func (g *Graph) adjacent(ctx context.Context, entityType, entityID string) ([]entityRef, error) {
	rows, err := g.store.SQL().QueryContext(ctx, `
		SELECT to_type, to_id FROM edges
		WHERE from_type = ? AND from_id = ? AND invalidated_at IS NULL
		UNION
		SELECT from_type, from_id FROM edges
		WHERE to_type = ? AND to_id = ? AND invalidated_at IS NULL`,
		entityType, entityID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entityRef
	for rows.Next() {
		var ref entityRef
		if err := rows.Scan(&ref.t, &ref.id); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// FindPath returns the shortest sequence of Neighbor hops connecting
// (fromType, fromID) to (toType, toID), or nil if no path exists within
// maxHops.
func (g *Graph) FindPath(ctx context.Context, fromType, fromID, toType, toID string, maxHops int) ([]Neighbor, error) {
	type key struct{ t, id string }
	start := key{fromType, fromID}
	target := key{toType, toID}
	if start == target {
		return nil, nil
	}

	visited := map[key]bool{start: true}
	type queued struct {
		k    key
		path []Neighbor
	}
	queue := []queued{{k: start}}

	for hop := 0; hop < maxHops && len(queue) > 0; hop++ {
		var nextQueue []queued
		for _, q := range queue {
			neighbors, err := g.adjacent(ctx, q.k.t, q.k.id)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				nk := key{n.t, n.id}
				if visited[nk] {
					continue
				}
				visited[nk] = true
				path := append(append([]Neighbor{}, q.path...), Neighbor{EntityType: n.t, EntityID: n.id, Hops: hop + 1})
				if nk == target {
					return path, nil
				}
				nextQueue = append(nextQueue, queued{k: nk, path: path})
			}
		}
		queue = nextQueue
	}
	return nil, nil
}

func decayPow(factor float64, hops int) float64 {
	d := 1.0
	for i := 0; i < hops; i++ {
		d *= factor
	}
	return d
}
