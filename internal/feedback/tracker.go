// Package feedback implements the Feedback Tracker: USED_IN_RUN edges
// record whether a learning helped a run, and Score/BatchScore compute a
// Bayesian average over that history. Per spec.md §5, the read cache here
// is the one explicitly allowed in-process shared mutable structure in
// this engine — implemented with golang-lru/v2, grounded on
// cklxx-elephant.ai's dependency on that same library (declared there,
// wired here).
package feedback

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/user/tx/internal/graph"
	"github.com/user/tx/internal/idgen"
	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
)

// neutralPrior and confidencePseudoCount parameterize the Bayesian average
// (helpful_count + 0.5*m) / (total_count + m): a learning with no usage
// history scores as perfectly neutral, and a handful of early signals
// don't swing the score to an extreme.
const (
	neutralPrior          = 0.5
	confidencePseudoCount = 2.0
)

// Tracker owns USED_IN_RUN edges and the cached Bayesian scores derived
// from them.
type Tracker struct {
	store *store.Store
	graph *graph.Graph
	cache *lru.Cache[string, float64]
}

// New returns a Tracker backed by s, with a read cache sized cacheSize.
func New(s *store.Store, g *graph.Graph, cacheSize int) (*Tracker, error) {
	c, err := lru.New[string, float64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("feedback: new cache: %w", err)
	}
	return &Tracker{store: s, graph: g, cache: c}, nil
}

// RecordUsage records that runID used learningID, marking it helpful or
// not. The edge runs learning -> run so an outgoing expansion from a
// learning (as the Retriever's graph-expansion stage does) traverses it.
// The cached score for learningID is evicted so the next Score call
// recomputes it rather than serving stale data.
func (t *Tracker) RecordUsage(ctx context.Context, learningID, runID string, helpful bool) error {
	weight := 0.0
	if helpful {
		weight = 1.0
	}
	_, err := t.store.SQL().ExecContext(ctx, `
		INSERT INTO edges (id, from_type, from_id, to_type, to_id, edge_type, weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		idgen.New(), model.EntityLearning, learningID, model.EntityRun, runID,
		model.EdgeUsedInRun, weight, model.FormatTimestamp(model.NowUTC()),
	)
	if err != nil {
		return err
	}
	t.cache.Remove(learningID)
	return nil
}

// Score returns the Bayesian-averaged feedback score for learningID,
// serving from cache when available.
func (t *Tracker) Score(ctx context.Context, learningID string) (float64, error) {
	if v, ok := t.cache.Get(learningID); ok {
		return v, nil
	}
	scores, err := t.BatchScore(ctx, []string{learningID})
	if err != nil {
		return 0, err
	}
	return scores[learningID], nil
}

// BatchScore computes scores for every id in one query, avoiding the N+1
// query pattern a per-id loop would cause, then populates the cache.
func (t *Tracker) BatchScore(ctx context.Context, ids []string) (map[string]float64, error) {
	out := make(map[string]float64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]any, 0, len(ids))
	qs := ""
	for i, id := range ids {
		if i > 0 {
			qs += ","
		}
		qs += "?"
		placeholders = append(placeholders, id)
	}

	rows, err := t.store.SQL().QueryContext(ctx, fmt.Sprintf(`
		SELECT from_id, COUNT(*) AS total, SUM(weight) AS helpful
		FROM edges
		WHERE edge_type = ? AND from_type = ? AND from_id IN (%s) AND invalidated_at IS NULL
		GROUP BY from_id`, qs),
		append([]any{model.EdgeUsedInRun, model.EntityLearning}, placeholders...)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counted := make(map[string]struct {
		total, helpful float64
	})
	for rows.Next() {
		var id string
		var total, helpful float64
		if err := rows.Scan(&id, &total, &helpful); err != nil {
			return nil, err
		}
		counted[id] = struct{ total, helpful float64 }{total, helpful}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		c := counted[id]
		score := (c.helpful + neutralPrior*confidencePseudoCount) / (c.total + confidencePseudoCount)
		out[id] = score
		t.cache.Add(id, score)
	}
	return out, nil
}
