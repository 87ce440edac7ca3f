// Package retrieval implements the Retriever: BM25 candidate generation,
// optional vector candidate generation, RRF fusion, signal boosts, optional
// graph expansion, and optional MMR diversification. The numerics live in
// numerics.go as pure functions (spec.md §5: pure computation never
// suspends); this file is the Store-touching orchestration around them.
package retrieval

import (
	"context"
	"fmt"

	"github.com/user/tx/internal/graph"
	"github.com/user/tx/internal/learning"
	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/vectorindex"
)

// bm25CandidateLimit and vectorCandidateLimit are the K1/K2 candidate-set
// sizes from spec.md §4.9, pulled before fusion narrows to the caller's
// requested limit.
const (
	bm25CandidateLimit   = 50
	vectorCandidateLimit = 50
)

// Embedder turns text into a vector. A noop implementation is provided as
// the zero-value default so the vector stage degrades gracefully when
// nothing is configured.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker re-scores or re-orders a final candidate set, e.g. with a
// cross-encoder. Optional; nil disables this stage.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Result) ([]Result, error)
}

// Result is one item returned from Retrieve. For a direct hit every field
// is populated so the final ranking is explainable: a caller can see
// exactly which signals contributed to Score without re-querying. A result
// added by graph expansion carries only Learning, Score, ExpansionHops and
// ExpansionPath; its rank, RRF and boost fields are zero.
type Result struct {
	Learning *model.Learning
	Score    float64

	BM25Rank  int // 0 means not present in the BM25 candidate set
	BM25Score float64
	VectorRank  int // 0 means not present in the vector candidate set
	VectorScore float64
	RRFScore  float64

	RecencyBoost   float64
	OutcomeBoost   float64
	FrequencyBoost float64
	FeedbackBoost  float64

	// ExpansionHops is 0 for a direct (non-expanded) hit and the hop
	// distance from its originating result for anything added by graph
	// expansion. ExpansionPath is the sequence of entity ids (learnings,
	// files, tasks or runs) walked to reach it, ending with its own id;
	// empty for direct hits.
	ExpansionHops int
	ExpansionPath []string
}

// ExpansionOptions controls the optional post-fusion graph expansion hop.
type ExpansionOptions struct {
	Enabled     bool
	MaxHops     int
	MaxNodes    int
	DecayFactor float64
}

// MMROptions controls the optional post-fusion MMR diversification stage.
type MMROptions struct {
	Enabled        bool
	Lambda         float64
	MaxPerCategory int
}

// Options parameterizes a single Retrieve call.
type Options struct {
	Limit      int
	MinScore   float64
	Weights    Weights
	RRFK       int
	HalfLifeSeconds float64
	FrequencySaturation float64
	Expansion  ExpansionOptions
	MMR        MMROptions
}

// FeedbackScorer supplies the Bayesian feedback signal; internal/feedback.Tracker
// satisfies it.
type FeedbackScorer interface {
	BatchScore(ctx context.Context, ids []string) (map[string]float64, error)
}

// Retriever ties the Learning Store, an optional vector index, the
// Feedback Tracker, and the Edge/Graph together into one ranked-results
// pipeline.
type Retriever struct {
	learnings *learning.Store
	vectors   vectorindex.Index // nil disables the vector stage
	embedder  Embedder          // nil disables the vector stage
	feedback  FeedbackScorer
	graph     *graph.Graph // nil disables the optional expansion stage
	reranker  Reranker     // nil disables the optional rerank stage
}

// New returns a Retriever. vectors/embedder/graph/reranker may be nil to
// disable their respective optional stages.
func New(learnings *learning.Store, vectors vectorindex.Index, embedder Embedder, feedback FeedbackScorer, g *graph.Graph, reranker Reranker) *Retriever {
	return &Retriever{learnings: learnings, vectors: vectors, embedder: embedder, feedback: feedback, graph: g, reranker: reranker}
}

// Retrieve runs the full pipeline for query. The direct hits are filtered
// to those scoring at or above opts.MinScore and truncated to opts.Limit;
// when graph expansion is enabled, the learnings it reaches are appended
// after that, so the result can be longer than opts.Limit and can hold
// expanded results scoring below opts.MinScore.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) ([]Result, error) {
	bm25Candidates, err := r.learnings.SearchBM25(ctx, query, bm25CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("retrieval: bm25: %w", err)
	}

	byID := make(map[string]*model.Learning, len(bm25Candidates))
	bm25Ranked := make([]string, 0, len(bm25Candidates))
	bm25Rank := make(map[string]int, len(bm25Candidates))
	bm25Score := make(map[string]float64, len(bm25Candidates))
	for i, c := range bm25Candidates {
		byID[c.Learning.ID] = c.Learning
		bm25Ranked = append(bm25Ranked, c.Learning.ID)
		bm25Rank[c.Learning.ID] = i + 1
		bm25Score[c.Learning.ID] = c.Score
	}

	var vectorRanked []string
	vectorRank := map[string]int{}
	vectorScore := map[string]float64{}
	if r.vectors != nil && r.embedder != nil {
		queryVec, err := r.embedder.Embed(ctx, query)
		if err != nil {
			// External-dependency-unavailable: the vector stage degrades
			// gracefully rather than failing the whole query, per
			// spec.md §7.
			queryVec = nil
		}
		if queryVec != nil {
			matches, err := r.vectors.Query(ctx, queryVec, vectorCandidateLimit)
			if err == nil {
				for i, m := range matches {
					vectorRanked = append(vectorRanked, m.ID)
					vectorRank[m.ID] = i + 1
					vectorScore[m.ID] = m.Score
					if _, ok := byID[m.ID]; !ok {
						l, gerr := r.learnings.Get(ctx, m.ID)
						if gerr == nil {
							byID[m.ID] = l
						}
					}
				}
			}
		}
	}

	rrfK := opts.RRFK
	if rrfK <= 0 {
		rrfK = 60
	}
	var fused map[string]float64
	if len(vectorRanked) > 0 {
		fused = RRFFuse(rrfK, bm25Ranked, vectorRanked)
	} else {
		fused = RRFFuse(rrfK, bm25Ranked)
	}

	ids := make([]string, 0, len(fused))
	for id := range fused {
		ids = append(ids, id)
	}
	feedbackScores := map[string]float64{}
	if r.feedback != nil && len(ids) > 0 {
		feedbackScores, err = r.feedback.BatchScore(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("retrieval: feedback batch score: %w", err)
		}
	}

	now := model.NowUTC()
	scored := make([]Scored, 0, len(ids))
	for _, id := range ids {
		l, ok := byID[id]
		if !ok {
			continue
		}
		signals := Signals{
			RRFScore:            fused[id],
			AgeSeconds:          now.Sub(l.CreatedAt).Seconds(),
			HalfLifeSeconds:     opts.HalfLifeSeconds,
			OutcomeScore:        l.OutcomeScore,
			UsageCount:          l.UsageCount,
			FrequencySaturation: opts.FrequencySaturation,
			FeedbackScore:       feedbackScores[id],
		}
		score := FinalScore(signals, opts.Weights)
		if score < opts.MinScore {
			continue
		}
		scored = append(scored, Scored{ID: id, Score: score, Category: l.Category, Embedding: l.Embedding})
	}
	SortByScoreDesc(scored)

	limit := opts.Limit
	if opts.MMR.Enabled {
		scored = MMR(scored, opts.MMR.Lambda, limit, opts.MMR.MaxPerCategory)
	} else if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}

	results := make([]Result, 0, len(scored))
	for _, s := range scored {
		l := byID[s.ID]
		results = append(results, Result{
			Learning:       l,
			Score:          s.Score,
			BM25Rank:       bm25Rank[s.ID],
			BM25Score:      bm25Score[s.ID],
			VectorRank:     vectorRank[s.ID],
			VectorScore:    vectorScore[s.ID],
			RRFScore:       fused[s.ID],
			RecencyBoost:   RecencyBoost(now.Sub(l.CreatedAt).Seconds(), opts.HalfLifeSeconds),
			OutcomeBoost:   l.OutcomeScore,
			FrequencyBoost: FrequencyBoost(l.UsageCount, opts.FrequencySaturation),
			FeedbackBoost:  feedbackScores[s.ID],
			ExpansionHops:  0,
			ExpansionPath:  []string{},
		})
	}

	if opts.Expansion.Enabled && r.graph != nil {
		results, err = r.expand(ctx, results, opts.Expansion)
		if err != nil {
			return nil, fmt.Errorf("retrieval: graph expansion: %w", err)
		}
	}

	if r.reranker != nil {
		reranked, err := r.reranker.Rerank(ctx, query, results)
		if err != nil {
			// Reranking is an optional accelerant; its failure degrades
			// to the pre-rerank ordering rather than failing the query.
			return results, nil
		}
		return reranked, nil
	}
	return results, nil
}

// expand appends learnings reachable from the current result set via the
// graph, each carrying its parent's score decayed per hop.
func (r *Retriever) expand(ctx context.Context, results []Result, opts ExpansionOptions) ([]Result, error) {
	seen := make(map[string]bool, len(results))
	for _, res := range results {
		seen[res.Learning.ID] = true
	}

	out := append([]Result{}, results...)
	for _, res := range results {
		neighbors, err := r.graph.Expand(ctx, model.EntityLearning, res.Learning.ID, opts.MaxHops, opts.MaxNodes, opts.DecayFactor)
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			if n.EntityType != model.EntityLearning || seen[n.EntityID] {
				continue
			}
			l, err := r.learnings.Get(ctx, n.EntityID)
			if err != nil {
				continue
			}
			seen[n.EntityID] = true
			out = append(out, Result{
				Learning:      l,
				Score:         res.Score * n.Decay,
				ExpansionHops: n.Hops,
				ExpansionPath: n.Path,
			})
		}
	}
	return out, nil
}

// NoopEmbedder always reports embeddings as unavailable, letting the
// Retriever's graceful-degradation path run even with nothing configured.
type NoopEmbedder struct{}

// EmbeddingUnavailableError is returned by NoopEmbedder.Embed.
type EmbeddingUnavailableError struct{}

func (e *EmbeddingUnavailableError) Error() string { return "retrieval: no embedder configured" }

// Embed always fails with EmbeddingUnavailableError.
func (NoopEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, &EmbeddingUnavailableError{}
}
