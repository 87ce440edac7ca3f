// Package vectorindex implements the optional vector candidate backend
// for the Retriever. Two implementations satisfy the same Index
// interface: a naive brute-force cosine scan (always available, correct
// baseline) and a github.com/philippgille/chromem-go-backed index. Nothing
// in this module chooses between them: the caller constructs one and hands
// it to the Retriever, and config.VectorIndexBackend and
// config.VectorIndexNaiveThreshold are loaded but not read by any
// component. cklxx-elephant.ai declares chromem-go in its go.mod but never
// imports it; this is where it actually gets wired.
package vectorindex

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/philippgille/chromem-go"
)

// ErrDimensionMismatch is returned by Naive.Query when the index holds
// vectors but none of them has the query vector's dimension.
var ErrDimensionMismatch = errors.New("vectorindex: query vector dimension mismatch")

// ScoredID is one candidate returned from a vector query, cosine-similarity
// scored (higher is better).
type ScoredID struct {
	ID    string
	Score float64
}

// Index is the abstract vector candidate source the Retriever queries
// against. Implementations are swapped by configuration, never by the
// Retriever inspecting a concrete type.
type Index interface {
	Upsert(ctx context.Context, id string, vec []float32) error
	Remove(ctx context.Context, id string) error
	Query(ctx context.Context, vec []float32, k int) ([]ScoredID, error)
}

// Naive is a brute-force in-memory cosine-similarity scan. Correct for any
// size, but O(n) per query.
type Naive struct {
	vectors map[string][]float32
}

// NewNaive returns an empty Naive index.
func NewNaive() *Naive {
	return &Naive{vectors: map[string][]float32{}}
}

// Upsert stores or replaces id's vector.
func (n *Naive) Upsert(_ context.Context, id string, vec []float32) error {
	n.vectors[id] = vec
	return nil
}

// Remove deletes id's vector, if present.
func (n *Naive) Remove(_ context.Context, id string) error {
	delete(n.vectors, id)
	return nil
}

// Query returns the k highest cosine-similarity matches to vec. Stored
// vectors whose dimension differs from vec's are skipped one by one; if the
// index holds vectors but none has vec's dimension, Query returns
// ErrDimensionMismatch.
func (n *Naive) Query(_ context.Context, vec []float32, k int) ([]ScoredID, error) {
	var out []ScoredID
	mismatched := false
	for id, candidate := range n.vectors {
		if len(candidate) != len(vec) {
			mismatched = true
			continue
		}
		out = append(out, ScoredID{ID: id, Score: cosineSimilarity(vec, candidate)})
	}
	if mismatched && len(out) == 0 {
		return nil, ErrDimensionMismatch
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Chromem is an Index backed by an in-process chromem-go collection.
type Chromem struct {
	collection *chromem.Collection
}

// NewChromem creates a fresh in-memory chromem-go collection named name.
// The embedding function is never invoked because every call here supplies
// vectors directly (QueryEmbedding/AddDocument), so a stub satisfies the
// required signature.
func NewChromem(name string) (*Chromem, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("vectorindex: text embedding not supported; vectors must be supplied directly")
	})
	if err != nil {
		return nil, err
	}
	return &Chromem{collection: col}, nil
}

// Upsert stores or replaces id's vector.
func (c *Chromem) Upsert(ctx context.Context, id string, vec []float32) error {
	return c.collection.AddDocuments(ctx, []chromem.Document{
		{ID: id, Embedding: vec},
	}, 1)
}

// Remove deletes id's vector.
func (c *Chromem) Remove(ctx context.Context, id string) error {
	return c.collection.Delete(ctx, nil, nil, id)
}

// Query returns the k nearest neighbors to vec.
func (c *Chromem) Query(ctx context.Context, vec []float32, k int) ([]ScoredID, error) {
	results, err := c.collection.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredID, 0, len(results))
	for _, r := range results {
		out = append(out, ScoredID{ID: r.ID, Score: float64(r.Similarity)})
	}
	return out, nil
}
