package vectorindex

import (
	"context"
	"testing"
)

func TestNaive_QueryRanksByCosineSimilarity(t *testing.T) {
	n := NewNaive()
	ctx := context.Background()
	n.Upsert(ctx, "same", []float32{1, 0, 0})
	n.Upsert(ctx, "orthogonal", []float32{0, 1, 0})
	n.Upsert(ctx, "opposite", []float32{-1, 0, 0})

	results, err := n.Query(ctx, []float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(Query()) = %d, want 3", len(results))
	}
	if results[0].ID != "same" {
		t.Fatalf("top result = %q, want %q", results[0].ID, "same")
	}
	if results[len(results)-1].ID != "opposite" {
		t.Fatalf("bottom result = %q, want %q", results[len(results)-1].ID, "opposite")
	}
}

func TestNaive_QueryRespectsK(t *testing.T) {
	n := NewNaive()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		n.Upsert(ctx, id, []float32{1, 0, 0})
	}
	results, err := n.Query(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(Query()) = %d, want 2", len(results))
	}
}

func TestNaive_QueryRejectsDimensionMismatch(t *testing.T) {
	n := NewNaive()
	ctx := context.Background()
	n.Upsert(ctx, "a", []float32{1, 0, 0})
	if _, err := n.Query(ctx, []float32{1, 0}, 1); err == nil {
		t.Fatal("Query() with mismatched dimension, want error")
	}
}

func TestNaive_RemoveExcludesFromQuery(t *testing.T) {
	n := NewNaive()
	ctx := context.Background()
	n.Upsert(ctx, "a", []float32{1, 0, 0})
	n.Remove(ctx, "a")

	results, err := n.Query(ctx, []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("len(Query()) after Remove() = %d, want 0", len(results))
	}
}
