package learning

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/user/tx/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "tx.sqlite"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestSearchBM25_FindsMatchingContent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if _, err := st.Create(ctx, "retry logic should use exponential backoff", "pattern"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := st.Create(ctx, "unrelated note about formatting", "pattern"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	candidates, err := st.SearchBM25(ctx, "backoff", 10)
	if err != nil {
		t.Fatalf("SearchBM25() error = %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("len(SearchBM25()) = %d, want 1", len(candidates))
	}
}

func TestSetEmbedding_RejectsDimensionMismatch(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	a, _ := st.Create(ctx, "first", "")
	b, _ := st.Create(ctx, "second", "")

	if err := st.SetEmbedding(ctx, a.ID, []float32{1, 2, 3}); err != nil {
		t.Fatalf("SetEmbedding(a) error = %v", err)
	}
	if err := st.SetEmbedding(ctx, b.ID, []float32{1, 2}); err == nil {
		t.Fatal("SetEmbedding(b) with mismatched dimension, want error")
	}
}

func TestSetEmbedding_RoundTrips(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	l, _ := st.Create(ctx, "content", "")
	vec := []float32{0.1, -0.2, 0.3}

	if err := st.SetEmbedding(ctx, l.ID, vec); err != nil {
		t.Fatalf("SetEmbedding() error = %v", err)
	}
	got, err := st.Get(ctx, l.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Embedding) != len(vec) {
		t.Fatalf("len(Embedding) = %d, want %d", len(got.Embedding), len(vec))
	}
	for i := range vec {
		if got.Embedding[i] != vec[i] {
			t.Fatalf("Embedding[%d] = %v, want %v", i, got.Embedding[i], vec[i])
		}
	}
}

func TestIncrementUsage_BumpsCount(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	l, _ := st.Create(ctx, "content", "")

	if err := st.IncrementUsage(ctx, l.ID); err != nil {
		t.Fatalf("IncrementUsage() error = %v", err)
	}
	got, _ := st.Get(ctx, l.ID)
	if got.UsageCount != 1 {
		t.Fatalf("UsageCount = %d, want 1", got.UsageCount)
	}
}
