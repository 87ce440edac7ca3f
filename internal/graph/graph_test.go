package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
)

func openTestGraph(t *testing.T) *Graph {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "tx.sqlite"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestExpand_AnnotatesHopDepthAndDecay(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()

	mustEdge(t, g, model.EntityLearning, "l1", model.EntityFile, "f1", model.EdgeAnchoredTo)
	mustEdge(t, g, model.EntityFile, "f1", model.EntityFile, "f2", model.EdgeImports)

	neighbors, err := g.Expand(ctx, model.EntityLearning, "l1", 3, 50, 0.5)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(neighbors) != 2 {
		t.Fatalf("len(Expand()) = %d, want 2", len(neighbors))
	}
	for _, n := range neighbors {
		if n.EntityID == "f1" && n.Hops != 1 {
			t.Fatalf("f1 Hops = %d, want 1", n.Hops)
		}
		if n.EntityID == "f2" && n.Hops != 2 {
			t.Fatalf("f2 Hops = %d, want 2", n.Hops)
		}
	}
}

func TestExpand_RespectsMaxNodes(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	mustEdge(t, g, model.EntityLearning, "l1", model.EntityFile, "f1", model.EdgeAnchoredTo)
	mustEdge(t, g, model.EntityLearning, "l1", model.EntityFile, "f2", model.EdgeAnchoredTo)
	mustEdge(t, g, model.EntityLearning, "l1", model.EntityFile, "f3", model.EdgeAnchoredTo)

	neighbors, err := g.Expand(ctx, model.EntityLearning, "l1", 2, 1, 0.5)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(neighbors) != 1 {
		t.Fatalf("len(Expand()) = %d, want 1", len(neighbors))
	}
}

func TestInvalidate_RemovesEdgeFromExpansion(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	e := mustEdge(t, g, model.EntityLearning, "l1", model.EntityFile, "f1", model.EdgeAnchoredTo)

	if err := g.Invalidate(ctx, e.ID); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	neighbors, err := g.Expand(ctx, model.EntityLearning, "l1", 2, 50, 0.5)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(neighbors) != 0 {
		t.Fatalf("len(Expand()) after Invalidate() = %d, want 0", len(neighbors))
	}
}

func TestFindPath_ReturnsShortestHops(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	mustEdge(t, g, model.EntityTask, "t1", model.EntityFile, "f1", model.EdgeAnchoredTo)
	mustEdge(t, g, model.EntityFile, "f1", model.EntityLearning, "l1", model.EdgeSimilarTo)

	path, err := g.FindPath(ctx, model.EntityTask, "t1", model.EntityLearning, "l1", 5)
	if err != nil {
		t.Fatalf("FindPath() error = %v", err)
	}
	if len(path) != 2 {
		t.Fatalf("len(FindPath()) = %d, want 2", len(path))
	}
}

func mustEdge(t *testing.T, g *Graph, fromType, fromID, toType, toID, edgeType string) *model.Edge {
	t.Helper()
	e, err := g.CreateEdge(context.Background(), fromType, fromID, toType, toID, edgeType, 1.0)
	if err != nil {
		t.Fatalf("CreateEdge() error = %v", err)
	}
	return e
}
