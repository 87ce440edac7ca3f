package taskgraph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
)

func openTestGraph(t *testing.T) *TaskGraph {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "tx.sqlite"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestCreate_DefaultsToBacklog(t *testing.T) {
	g := openTestGraph(t)
	task, err := g.Create(context.Background(), "write tests", "", "", 1)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if task.Status != model.StatusBacklog {
		t.Fatalf("Status = %q, want %q", task.Status, model.StatusBacklog)
	}
}

func TestCreate_EmptyTitleRejected(t *testing.T) {
	g := openTestGraph(t)
	if _, err := g.Create(context.Background(), "", "", "", 0); err == nil {
		t.Fatal("Create() with empty title, want error")
	}
}

func TestAddBlocker_RejectsDirectCycle(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	a, _ := g.Create(ctx, "a", "", "", 0)
	b, _ := g.Create(ctx, "b", "", "", 0)

	if err := g.AddBlocker(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("AddBlocker(a, b) error = %v", err)
	}
	if err := g.AddBlocker(ctx, b.ID, a.ID); err == nil {
		t.Fatal("AddBlocker(b, a) after AddBlocker(a, b), want cycle error")
	}
}

func TestAddBlocker_RejectsTransitiveCycle(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	a, _ := g.Create(ctx, "a", "", "", 0)
	b, _ := g.Create(ctx, "b", "", "", 0)
	c, _ := g.Create(ctx, "c", "", "", 0)

	mustAddBlocker(t, g, a.ID, b.ID) // a blocked by b
	mustAddBlocker(t, g, b.ID, c.ID) // b blocked by c
	if err := g.AddBlocker(ctx, c.ID, a.ID); err == nil {
		t.Fatal("AddBlocker(c, a) closing the loop, want cycle error")
	}
}

func mustAddBlocker(t *testing.T, g *TaskGraph, taskID, blockerID string) {
	t.Helper()
	if err := g.AddBlocker(context.Background(), taskID, blockerID); err != nil {
		t.Fatalf("AddBlocker(%s, %s) error = %v", taskID, blockerID, err)
	}
}

func TestUpdate_DoneToBacklogRejected(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	task, _ := g.Create(ctx, "a", "", "", 0)

	for _, status := range []string{model.StatusActive, model.StatusDone} {
		s := status
		if _, err := g.Update(ctx, task.ID, Patch{Status: &s}); err != nil {
			t.Fatalf("Update(%s) error = %v", s, err)
		}
	}

	backlog := model.StatusBacklog
	if _, err := g.Update(ctx, task.ID, Patch{Status: &backlog}); err == nil {
		t.Fatal("Update(done -> backlog), want rejection")
	}
}

func TestReopen_RequiresDone(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	task, _ := g.Create(ctx, "a", "", "", 0)

	if _, err := g.Reopen(ctx, task.ID); err == nil {
		t.Fatal("Reopen() on backlog task, want error")
	}

	active := model.StatusActive
	done := model.StatusDone
	g.Update(ctx, task.ID, Patch{Status: &active})
	g.Update(ctx, task.ID, Patch{Status: &done})

	reopened, err := g.Reopen(ctx, task.ID)
	if err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if reopened.Status != model.StatusBacklog {
		t.Fatalf("Status = %q, want %q", reopened.Status, model.StatusBacklog)
	}
}

func TestTree_ReturnsDescendants(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()
	root, _ := g.Create(ctx, "root", "", "", 0)
	child, _ := g.Create(ctx, "child", "", root.ID, 0)
	g.Create(ctx, "grandchild", "", child.ID, 0)

	tree, err := g.Tree(ctx, root.ID)
	if err != nil {
		t.Fatalf("Tree() error = %v", err)
	}
	if len(tree) != 2 {
		t.Fatalf("len(Tree()) = %d, want 2", len(tree))
	}
}
