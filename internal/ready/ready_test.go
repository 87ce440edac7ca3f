package ready

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
	"github.com/user/tx/internal/taskgraph"
)

func setup(t *testing.T) (*Computer, *taskgraph.TaskGraph) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "tx.sqlite"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s), taskgraph.New(s)
}

func TestList_ExcludesBlockedTasks(t *testing.T) {
	c, g := setup(t)
	ctx := context.Background()

	blocked, _ := g.Create(ctx, "blocked", "", "", 0)
	blocker, _ := g.Create(ctx, "blocker", "", "", 0)
	if err := g.AddBlocker(ctx, blocked.ID, blocker.ID); err != nil {
		t.Fatalf("AddBlocker() error = %v", err)
	}

	readyTasks, err := c.List(ctx, Options{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	for _, rt := range readyTasks {
		if rt.ID == blocked.ID {
			t.Fatalf("List() included %q which is blocked by an undone task", blocked.ID)
		}
	}
	found := false
	for _, rt := range readyTasks {
		if rt.ID == blocker.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("List() did not include the unblocked blocker task")
	}
}

func TestIsReady_BlockerDoneUnblocksTask(t *testing.T) {
	c, g := setup(t)
	ctx := context.Background()

	task, _ := g.Create(ctx, "task", "", "", 0)
	blocker, _ := g.Create(ctx, "blocker", "", "", 0)
	g.AddBlocker(ctx, task.ID, blocker.ID)

	active := model.StatusActive
	done := model.StatusDone
	g.Update(ctx, blocker.ID, taskgraph.Patch{Status: &active})
	g.Update(ctx, blocker.ID, taskgraph.Patch{Status: &done})

	is, err := c.IsReady(ctx, task.ID)
	if err != nil {
		t.Fatalf("IsReady() error = %v", err)
	}
	if !is {
		t.Fatal("IsReady() = false after blocker completed, want true")
	}
}

func TestIsReady_ExcludesActiveStatusTasks(t *testing.T) {
	c, g := setup(t)
	ctx := context.Background()
	task, _ := g.Create(ctx, "task", "", "", 0)
	active := model.StatusActive
	g.Update(ctx, task.ID, taskgraph.Patch{Status: &active})

	is, err := c.IsReady(ctx, task.ID)
	if err != nil {
		t.Fatalf("IsReady() error = %v", err)
	}
	if is {
		t.Fatal("IsReady() = true for an active task, want false")
	}
}
