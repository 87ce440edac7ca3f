package claim

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
	"github.com/user/tx/internal/taskgraph"
	"github.com/user/tx/internal/worker"
)

type fixture struct {
	mgr   *Manager
	tasks *taskgraph.TaskGraph
	reg   *worker.Registry
}

func setup(t *testing.T, leaseDur time.Duration, maxRenewals int) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "tx.sqlite"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.SQL().ExecContext(context.Background(), `
		UPDATE orchestrator_state SET running = 1, started_at = ? WHERE id = 1`,
		model.FormatTimestamp(model.NowUTC())); err != nil {
		t.Fatalf("mark orchestrator running: %v", err)
	}
	return &fixture{
		mgr:   New(s, leaseDur, maxRenewals),
		tasks: taskgraph.New(s),
		reg:   worker.New(s, 8, 3, time.Second),
	}
}

func (f *fixture) registerWorker(t *testing.T, ctx context.Context, name string) *model.Worker {
	t.Helper()
	w, err := f.reg.Register(ctx, name, "host1", 100, nil)
	if err != nil {
		t.Fatalf("Register(%s) error = %v", name, err)
	}
	return w
}

func TestClaim_ExclusiveAcrossWorkers(t *testing.T) {
	f := setup(t, time.Minute, 3)
	ctx := context.Background()
	task, _ := f.tasks.Create(ctx, "t", "", "", 0)
	w1 := f.registerWorker(t, ctx, "w1")
	w2 := f.registerWorker(t, ctx, "w2")

	if _, err := f.mgr.Claim(ctx, task.ID, w1.ID); err != nil {
		t.Fatalf("Claim(w1) error = %v", err)
	}
	if _, err := f.mgr.Claim(ctx, task.ID, w2.ID); err == nil {
		t.Fatal("Claim(w2) on already-claimed task, want error")
	}
}

func TestClaim_SetsWorkerCurrentTaskAndBusy(t *testing.T) {
	f := setup(t, time.Minute, 3)
	ctx := context.Background()
	task, _ := f.tasks.Create(ctx, "t", "", "", 0)
	w := f.registerWorker(t, ctx, "w1")

	if _, err := f.mgr.Claim(ctx, task.ID, w.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	got, err := f.reg.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.CurrentTaskID.Valid || got.CurrentTaskID.String != task.ID {
		t.Fatalf("CurrentTaskID = %+v, want valid %s", got.CurrentTaskID, task.ID)
	}
	if got.Status != model.WorkerStatusBusy {
		t.Fatalf("Status = %q, want %q", got.Status, model.WorkerStatusBusy)
	}
}

func TestClaim_RejectsDeadWorker(t *testing.T) {
	f := setup(t, time.Minute, 3)
	ctx := context.Background()
	task, _ := f.tasks.Create(ctx, "t", "", "", 0)
	w := f.registerWorker(t, ctx, "w1")
	if err := f.reg.MarkDead(ctx, w.ID); err != nil {
		t.Fatalf("MarkDead() error = %v", err)
	}

	if _, err := f.mgr.Claim(ctx, task.ID, w.ID); err == nil {
		t.Fatal("Claim() by dead worker, want error")
	}
}

func TestRenew_RespectsMaxRenewals(t *testing.T) {
	f := setup(t, time.Minute, 2)
	ctx := context.Background()
	task, _ := f.tasks.Create(ctx, "t", "", "", 0)
	w := f.registerWorker(t, ctx, "w1")
	if _, err := f.mgr.Claim(ctx, task.ID, w.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	if _, err := f.mgr.Renew(ctx, task.ID, w.ID); err != nil {
		t.Fatalf("Renew() 1 error = %v", err)
	}
	if _, err := f.mgr.Renew(ctx, task.ID, w.ID); err != nil {
		t.Fatalf("Renew() 2 error = %v", err)
	}
	if _, err := f.mgr.Renew(ctx, task.ID, w.ID); err == nil {
		t.Fatal("Renew() beyond max_renewals, want error")
	}
}

func TestRenew_RejectsExpiredLease(t *testing.T) {
	f := setup(t, 10*time.Millisecond, 5)
	ctx := context.Background()
	task, _ := f.tasks.Create(ctx, "t", "", "", 0)
	w := f.registerWorker(t, ctx, "w1")
	if _, err := f.mgr.Claim(ctx, task.ID, w.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := f.mgr.Renew(ctx, task.ID, w.ID); err == nil {
		t.Fatal("Renew() on expired lease, want error")
	}
}

func TestRenew_RejectsUnknownPair(t *testing.T) {
	f := setup(t, time.Minute, 3)
	ctx := context.Background()
	if _, err := f.mgr.Renew(ctx, "no-such-task", "no-such-worker"); err == nil {
		t.Fatal("Renew() on unknown pair, want error")
	}
}

func TestRelease_ThenReclaim(t *testing.T) {
	f := setup(t, time.Minute, 3)
	ctx := context.Background()
	task, _ := f.tasks.Create(ctx, "t", "", "", 0)
	w1 := f.registerWorker(t, ctx, "w1")
	w2 := f.registerWorker(t, ctx, "w2")
	if _, err := f.mgr.Claim(ctx, task.ID, w1.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	if err := f.mgr.Release(ctx, task.ID, w1.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	got, err := f.reg.Get(ctx, w1.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CurrentTaskID.Valid {
		t.Fatal("CurrentTaskID should be cleared after Release()")
	}
	if got.Status != model.WorkerStatusIdle {
		t.Fatalf("Status = %q, want %q", got.Status, model.WorkerStatusIdle)
	}
	if _, err := f.mgr.Claim(ctx, task.ID, w2.ID); err != nil {
		t.Fatalf("Claim(w2) after release, error = %v", err)
	}
}

func TestSweepExpired_FreesLapsedTasks(t *testing.T) {
	f := setup(t, 10*time.Millisecond, 3)
	ctx := context.Background()
	task, _ := f.tasks.Create(ctx, "t", "", "", 0)
	w := f.registerWorker(t, ctx, "w1")
	if _, err := f.mgr.Claim(ctx, task.ID, w.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	freed, err := f.mgr.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if len(freed) != 1 || freed[0] != task.ID {
		t.Fatalf("SweepExpired() = %v, want [%s]", freed, task.ID)
	}

	got, err := f.reg.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CurrentTaskID.Valid {
		t.Fatal("CurrentTaskID should be cleared once its claim expires")
	}
}

func TestReleaseByWorker_ReleasesAllItsClaims(t *testing.T) {
	f := setup(t, time.Minute, 3)
	ctx := context.Background()
	t1, _ := f.tasks.Create(ctx, "t1", "", "", 0)
	t2, _ := f.tasks.Create(ctx, "t2", "", "", 0)
	w := f.registerWorker(t, ctx, "w1")
	f.mgr.Claim(ctx, t1.ID, w.ID)
	f.mgr.Claim(ctx, t2.ID, w.ID)

	released, err := f.mgr.ReleaseByWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("ReleaseByWorker() error = %v", err)
	}
	if len(released) != 2 {
		t.Fatalf("len(ReleaseByWorker()) = %d, want 2", len(released))
	}
	got, err := f.reg.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CurrentTaskID.Valid {
		t.Fatal("CurrentTaskID should be cleared after ReleaseByWorker()")
	}
}

func TestGetActiveClaim_NilWhenNone(t *testing.T) {
	f := setup(t, time.Minute, 3)
	c, err := f.mgr.GetActiveClaim(context.Background(), "no-such-task")
	if err != nil {
		t.Fatalf("GetActiveClaim() error = %v", err)
	}
	if c != nil {
		t.Fatalf("GetActiveClaim() = %+v, want nil", c)
	}
}

func TestGetActiveClaim_ReturnsTheHeldClaim(t *testing.T) {
	f := setup(t, time.Minute, 3)
	ctx := context.Background()
	task, _ := f.tasks.Create(ctx, "t", "", "", 0)
	w := f.registerWorker(t, ctx, "w1")
	c, err := f.mgr.Claim(ctx, task.ID, w.ID)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	got, err := f.mgr.GetActiveClaim(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetActiveClaim() error = %v", err)
	}
	if got == nil || got.ID != c.ID {
		t.Fatalf("GetActiveClaim() = %+v, want %+v", got, c)
	}
}
