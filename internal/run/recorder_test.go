package run

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
)

func setup(t *testing.T, idle time.Duration) *Recorder {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "tx.sqlite"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	now := model.FormatTimestamp(model.NowUTC())
	for _, stmt := range []string{
		`INSERT INTO tasks (id, title, status, created_at, updated_at) VALUES ('tx-1', 't1', 'backlog', ?, ?)`,
		`INSERT INTO tasks (id, title, status, created_at, updated_at) VALUES ('tx-2', 't2', 'backlog', ?, ?)`,
		`INSERT INTO workers (id, name, registered_at, last_heartbeat) VALUES ('worker-1', 'w1', ?, ?)`,
	} {
		if _, err := s.SQL().ExecContext(context.Background(), stmt, now, now); err != nil {
			t.Fatalf("seed rows: %v", err)
		}
	}
	return New(s, idle)
}

func TestCreate_DefaultsToRunning(t *testing.T) {
	rc := setup(t, time.Minute)
	r, err := rc.Create(context.Background(), "tx-1", "worker-1", "claude", 1234, Paths{Stdout: "/tmp/out.log"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if r.Status != model.RunStatusRunning {
		t.Fatalf("Status = %q, want %q", r.Status, model.RunStatusRunning)
	}
	if !r.StdoutPath.Valid {
		t.Fatal("StdoutPath should be valid when provided")
	}
	if !r.TaskID.Valid || r.TaskID.String != "tx-1" {
		t.Fatalf("TaskID = %+v, want valid tx-1", r.TaskID)
	}
}

func TestCreate_AllowsEmptyTaskID(t *testing.T) {
	rc := setup(t, time.Minute)
	r, err := rc.Create(context.Background(), "", "worker-1", "claude", 0, Paths{}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if r.TaskID.Valid {
		t.Fatal("TaskID should be NULL for an ad hoc run")
	}
}

func TestComplete_RejectsInvalidStatus(t *testing.T) {
	rc := setup(t, time.Minute)
	r, _ := rc.Create(context.Background(), "tx-1", "worker-1", "claude", 1, Paths{}, nil)
	if err := rc.Complete(context.Background(), r.ID, "bogus", sql.NullInt64{}, "", ""); err == nil {
		t.Fatal("Complete() with invalid status, want error")
	}
}

func TestComplete_FillsExitCodeAndSummary(t *testing.T) {
	rc := setup(t, time.Minute)
	ctx := context.Background()
	r, _ := rc.Create(ctx, "tx-1", "worker-1", "claude", 1, Paths{}, nil)
	if err := rc.Complete(ctx, r.ID, model.RunStatusCompleted, sql.NullInt64{Int64: 0, Valid: true}, "done", ""); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, err := rc.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.RunStatusCompleted {
		t.Fatalf("Status = %q, want %q", got.Status, model.RunStatusCompleted)
	}
	if !got.ExitCode.Valid || got.ExitCode.Int64 != 0 {
		t.Fatalf("ExitCode = %+v, want valid 0", got.ExitCode)
	}
	if !got.Summary.Valid || got.Summary.String != "done" {
		t.Fatalf("Summary = %+v, want valid %q", got.Summary, "done")
	}
}

func TestFindByTask_ReturnsOnlyThatTasksRuns(t *testing.T) {
	rc := setup(t, time.Minute)
	ctx := context.Background()
	rc.Create(ctx, "tx-1", "worker-1", "claude", 1, Paths{}, nil)
	rc.Create(ctx, "tx-2", "worker-1", "claude", 1, Paths{}, nil)

	runs, err := rc.FindByTask(ctx, "tx-1")
	if err != nil {
		t.Fatalf("FindByTask() error = %v", err)
	}
	if len(runs) != 1 || runs[0].TaskID.String != "tx-1" {
		t.Fatalf("FindByTask() = %+v, want one run for tx-1", runs)
	}
}

func TestCountByStatus_Tallies(t *testing.T) {
	rc := setup(t, time.Minute)
	ctx := context.Background()
	r1, _ := rc.Create(ctx, "tx-1", "worker-1", "claude", 1, Paths{}, nil)
	rc.Create(ctx, "tx-2", "worker-1", "claude", 1, Paths{}, nil)
	rc.Complete(ctx, r1.ID, model.RunStatusCompleted, sql.NullInt64{}, "", "")

	counts, err := rc.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[model.RunStatusCompleted] != 1 || counts[model.RunStatusRunning] != 1 {
		t.Fatalf("CountByStatus() = %+v, want 1 completed and 1 running", counts)
	}
}

func TestListStalled_NoHeartbeatPastIdleTimeout(t *testing.T) {
	rc := setup(t, 10*time.Millisecond)
	r, _ := rc.Create(context.Background(), "tx-1", "worker-1", "claude", 1, Paths{}, nil)

	time.Sleep(30 * time.Millisecond)
	stalled, err := rc.ListStalled(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("ListStalled() error = %v", err)
	}
	if len(stalled) != 1 || stalled[0] != r.ID {
		t.Fatalf("ListStalled() = %v, want [%s]", stalled, r.ID)
	}
}

func TestListStalled_ProgressingRunIsNotStalled(t *testing.T) {
	rc := setup(t, 10*time.Millisecond)
	ctx := context.Background()
	r, _ := rc.Create(ctx, "tx-1", "worker-1", "claude", 1, Paths{}, nil)

	if err := rc.Heartbeat(ctx, r.ID, 100, 0, 0); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	stalled, err := rc.ListStalled(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ListStalled() error = %v", err)
	}
	for _, id := range stalled {
		if id == r.ID {
			t.Fatal("ListStalled() flagged a run with a recent heartbeat")
		}
	}
}

func TestReapStalled_MarksTimeout(t *testing.T) {
	rc := setup(t, 10*time.Millisecond)
	ctx := context.Background()
	r, _ := rc.Create(ctx, "tx-1", "worker-1", "claude", 1, Paths{}, nil)

	time.Sleep(30 * time.Millisecond)
	reaped, err := rc.ReapStalled(ctx, false, false)
	if err != nil {
		t.Fatalf("ReapStalled() error = %v", err)
	}
	if len(reaped) != 1 {
		t.Fatalf("len(ReapStalled()) = %d, want 1", len(reaped))
	}

	got, err := rc.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.RunStatusTimeout {
		t.Fatalf("Status = %q, want %q", got.Status, model.RunStatusTimeout)
	}
}

func TestReapStalled_DryRunLeavesRunUntouched(t *testing.T) {
	rc := setup(t, 10*time.Millisecond)
	ctx := context.Background()
	r, _ := rc.Create(ctx, "tx-1", "worker-1", "claude", 1, Paths{}, nil)

	time.Sleep(30 * time.Millisecond)
	reaped, err := rc.ReapStalled(ctx, true, false)
	if err != nil {
		t.Fatalf("ReapStalled() error = %v", err)
	}
	if len(reaped) != 1 {
		t.Fatalf("len(ReapStalled()) = %d, want 1", len(reaped))
	}

	got, err := rc.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.RunStatusRunning {
		t.Fatalf("Status = %q, want %q (dry run must not mutate)", got.Status, model.RunStatusRunning)
	}
}
