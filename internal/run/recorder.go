// Package run implements the Run Recorder: one row per task execution
// attempt, its stdout/stderr/transcript file paths (paths only, never file
// content, per spec.md §6), and stall detection driven by heartbeat byte
// counters. Grounded on the teacher repo's internal/db/run_repo.go
// ProjectRun/StageRun repo shape (EnsureActive-style get-or-create,
// UpsertStageRun-style upserts), adapted from per-project-stage runs to
// per-task execution attempts.
package run

import (
	"context"
	"database/sql"
	"time"

	"github.com/user/tx/internal/idgen"
	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
)

// Recorder owns the runs and run_heartbeats tables.
type Recorder struct {
	store       *store.Store
	idleTimeout time.Duration
}

// New returns a Recorder backed by s. idleTimeout is how long a run can go
// without forward progress (per the heartbeat byte counters) before it is
// considered stalled.
func New(s *store.Store, idleTimeout time.Duration) *Recorder {
	return &Recorder{store: s, idleTimeout: idleTimeout}
}

// Paths optionally names the stdout/stderr/transcript files a run is
// writing to. Empty fields are stored as NULL.
type Paths struct {
	Stdout     string
	Stderr     string
	Transcript string
}

// Create records a new running attempt of taskID by workerID, executing
// agent under process pid. taskID may be empty for an ad hoc run not tied
// to a task.
func (rc *Recorder) Create(ctx context.Context, taskID, workerID, agent string, pid int, paths Paths, metadata map[string]any) (*model.Run, error) {
	if workerID == "" || agent == "" {
		return nil, &ValidationError{Reason: "worker_id and agent are required"}
	}
	meta, err := model.EncodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	r := &model.Run{
		ID:             idgen.Run(),
		TaskID:         model.NullIfEmpty(taskID),
		WorkerID:       workerID,
		Agent:          agent,
		PID:            sql.NullInt64{Int64: int64(pid), Valid: pid != 0},
		Status:         model.RunStatusRunning,
		StartedAt:      model.NowUTC(),
		StdoutPath:     model.NullIfEmpty(paths.Stdout),
		StderrPath:     model.NullIfEmpty(paths.Stderr),
		TranscriptPath: model.NullIfEmpty(paths.Transcript),
		Metadata:       metadata,
	}
	_, err = rc.store.SQL().ExecContext(ctx, `
		INSERT INTO runs (id, task_id, worker_id, agent, pid, status, started_at, stdout_path, stderr_path, transcript_path, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.WorkerID, r.Agent, r.PID, r.Status, model.FormatTimestamp(r.StartedAt),
		r.StdoutPath, r.StderrPath, r.TranscriptPath, meta,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Heartbeat records a liveness/activity signal carrying cumulative byte
// counters for each output stream.
func (rc *Recorder) Heartbeat(ctx context.Context, runID string, stdoutBytes, stderrBytes, transcriptBytes int64) error {
	_, err := rc.store.SQL().ExecContext(ctx, `
		INSERT INTO run_heartbeats (run_id, at, stdout_bytes, stderr_bytes, transcript_bytes)
		VALUES (?, ?, ?, ?, ?)`,
		runID, model.FormatTimestamp(model.NowUTC()), stdoutBytes, stderrBytes, transcriptBytes)
	return err
}

// Complete marks a run finished with the given terminal status ("completed",
// "failed", "timeout", or "cancelled"), filling exitCode/summary/errMsg as
// given.
func (rc *Recorder) Complete(ctx context.Context, runID, status string, exitCode sql.NullInt64, summary, errMsg string) error {
	switch status {
	case model.RunStatusCompleted, model.RunStatusFailed, model.RunStatusTimeout, model.RunStatusCancelled:
	default:
		return &ValidationError{Reason: "status must be a terminal run status"}
	}
	res, err := rc.store.SQL().ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?, exit_code = ?, summary = ?, error_message = ?
		WHERE id = ? AND status = ?`,
		status, model.FormatTimestamp(model.NowUTC()), exitCode,
		model.NullIfEmpty(summary), model.NullIfEmpty(errMsg), runID, model.RunStatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ID: runID}
	}
	return nil
}

// Get fetches a run by id.
func (rc *Recorder) Get(ctx context.Context, id string) (*model.Run, error) {
	return scanRun(rc.store.SQL().QueryRowContext(ctx, runSelect+` WHERE id = ?`, id))
}

// FindByTask returns every run recorded against taskID, most recent first.
func (rc *Recorder) FindByTask(ctx context.Context, taskID string) ([]*model.Run, error) {
	rows, err := rc.store.SQL().QueryContext(ctx, runSelect+` WHERE task_id = ? ORDER BY started_at DESC`, taskID)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// FindRecent returns the most recently started runs, across all tasks.
func (rc *Recorder) FindRecent(ctx context.Context, limit int) ([]*model.Run, error) {
	rows, err := rc.store.SQL().QueryContext(ctx, runSelect+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// CountByStatus returns the number of runs in each status.
func (rc *Recorder) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := rc.store.SQL().QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListStalled returns the ids of running runs whose most recent heartbeat
// shows zero forward progress across all three byte counters and is older
// than the configured idle timeout. A run with no heartbeat at all is
// judged against its started_at time instead.
func (rc *Recorder) ListStalled(ctx context.Context, now time.Time) ([]string, error) {
	threshold := model.FormatTimestamp(now.Add(-rc.idleTimeout))

	rows, err := rc.store.SQL().QueryContext(ctx, `
		SELECT r.id, r.started_at,
		       (SELECT MAX(h.at) FROM run_heartbeats h WHERE h.run_id = r.id) AS last_hb,
		       (SELECT h2.stdout_bytes FROM run_heartbeats h2 WHERE h2.run_id = r.id ORDER BY h2.at DESC LIMIT 1) AS last_stdout,
		       (SELECT h2.stderr_bytes FROM run_heartbeats h2 WHERE h2.run_id = r.id ORDER BY h2.at DESC LIMIT 1) AS last_stderr,
		       (SELECT h2.transcript_bytes FROM run_heartbeats h2 WHERE h2.run_id = r.id ORDER BY h2.at DESC LIMIT 1) AS last_transcript,
		       (SELECT h3.stdout_bytes FROM run_heartbeats h3 WHERE h3.run_id = r.id ORDER BY h3.at DESC LIMIT 1 OFFSET 1) AS prev_stdout,
		       (SELECT h3.stderr_bytes FROM run_heartbeats h3 WHERE h3.run_id = r.id ORDER BY h3.at DESC LIMIT 1 OFFSET 1) AS prev_stderr,
		       (SELECT h3.transcript_bytes FROM run_heartbeats h3 WHERE h3.run_id = r.id ORDER BY h3.at DESC LIMIT 1 OFFSET 1) AS prev_transcript
		FROM runs r WHERE r.status = ?`, model.RunStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stalled []string
	for rows.Next() {
		var id, startedAt string
		var lastHB sql.NullString
		var lastStdout, lastStderr, lastTranscript sql.NullInt64
		var prevStdout, prevStderr, prevTranscript sql.NullInt64
		if err := rows.Scan(&id, &startedAt, &lastHB, &lastStdout, &lastStderr, &lastTranscript, &prevStdout, &prevStderr, &prevTranscript); err != nil {
			return nil, err
		}

		activityAt := startedAt
		if lastHB.Valid {
			activityAt = lastHB.String
		}
		idleSince, err := model.ParseTimestamp(activityAt)
		if err != nil {
			return nil, err
		}
		if idleSince.After(now.Add(-rc.idleTimeout)) {
			continue // still within the idle window
		}
		_ = threshold

		if !lastHB.Valid {
			stalled = append(stalled, id)
			continue
		}
		noProgress := lastStdout.Int64 == prevStdout.Int64 &&
			lastStderr.Int64 == prevStderr.Int64 &&
			lastTranscript.Int64 == prevTranscript.Int64
		if noProgress {
			stalled = append(stalled, id)
		}
	}
	return stalled, rows.Err()
}

// ReapStalled transitions every currently stalled run to status='timeout'.
// With dryRun, it only reports which runs would be reaped. With
// resetTask, each reaped run's task (if any) is moved back to ready so the
// Ready Computer can reoffer it.
func (rc *Recorder) ReapStalled(ctx context.Context, dryRun, resetTask bool) ([]string, error) {
	stalled, err := rc.ListStalled(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if dryRun {
		return stalled, nil
	}
	for _, id := range stalled {
		r, err := rc.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := rc.Complete(ctx, id, model.RunStatusTimeout, sql.NullInt64{}, "", "stalled: no forward progress"); err != nil {
			return nil, err
		}
		if resetTask && r.TaskID.Valid {
			if _, err := rc.store.SQL().ExecContext(ctx, `
				UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
				model.StatusReady, model.FormatTimestamp(model.NowUTC()), r.TaskID.String); err != nil {
				return nil, err
			}
		}
	}
	return stalled, nil
}

const runSelect = `
	SELECT id, task_id, worker_id, agent, pid, status, started_at, ended_at,
	       exit_code, stdout_path, stderr_path, transcript_path, summary, error_message, metadata
	FROM runs`

func scanRun(row *sql.Row) (*model.Run, error) {
	var r model.Run
	var started string
	var ended sql.NullString
	var meta string
	if err := row.Scan(
		&r.ID, &r.TaskID, &r.WorkerID, &r.Agent, &r.PID, &r.Status, &started, &ended,
		&r.ExitCode, &r.StdoutPath, &r.StderrPath, &r.TranscriptPath, &r.Summary, &r.ErrorMessage, &meta,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{}
		}
		return nil, err
	}
	if err := fillRun(&r, started, ended, meta); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRuns(rows *sql.Rows) ([]*model.Run, error) {
	defer rows.Close()
	var out []*model.Run
	for rows.Next() {
		var r model.Run
		var started string
		var ended sql.NullString
		var meta string
		if err := rows.Scan(
			&r.ID, &r.TaskID, &r.WorkerID, &r.Agent, &r.PID, &r.Status, &started, &ended,
			&r.ExitCode, &r.StdoutPath, &r.StderrPath, &r.TranscriptPath, &r.Summary, &r.ErrorMessage, &meta,
		); err != nil {
			return nil, err
		}
		if err := fillRun(&r, started, ended, meta); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func fillRun(r *model.Run, started string, ended sql.NullString, meta string) error {
	var err error
	if r.StartedAt, err = model.ParseTimestamp(started); err != nil {
		return err
	}
	if r.EndedAt, err = model.ParseNullTime(ended); err != nil {
		return err
	}
	if r.Metadata, err = model.DecodeMetadata(meta); err != nil {
		return err
	}
	return nil
}
