// Package worker implements the worker registry: registration,
// deregistration, heartbeats, and dead-worker detection via missed
// heartbeats. The pool-size capacity gate follows the cascading
// limit-check idiom in the teacher repo's internal/orchestrator/scheduler.go
// (checkSessionCreationAllowed), simplified to the single limit this
// engine has.
package worker

import (
	"context"
	"database/sql"
	"time"

	"github.com/user/tx/internal/idgen"
	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
)

// Registry owns the workers table.
type Registry struct {
	store       *store.Store
	poolSize    int
	deadAfter   int // missed heartbeats before a worker is considered dead
	heartbeatIv time.Duration
}

// New returns a Registry backed by s. poolSize caps the number of
// simultaneously registered, non-dead workers; deadAfter is the number of
// missed heartbeat intervals (at heartbeatInterval each) that mark a
// worker dead.
func New(s *store.Store, poolSize, deadAfter int, heartbeatInterval time.Duration) *Registry {
	return &Registry{store: s, poolSize: poolSize, deadAfter: deadAfter, heartbeatIv: heartbeatInterval}
}

// Register adds a new worker, rejecting the call if the orchestrator is
// not running or the pool is already at capacity.
func (r *Registry) Register(ctx context.Context, name, hostname string, pid int, capabilities []string) (*model.Worker, error) {
	if name == "" {
		return nil, &ValidationError{Reason: "name must not be empty"}
	}
	w := &model.Worker{
		ID:            idgen.Worker(),
		Name:          name,
		Hostname:      hostname,
		PID:           sql.NullInt64{Int64: int64(pid), Valid: pid != 0},
		Status:        model.WorkerStatusStarting,
		RegisteredAt:  model.NowUTC(),
		LastHeartbeat: model.NowUTC(),
		Capabilities:  capabilities,
		Metrics:       map[string]any{},
	}
	err := r.store.Transact(ctx, func(tx *sql.Tx) error {
		running, err := orchestratorRunning(ctx, tx)
		if err != nil {
			return err
		}
		if !running {
			return &RegistrationError{Reason: "orchestrator is not running"}
		}
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM workers WHERE status != ?`, model.WorkerStatusDead).Scan(&count); err != nil {
			return err
		}
		if count >= r.poolSize {
			return &RegistrationError{Reason: "pool_full"}
		}
		meta, err := model.EncodeMetadata(w.Metrics)
		if err != nil {
			return err
		}
		caps, err := model.EncodeStringList(w.Capabilities)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workers (id, name, hostname, pid, status, registered_at, last_heartbeat, current_task_id, capabilities, metrics)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
			w.ID, w.Name, w.Hostname, w.PID, w.Status,
			model.FormatTimestamp(w.RegisteredAt), model.FormatTimestamp(w.LastHeartbeat), caps, meta,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func orchestratorRunning(ctx context.Context, tx *sql.Tx) (bool, error) {
	var running int
	if err := tx.QueryRowContext(ctx, `SELECT running FROM orchestrator_state WHERE id = 1`).Scan(&running); err != nil {
		return false, err
	}
	return running != 0, nil
}

// Deregister removes a worker entirely.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	res, err := r.store.SQL().ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// Heartbeat records liveness for worker id: last_heartbeat_at, status, and
// current_task_id all move atomically, and metrics replaces the stored
// metrics.
func (r *Registry) Heartbeat(ctx context.Context, id, status, currentTaskID string, metrics map[string]any) error {
	meta, err := model.EncodeMetadata(metrics)
	if err != nil {
		return err
	}
	res, err := r.store.SQL().ExecContext(ctx, `
		UPDATE workers SET last_heartbeat = ?, status = ?, current_task_id = ?, metrics = ? WHERE id = ?`,
		model.FormatTimestamp(model.NowUTC()), status, model.NullIfEmpty(currentTaskID), meta, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// Get fetches a worker by id.
func (r *Registry) Get(ctx context.Context, id string) (*model.Worker, error) {
	row := r.store.SQL().QueryRowContext(ctx, `
		SELECT id, name, hostname, pid, status, registered_at, last_heartbeat, current_task_id, capabilities, metrics
		FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

// FindDead returns the ids of non-dead workers whose last heartbeat is
// older than deadAfter missed intervals.
func (r *Registry) FindDead(ctx context.Context, now time.Time) ([]string, error) {
	threshold := now.Add(-time.Duration(r.deadAfter) * r.heartbeatIv)
	rows, err := r.store.SQL().QueryContext(ctx, `
		SELECT id FROM workers WHERE status != ? AND last_heartbeat < ?`,
		model.WorkerStatusDead, model.FormatTimestamp(threshold))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkDead flags a worker as dead without deleting its row, preserving its
// claim/run history for audit.
func (r *Registry) MarkDead(ctx context.Context, id string) error {
	return r.store.Transact(ctx, func(tx *sql.Tx) error {
		return r.MarkDeadTx(ctx, tx, id)
	})
}

// MarkDeadTx is MarkDead's tx-scoped form, for callers (the orchestrator's
// dead-worker sweep) that must combine it with another write in one
// transaction.
func (r *Registry) MarkDeadTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workers SET status = ? WHERE id = ?`, model.WorkerStatusDead, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// Count returns the number of currently non-dead workers.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var count int
	err := r.store.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM workers WHERE status != ?`, model.WorkerStatusDead).Scan(&count)
	return count, err
}

func scanWorker(row *sql.Row) (*model.Worker, error) {
	var w model.Worker
	var registered, heartbeat, caps, meta string
	var currentTaskID sql.NullString
	if err := row.Scan(&w.ID, &w.Name, &w.Hostname, &w.PID, &w.Status, &registered, &heartbeat, &currentTaskID, &caps, &meta); err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{}
		}
		return nil, err
	}
	w.CurrentTaskID = currentTaskID
	var err error
	if w.RegisteredAt, err = model.ParseTimestamp(registered); err != nil {
		return nil, err
	}
	if w.LastHeartbeat, err = model.ParseTimestamp(heartbeat); err != nil {
		return nil, err
	}
	if w.Capabilities, err = model.DecodeStringList(caps); err != nil {
		return nil, err
	}
	if w.Metrics, err = model.DecodeMetadata(meta); err != nil {
		return nil, err
	}
	return &w, nil
}
