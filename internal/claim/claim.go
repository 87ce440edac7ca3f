// Package claim implements the exclusive, time-bounded lease protocol
// workers use to claim tasks. Exclusivity is enforced by the
// task_claims(task_id) WHERE status='active' unique partial index created
// in internal/store/migrations.go — the engine's sole concurrency
// primitive, per spec.md §5 — rather than an in-memory lock. Renewal is an
// atomic check-and-set inside one store.Transact call, grounded on the
// TTL/fencing-token reasoning in the lease-manager example (adapted from a
// watch-based KV store to this SQL unique-index mechanism).
package claim

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/user/tx/internal/idgen"
	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
)

// Manager owns the task_claims table.
type Manager struct {
	store        *store.Store
	leaseDur     time.Duration
	maxRenewals  int
}

// New returns a Manager backed by s, leasing for leaseDuration and
// allowing at most maxRenewals renewals per claim.
func New(s *store.Store, leaseDuration time.Duration, maxRenewals int) *Manager {
	return &Manager{store: s, leaseDur: leaseDuration, maxRenewals: maxRenewals}
}

// Claim attempts to exclusively claim taskID for workerID, moving the task
// to the active status and the worker to busy, all in the same
// transaction. The unique partial index on task_claims(task_id) WHERE
// status='active' is what actually enforces exclusivity; this method turns
// the resulting constraint violation into an AlreadyClaimedError.
func (m *Manager) Claim(ctx context.Context, taskID, workerID string) (*model.Claim, error) {
	c := &model.Claim{
		ID:             idgen.New(),
		TaskID:         taskID,
		WorkerID:       workerID,
		Status:         model.ClaimStatusActive,
		ClaimedAt:      model.NowUTC(),
		LeaseExpiresAt: model.NowUTC().Add(m.leaseDur),
		RenewedCount:   0,
		MaxRenewals:    m.maxRenewals,
	}

	err := m.store.Transact(ctx, func(tx *sql.Tx) error {
		var workerStatus string
		err := tx.QueryRowContext(ctx, `SELECT status FROM workers WHERE id = ?`, workerID).Scan(&workerStatus)
		if errors.Is(err, sql.ErrNoRows) {
			return &WorkerNotFoundError{WorkerID: workerID}
		}
		if err != nil {
			return err
		}
		if workerStatus == model.WorkerStatusDead {
			return &WorkerNotFoundError{WorkerID: workerID}
		}

		var taskExists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&taskExists)
		if errors.Is(err, sql.ErrNoRows) {
			return &TaskNotFoundError{TaskID: taskID}
		}
		if err != nil {
			return err
		}

		var existingWorker string
		err = tx.QueryRowContext(ctx, `
			SELECT worker_id FROM task_claims WHERE task_id = ? AND status = ?`,
			taskID, model.ClaimStatusActive,
		).Scan(&existingWorker)
		switch {
		case err == nil:
			return &AlreadyClaimedError{TaskID: taskID, ClaimedBy: existingWorker}
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_claims (id, task_id, worker_id, status, claimed_at, lease_expires_at, renewed_count, max_renewals)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			c.ID, c.TaskID, c.WorkerID, c.Status,
			model.FormatTimestamp(c.ClaimedAt), model.FormatTimestamp(c.LeaseExpiresAt), c.MaxRenewals,
		)
		if isUniqueConstraintErr(err) {
			return &AlreadyClaimedError{TaskID: taskID}
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
			model.StatusActive, model.FormatTimestamp(model.NowUTC()), taskID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &TaskNotFoundError{TaskID: taskID}
		}

		_, err = tx.ExecContext(ctx, `UPDATE workers SET current_task_id = ?, status = ? WHERE id = ?`,
			taskID, model.WorkerStatusBusy, workerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Renew extends the lease on the active claim for (taskID, workerID),
// atomically checking that such a claim exists, is unexpired, and is
// under its renewal cap before extending it.
func (m *Manager) Renew(ctx context.Context, taskID, workerID string) (*model.Claim, error) {
	var out *model.Claim
	err := m.store.Transact(ctx, func(tx *sql.Tx) error {
		c, err := scanClaim(tx.QueryRowContext(ctx, `
			SELECT id, task_id, worker_id, status, claimed_at, lease_expires_at, renewed_count, max_renewals
			FROM task_claims WHERE task_id = ? AND worker_id = ? AND status = ?`,
			taskID, workerID, model.ClaimStatusActive))
		if err != nil {
			if _, ok := err.(*NotFoundError); ok {
				return &ClaimNotFoundError{TaskID: taskID, WorkerID: workerID}
			}
			return err
		}
		now := model.NowUTC()
		if !now.Before(c.LeaseExpiresAt) {
			return &LeaseExpiredError{ClaimID: c.ID}
		}
		if c.RenewedCount >= c.MaxRenewals {
			return &MaxRenewalsExceededError{ClaimID: c.ID, MaxRenewals: c.MaxRenewals}
		}

		newExpiry := now.Add(m.leaseDur)
		res, err := tx.ExecContext(ctx, `
			UPDATE task_claims SET lease_expires_at = ?, renewed_count = renewed_count + 1
			WHERE id = ? AND status = ? AND renewed_count = ?`,
			model.FormatTimestamp(newExpiry), c.ID, model.ClaimStatusActive, c.RenewedCount)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race to a concurrent renew/release between the
			// read above and this write.
			return &LeaseExpiredError{ClaimID: c.ID}
		}
		c.LeaseExpiresAt = newExpiry
		c.RenewedCount++
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Release flips the active claim for (taskID, workerID) to released,
// clears the worker's current_task_id, and sets it idle. Idempotent-for-
// missing: fails with ClaimNotFoundError only if no such active pair
// existed.
func (m *Manager) Release(ctx context.Context, taskID, workerID string) error {
	return m.store.Transact(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE task_claims SET status = ? WHERE task_id = ? AND worker_id = ? AND status = ?`,
			model.ClaimStatusReleased, taskID, workerID, model.ClaimStatusActive)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &ClaimNotFoundError{TaskID: taskID, WorkerID: workerID}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE workers SET current_task_id = NULL, status = ? WHERE id = ?`,
			model.WorkerStatusIdle, workerID)
		return err
	})
}

// ReleaseByWorker releases every active claim held by workerID and clears
// its current_task_id, returning the released claim ids. Used on worker
// shutdown and on dead-worker reclamation.
func (m *Manager) ReleaseByWorker(ctx context.Context, workerID string) ([]string, error) {
	var released []string
	err := m.store.Transact(ctx, func(tx *sql.Tx) error {
		ids, err := m.ReleaseByWorkerTx(ctx, tx, workerID)
		released = ids
		return err
	})
	return released, err
}

// ReleaseByWorkerTx is ReleaseByWorker's tx-scoped form, for callers (the
// orchestrator's dead-worker sweep) that must combine it with another
// write in one transaction.
func (m *Manager) ReleaseByWorkerTx(ctx context.Context, tx *sql.Tx, workerID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM task_claims WHERE worker_id = ? AND status = ?`, workerID, model.ClaimStatusActive)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE task_claims SET status = ? WHERE id = ?`, model.ClaimStatusReleased, id); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workers SET current_task_id = NULL WHERE id = ?`, workerID); err != nil {
		return nil, err
	}
	return ids, nil
}

// SweepExpired marks every active claim whose lease has run out
// (lease_expires_at at or before now) as expired, clearing current_task_id
// on each owning worker if it still points at the freed task, and returns
// the freed task ids.
func (m *Manager) SweepExpired(ctx context.Context) ([]string, error) {
	var freed []string
	err := m.store.Transact(ctx, func(tx *sql.Tx) error {
		now := model.FormatTimestamp(model.NowUTC())
		rows, err := tx.QueryContext(ctx, `
			SELECT id, task_id, worker_id FROM task_claims WHERE status = ? AND lease_expires_at <= ?`,
			model.ClaimStatusActive, now)
		if err != nil {
			return err
		}
		type expired struct{ id, taskID, workerID string }
		var rows_ []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.taskID, &e.workerID); err != nil {
				rows.Close()
				return err
			}
			rows_ = append(rows_, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range rows_ {
			if _, err := tx.ExecContext(ctx, `UPDATE task_claims SET status = ? WHERE id = ?`, model.ClaimStatusExpired, e.id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE workers SET current_task_id = NULL WHERE id = ? AND current_task_id = ?`,
				e.workerID, e.taskID); err != nil {
				return err
			}
			freed = append(freed, e.taskID)
		}
		return nil
	})
	return freed, err
}

// GetActiveClaim returns the active claim for taskID, or nil if none
// exists.
func (m *Manager) GetActiveClaim(ctx context.Context, taskID string) (*model.Claim, error) {
	c, err := scanClaim(m.store.SQL().QueryRowContext(ctx, `
		SELECT id, task_id, worker_id, status, claimed_at, lease_expires_at, renewed_count, max_renewals
		FROM task_claims WHERE task_id = ? AND status = ?`, taskID, model.ClaimStatusActive))
	if err != nil {
		if _, ok := err.(*NotFoundError); ok {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// Get fetches a claim by id.
func (m *Manager) Get(ctx context.Context, id string) (*model.Claim, error) {
	return scanClaim(m.store.SQL().QueryRowContext(ctx, `
		SELECT id, task_id, worker_id, status, claimed_at, lease_expires_at, renewed_count, max_renewals
		FROM task_claims WHERE id = ?`, id))
}

func scanClaim(row *sql.Row) (*model.Claim, error) {
	var c model.Claim
	var claimedAt, expiresAt string
	if err := row.Scan(&c.ID, &c.TaskID, &c.WorkerID, &c.Status, &claimedAt, &expiresAt, &c.RenewedCount, &c.MaxRenewals); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{}
		}
		return nil, err
	}
	var err error
	if c.ClaimedAt, err = model.ParseTimestamp(claimedAt); err != nil {
		return nil, err
	}
	if c.LeaseExpiresAt, err = model.ParseTimestamp(expiresAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint violations with this
	// substring; matching on it avoids importing the driver's internal
	// error type here.
	return containsUniqueConstraint(err.Error())
}

func containsUniqueConstraint(msg string) bool {
	const needle = "UNIQUE constraint failed"
	for i := 0; i+len(needle) <= len(msg); i++ {
		if msg[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
