// Package ready computes the set of tasks eligible to be claimed and
// worked on. Per spec.md §4.3 this is a single SQL join, not a cached
// table — grounded on the beads-family example schemas' blocked_issues
// VIEW idea, expressed here as a direct query against tasks, dependencies,
// and task_claims.
package ready

import (
	"context"
	"database/sql"

	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
)

// Computer answers "which tasks are ready to claim right now?"
type Computer struct {
	store *store.Store
}

// New returns a Computer backed by s.
func New(s *store.Store) *Computer {
	return &Computer{store: s}
}

// Options controls the ready query.
type Options struct {
	// IncludeClaimed, when true, also returns tasks that already have an
	// active claim. Defaults to false (excludes actively-claimed tasks).
	IncludeClaimed bool
	Limit          int
}

// List returns the tasks eligible for claiming: status in
// {backlog, ready, planning}, every blocker (if any) is done, and — unless
// IncludeClaimed is set — no active claim currently holds the task.
func (c *Computer) List(ctx context.Context, opts Options) ([]*model.Task, error) {
	query := `
		SELECT t.id, t.parent_id, t.title, t.description, t.status, t.priority, t.created_at, t.updated_at, t.completed_at, t.metadata
		FROM tasks t
		WHERE t.status IN (?, ?, ?)
		  AND NOT EXISTS (
			SELECT 1 FROM dependencies d
			JOIN tasks blocker ON blocker.id = d.blocker_id
			WHERE d.task_id = t.id AND blocker.status != ?
		  )`
	args := []any{model.StatusBacklog, model.StatusReady, model.StatusPlanning, model.StatusDone}

	if !opts.IncludeClaimed {
		query += `
		  AND NOT EXISTS (
			SELECT 1 FROM task_claims tc WHERE tc.task_id = t.id AND tc.status = ?
		  )`
		args = append(args, model.ClaimStatusActive)
	}

	query += ` ORDER BY t.priority DESC, t.id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := c.store.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var t model.Task
		var created, updated, meta string
		var completed sql.NullString
		if err := rows.Scan(&t.ID, &t.ParentID, &t.Title, &t.Description, &t.Status, &t.Priority, &created, &updated, &completed, &meta); err != nil {
			return nil, err
		}
		var perr error
		if t.CreatedAt, perr = model.ParseTimestamp(created); perr != nil {
			return nil, perr
		}
		if t.UpdatedAt, perr = model.ParseTimestamp(updated); perr != nil {
			return nil, perr
		}
		if t.CompletedAt, perr = model.ParseNullTime(completed); perr != nil {
			return nil, perr
		}
		if t.Metadata, perr = model.DecodeMetadata(meta); perr != nil {
			return nil, perr
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// IsReady reports whether a single task id is currently ready, without
// listing the whole set.
func (c *Computer) IsReady(ctx context.Context, taskID string) (bool, error) {
	var exists int
	err := c.store.SQL().QueryRowContext(ctx, `
		SELECT 1 FROM tasks t
		WHERE t.id = ?
		  AND t.status IN (?, ?, ?)
		  AND NOT EXISTS (
			SELECT 1 FROM dependencies d
			JOIN tasks blocker ON blocker.id = d.blocker_id
			WHERE d.task_id = t.id AND blocker.status != ?
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM task_claims tc WHERE tc.task_id = t.id AND tc.status = ?
		  )`,
		taskID, model.StatusBacklog, model.StatusReady, model.StatusPlanning, model.StatusDone, model.ClaimStatusActive,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
