// Package taskgraph implements the task DAG and lifecycle state machine:
// creation, the blocker dependency graph (with cycle rejection), parent/child
// hierarchy traversal, and status transitions. Grounded on the teacher
// repo's internal/db/task_repo.go CRUD style and the beads-family example
// schemas' dependencies-table shape, generalized to a Go BFS cycle check
// per spec.md §9's "no in-memory pointer graph" design note.
package taskgraph

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/user/tx/internal/idgen"
	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
)

// TaskGraph owns the tasks and dependencies tables.
type TaskGraph struct {
	store *store.Store
}

// New returns a TaskGraph backed by s.
func New(s *store.Store) *TaskGraph {
	return &TaskGraph{store: s}
}

// validTransitions lists the allowed next statuses for each current status.
// done -> backlog is deliberately absent here; it is only reachable through
// Reopen, per the Open Question resolved in DESIGN.md.
var validTransitions = map[string]map[string]bool{
	model.StatusBacklog: {
		model.StatusReady: true, model.StatusPlanning: true, model.StatusActive: true,
		model.StatusBlocked: true, model.StatusDone: true,
	},
	model.StatusReady: {
		model.StatusPlanning: true, model.StatusActive: true, model.StatusBlocked: true,
		model.StatusDone: true,
	},
	model.StatusPlanning: {
		model.StatusActive: true, model.StatusBlocked: true, model.StatusDone: true,
		model.StatusReady: true,
	},
	model.StatusActive: {
		model.StatusReview: true, model.StatusBlocked: true, model.StatusDone: true,
	},
	model.StatusBlocked: {
		model.StatusBacklog: true, model.StatusReady: true, model.StatusPlanning: true,
		model.StatusActive: true,
	},
	model.StatusReview: {
		model.StatusDone: true, model.StatusActive: true, model.StatusHumanNeedsToReview: true,
	},
	model.StatusHumanNeedsToReview: {
		model.StatusDone: true, model.StatusActive: true, model.StatusReview: true,
	},
	model.StatusDone: {}, // reopening is explicit-only, see Reopen
}

// Patch describes a partial update to a task; nil fields are left
// unchanged.
type Patch struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *int
	Metadata    map[string]any
}

// Create inserts a new task in the backlog status.
func (g *TaskGraph) Create(ctx context.Context, title, description, parentID string, priority int) (*model.Task, error) {
	if title == "" {
		return nil, &ValidationError{Reason: "title must not be empty"}
	}
	t := &model.Task{
		ID:          idgen.Task(),
		ParentID:    model.NullIfEmpty(parentID),
		Title:       title,
		Description: description,
		Status:      model.StatusBacklog,
		Priority:    priority,
		CreatedAt:   model.NowUTC(),
		UpdatedAt:   model.NowUTC(),
		Metadata:    map[string]any{},
	}

	err := g.store.Transact(ctx, func(tx *sql.Tx) error {
		if parentID != "" {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, parentID).Scan(&exists); err != nil {
				if err == sql.ErrNoRows {
					return &NotFoundError{ID: parentID}
				}
				return err
			}
		}
		meta, err := model.EncodeMetadata(t.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, parent_id, title, description, status, priority, created_at, updated_at, completed_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
			t.ID, t.ParentID, t.Title, t.Description, t.Status, t.Priority,
			model.FormatTimestamp(t.CreatedAt), model.FormatTimestamp(t.UpdatedAt), meta,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("taskgraph: create: %w", err)
	}
	return t, nil
}

// Get fetches a task by id.
func (g *TaskGraph) Get(ctx context.Context, id string) (*model.Task, error) {
	row := g.store.SQL().QueryRowContext(ctx, `
		SELECT id, parent_id, title, description, status, priority, created_at, updated_at, completed_at, metadata
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// Update applies patch to task id. Attempting status=done... -> backlog
// through this generic path is rejected; callers must use Reopen.
func (g *TaskGraph) Update(ctx context.Context, id string, patch Patch) (*model.Task, error) {
	var result *model.Task
	err := g.store.Transact(ctx, func(tx *sql.Tx) error {
		current, err := scanTask(tx.QueryRowContext(ctx, `
			SELECT id, parent_id, title, description, status, priority, created_at, updated_at, completed_at, metadata
			FROM tasks WHERE id = ?`, id))
		if err != nil {
			return err
		}

		title, description, status, priority := current.Title, current.Description, current.Status, current.Priority
		metadata := current.Metadata
		completedAt := current.CompletedAt
		if patch.Title != nil {
			title = *patch.Title
		}
		if patch.Description != nil {
			description = *patch.Description
		}
		if patch.Priority != nil {
			priority = *patch.Priority
		}
		if patch.Metadata != nil {
			metadata = patch.Metadata
		}
		if patch.Status != nil && *patch.Status != current.Status {
			if current.Status == model.StatusDone && *patch.Status == model.StatusBacklog {
				return &ValidationError{Reason: "done -> backlog is not allowed through Update; use Reopen"}
			}
			if !validTransitions[current.Status][*patch.Status] {
				return &ValidationError{Reason: fmt.Sprintf("invalid transition %s -> %s", current.Status, *patch.Status)}
			}
			status = *patch.Status
			if status == model.StatusDone {
				completedAt = sql.NullTime{Time: model.NowUTC(), Valid: true}
			} else {
				completedAt = sql.NullTime{}
			}
		}

		meta, err := model.EncodeMetadata(metadata)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, metadata = ?, updated_at = ?, completed_at = ?
			WHERE id = ?`,
			title, description, status, priority, meta, model.FormatTimestamp(model.NowUTC()), model.FormatNullTime(completedAt), id,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{ID: id}
		}
		result, err = scanTask(tx.QueryRowContext(ctx, `
			SELECT id, parent_id, title, description, status, priority, created_at, updated_at, completed_at, metadata
			FROM tasks WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reopen is the sole path back from done to backlog: an explicit,
// human-or-agent-initiated call, never an implicit side effect of Update.
func (g *TaskGraph) Reopen(ctx context.Context, id string) (*model.Task, error) {
	var result *model.Task
	err := g.store.Transact(ctx, func(tx *sql.Tx) error {
		current, err := scanTask(tx.QueryRowContext(ctx, `
			SELECT id, parent_id, title, description, status, priority, created_at, updated_at, completed_at, metadata
			FROM tasks WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if current.Status != model.StatusDone {
			return &ValidationError{Reason: fmt.Sprintf("Reopen requires status done, got %s", current.Status)}
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ?, completed_at = NULL WHERE id = ?`,
			model.StatusBacklog, model.FormatTimestamp(model.NowUTC()), id)
		if err != nil {
			return err
		}
		result, err = scanTask(tx.QueryRowContext(ctx, `
			SELECT id, parent_id, title, description, status, priority, created_at, updated_at, completed_at, metadata
			FROM tasks WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AddBlocker makes taskID depend on blockerID, rejecting the edge if it
// would create a cycle. The check walks blockerID's own blocker chain
// breadth-first looking for taskID, rather than building an in-memory
// pointer graph, per spec.md §9.
func (g *TaskGraph) AddBlocker(ctx context.Context, taskID, blockerID string) error {
	if taskID == blockerID {
		return &CycleError{TaskID: taskID, BlockerID: blockerID}
	}
	return g.store.Transact(ctx, func(tx *sql.Tx) error {
		for _, id := range []string{taskID, blockerID} {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists); err != nil {
				if err == sql.ErrNoRows {
					return &NotFoundError{ID: id}
				}
				return err
			}
		}

		cyclic, err := blockerChainContains(ctx, tx, blockerID, taskID)
		if err != nil {
			return err
		}
		if cyclic {
			return &CycleError{TaskID: taskID, BlockerID: blockerID}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO dependencies (task_id, blocker_id, created_at) VALUES (?, ?, ?)`,
			taskID, blockerID, model.FormatTimestamp(model.NowUTC()))
		return err
	})
}

// blockerChainContains reports whether target appears anywhere in start's
// transitive blocker chain (start's blockers, their blockers, and so on).
func blockerChainContains(ctx context.Context, tx *sql.Tx, start, target string) (bool, error) {
	visited := map[string]bool{start: true}
	frontier := []string{start}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			rows, err := tx.QueryContext(ctx, `SELECT blocker_id FROM dependencies WHERE task_id = ?`, id)
			if err != nil {
				return false, err
			}
			for rows.Next() {
				var blockerID string
				if err := rows.Scan(&blockerID); err != nil {
					rows.Close()
					return false, err
				}
				if blockerID == target {
					rows.Close()
					return true, nil
				}
				if !visited[blockerID] {
					visited[blockerID] = true
					next = append(next, blockerID)
				}
			}
			rows.Close()
		}
		frontier = next
	}
	return false, nil
}

// RemoveBlocker removes the blocker edge, if present.
func (g *TaskGraph) RemoveBlocker(ctx context.Context, taskID, blockerID string) error {
	_, err := g.store.SQL().ExecContext(ctx, `DELETE FROM dependencies WHERE task_id = ? AND blocker_id = ?`, taskID, blockerID)
	return err
}

// ListBlockers returns the tasks directly blocking taskID.
func (g *TaskGraph) ListBlockers(ctx context.Context, taskID string) ([]*model.Task, error) {
	rows, err := g.store.SQL().QueryContext(ctx, `
		SELECT t.id, t.parent_id, t.title, t.description, t.status, t.priority, t.created_at, t.updated_at, t.completed_at, t.metadata
		FROM tasks t JOIN dependencies d ON d.blocker_id = t.id
		WHERE d.task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Tree returns every descendant of rootID (not including rootID itself),
// walked by repeated indexed parent_id lookups rather than a recursive SQL
// CTE, keeping the engine portable to any database/sql backend.
func (g *TaskGraph) Tree(ctx context.Context, rootID string) ([]*model.Task, error) {
	var out []*model.Task
	frontier := []string{rootID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			rows, err := g.store.SQL().QueryContext(ctx, `
				SELECT id, parent_id, title, description, status, priority, created_at, updated_at, completed_at, metadata
				FROM tasks WHERE parent_id = ?`, id)
			if err != nil {
				return nil, err
			}
			children, err := scanTasks(rows)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				out = append(out, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// Ancestors returns the chain of parents from id's immediate parent up to
// the root, nearest first.
func (g *TaskGraph) Ancestors(ctx context.Context, id string) ([]*model.Task, error) {
	var out []*model.Task
	current := id
	for {
		t, err := g.Get(ctx, current)
		if err != nil {
			return nil, err
		}
		if !t.ParentID.Valid {
			return out, nil
		}
		parent, err := g.Get(ctx, t.ParentID.String)
		if err != nil {
			return nil, err
		}
		out = append(out, parent)
		current = parent.ID
	}
}

func scanTask(row *sql.Row) (*model.Task, error) {
	var t model.Task
	var created, updated, meta string
	var completed sql.NullString
	if err := row.Scan(&t.ID, &t.ParentID, &t.Title, &t.Description, &t.Status, &t.Priority, &created, &updated, &completed, &meta); err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{}
		}
		return nil, err
	}
	return finishTask(&t, created, updated, completed, meta)
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var out []*model.Task
	for rows.Next() {
		var t model.Task
		var created, updated, meta string
		var completed sql.NullString
		if err := rows.Scan(&t.ID, &t.ParentID, &t.Title, &t.Description, &t.Status, &t.Priority, &created, &updated, &completed, &meta); err != nil {
			return nil, err
		}
		full, err := finishTask(&t, created, updated, completed, meta)
		if err != nil {
			return nil, err
		}
		out = append(out, full)
	}
	return out, rows.Err()
}

func finishTask(t *model.Task, created, updated string, completed sql.NullString, meta string) (*model.Task, error) {
	var err error
	if t.CreatedAt, err = model.ParseTimestamp(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = model.ParseTimestamp(updated); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = model.ParseNullTime(completed); err != nil {
		return nil, err
	}
	if t.Metadata, err = model.DecodeMetadata(meta); err != nil {
		return nil, err
	}
	return t, nil
}
