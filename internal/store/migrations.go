package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/user/tx/internal/model"
)

// migration is one forward schema step, applied in order inside a single
// transaction — the same shape as the teacher repo's internal/db
// migration struct, generalized from its ad hoc "_meta" key-value row to
// the literal schema_version table spec.md §6 names.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial task graph and worker schema",
		sql: `
CREATE TABLE tasks (
	id           TEXT PRIMARY KEY,
	parent_id    TEXT REFERENCES tasks(id),
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	completed_at TEXT,
	metadata     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX idx_tasks_status ON tasks(status);
CREATE INDEX idx_tasks_parent ON tasks(parent_id);

CREATE TABLE dependencies (
	task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	blocker_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	created_at TEXT NOT NULL,
	PRIMARY KEY (task_id, blocker_id)
);
CREATE INDEX idx_dependencies_blocker ON dependencies(blocker_id);

CREATE TABLE workers (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	hostname        TEXT NOT NULL DEFAULT '',
	pid             INTEGER,
	status          TEXT NOT NULL DEFAULT 'starting',
	registered_at   TEXT NOT NULL,
	last_heartbeat  TEXT NOT NULL,
	current_task_id TEXT REFERENCES tasks(id),
	capabilities    TEXT NOT NULL DEFAULT '[]',
	metrics         TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX idx_workers_status ON workers(status);

CREATE TABLE task_claims (
	id               TEXT PRIMARY KEY,
	task_id          TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	worker_id        TEXT NOT NULL REFERENCES workers(id) ON DELETE CASCADE,
	status           TEXT NOT NULL,
	claimed_at       TEXT NOT NULL,
	lease_expires_at TEXT NOT NULL,
	renewed_count    INTEGER NOT NULL DEFAULT 0,
	max_renewals     INTEGER NOT NULL
);
CREATE UNIQUE INDEX idx_task_claims_one_active ON task_claims(task_id) WHERE status = 'active';
CREATE INDEX idx_task_claims_worker ON task_claims(worker_id) WHERE status = 'active';
`,
	},
	{
		version: 2,
		name:    "runs and heartbeats",
		sql: `
CREATE TABLE runs (
	id              TEXT PRIMARY KEY,
	task_id         TEXT REFERENCES tasks(id) ON DELETE CASCADE,
	worker_id       TEXT NOT NULL REFERENCES workers(id) ON DELETE CASCADE,
	agent           TEXT NOT NULL DEFAULT '',
	pid             INTEGER,
	status          TEXT NOT NULL,
	started_at      TEXT NOT NULL,
	ended_at        TEXT,
	exit_code       INTEGER,
	stdout_path     TEXT,
	stderr_path     TEXT,
	transcript_path TEXT,
	summary         TEXT,
	error_message   TEXT,
	metadata        TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX idx_runs_task ON runs(task_id);
CREATE INDEX idx_runs_status ON runs(status);

CREATE TABLE run_heartbeats (
	run_id           TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	at               TEXT NOT NULL,
	stdout_bytes     INTEGER NOT NULL DEFAULT 0,
	stderr_bytes     INTEGER NOT NULL DEFAULT 0,
	transcript_bytes INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, at)
);
`,
	},
	{
		version: 3,
		name:    "learnings and full text search",
		sql: `
CREATE TABLE learnings (
	id            TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT '',
	embedding     BLOB,
	embedding_dim INTEGER,
	outcome_score REAL NOT NULL DEFAULT 0.5,
	usage_count   INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE VIRTUAL TABLE learnings_fts USING fts5(
	content,
	content = 'learnings',
	content_rowid = 'rowid'
);

CREATE TRIGGER learnings_ai AFTER INSERT ON learnings BEGIN
	INSERT INTO learnings_fts(rowid, content) VALUES (new.rowid, new.content);
END;
CREATE TRIGGER learnings_ad AFTER DELETE ON learnings BEGIN
	INSERT INTO learnings_fts(learnings_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;
CREATE TRIGGER learnings_au AFTER UPDATE ON learnings BEGIN
	INSERT INTO learnings_fts(learnings_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO learnings_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`,
	},
	{
		version: 4,
		name:    "typed edges and orchestrator state",
		sql: `
CREATE TABLE edges (
	id             TEXT PRIMARY KEY,
	from_type      TEXT NOT NULL,
	from_id        TEXT NOT NULL,
	to_type        TEXT NOT NULL,
	to_id          TEXT NOT NULL,
	edge_type      TEXT NOT NULL,
	weight         REAL NOT NULL DEFAULT 1.0,
	created_at     TEXT NOT NULL,
	invalidated_at TEXT
);
CREATE INDEX idx_edges_from ON edges(from_type, from_id) WHERE invalidated_at IS NULL;
CREATE INDEX idx_edges_to ON edges(to_type, to_id) WHERE invalidated_at IS NULL;
CREATE INDEX idx_edges_type ON edges(edge_type) WHERE invalidated_at IS NULL;

CREATE TABLE orchestrator_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	running    INTEGER NOT NULL DEFAULT 0,
	started_at TEXT,
	stopped_at TEXT
);
INSERT INTO orchestrator_state (id, running) VALUES (1, 0);
`,
	},
}

// runMigrations applies every migration with a version greater than the
// currently recorded schema_version, all inside one transaction, mirroring
// the teacher repo's RunMigrations.
func runMigrations(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure schema_version: %w", err)
	}

	current := 0
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			m.version, model.FormatTimestamp(model.NowUTC()),
		); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}

	return tx.Commit()
}
