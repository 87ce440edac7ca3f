// Package model holds the shared entity structs used across tx's
// components, plus the small set of encode/decode and timestamp helpers
// every repo-style component needs — generalized from the teacher repo's
// internal/db/models.go.
package model

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Task statuses, per the lifecycle state machine.
const (
	StatusBacklog              = "backlog"
	StatusReady                = "ready"
	StatusPlanning             = "planning"
	StatusActive               = "active"
	StatusBlocked              = "blocked"
	StatusReview               = "review"
	StatusHumanNeedsToReview   = "human_needs_to_review"
	StatusDone                 = "done"
)

// Task is a unit of work in the task graph.
type Task struct {
	ID          string
	ParentID    sql.NullString
	Title       string
	Description string
	Status      string
	Priority    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt sql.NullTime
	Metadata    map[string]any
}

// Dependency records that Task.ID is blocked by BlockerID until BlockerID
// reaches StatusDone.
type Dependency struct {
	TaskID    string
	BlockerID string
	CreatedAt time.Time
}

// Worker status values, per the worker lifecycle.
const (
	WorkerStatusStarting = "starting"
	WorkerStatusIdle     = "idle"
	WorkerStatusBusy     = "busy"
	WorkerStatusStopping = "stopping"
	WorkerStatusDead     = "dead"
)

// Worker is a registered executor process.
type Worker struct {
	ID            string
	Name          string
	Hostname      string
	PID           sql.NullInt64
	Status        string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	CurrentTaskID sql.NullString
	Capabilities  []string
	Metrics       map[string]any
}

// Claim is an exclusive, time-bounded lease on a task held by a worker.
type Claim struct {
	ID             string
	TaskID         string
	WorkerID       string
	Status         string // "active", "released", or "expired"
	ClaimedAt      time.Time
	LeaseExpiresAt time.Time
	RenewedCount   int
	MaxRenewals    int
}

// Claim.Status values.
const (
	ClaimStatusActive   = "active"
	ClaimStatusReleased = "released"
	ClaimStatusExpired  = "expired"
)

// Run is one execution attempt of a task.
type Run struct {
	ID             string
	TaskID         sql.NullString
	WorkerID       string
	Agent          string
	PID            sql.NullInt64
	Status         string // "running", "completed", "failed", "timeout", "cancelled"
	StartedAt      time.Time
	EndedAt        sql.NullTime
	ExitCode       sql.NullInt64
	StdoutPath     sql.NullString
	StderrPath     sql.NullString
	TranscriptPath sql.NullString
	Summary        sql.NullString
	ErrorMessage   sql.NullString
	Metadata       map[string]any
}

// Run.Status values.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusTimeout   = "timeout"
	RunStatusCancelled = "cancelled"
)

// RunHeartbeat is a periodic liveness/activity signal for a run.
type RunHeartbeat struct {
	RunID        string
	At           time.Time
	StdoutBytes  int64
	StderrBytes  int64
	TranscriptBytes int64
}

// Learning is a retrievable unit of knowledge.
type Learning struct {
	ID           string
	Content      string
	Category     string
	Embedding    []float32
	OutcomeScore float64
	UsageCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Edge types, per the typed-edge graph.
const (
	EdgeAnchoredTo    = "ANCHORED_TO"
	EdgeDerivedFrom   = "DERIVED_FROM"
	EdgeImports       = "IMPORTS"
	EdgeCoChangesWith = "CO_CHANGES_WITH"
	EdgeSimilarTo     = "SIMILAR_TO"
	EdgeLinksTo       = "LINKS_TO"
	EdgeUsedInRun     = "USED_IN_RUN"
	EdgeInvalidatedBy = "INVALIDATED_BY"
)

// Entity types an Edge endpoint can reference.
const (
	EntityLearning = "learning"
	EntityFile     = "file"
	EntityTask     = "task"
	EntityRun      = "run"
)

// Edge is a typed, directed relationship between two entities.
type Edge struct {
	ID          string
	FromType    string
	FromID      string
	ToType      string
	ToID        string
	EdgeType    string
	Weight      float64
	CreatedAt   time.Time
	InvalidatedAt sql.NullTime
}

// OrchestratorState is the singleton row tracking the orchestrator's
// running/stopped state.
type OrchestratorState struct {
	Running   bool
	StartedAt sql.NullTime
	StoppedAt sql.NullTime
}

// NowUTC returns the current time truncated to second precision, matching
// the granularity stored in the database.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// FormatTimestamp renders t as RFC3339, the on-disk representation used
// throughout the store.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// FormatNullTime renders t as RFC3339 if valid, or nil (a SQL NULL)
// otherwise.
func FormatNullTime(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return FormatTimestamp(t.Time)
}

// ParseNullTime parses v into a NullTime, treating an invalid/absent scan
// value as NULL.
func ParseNullTime(v sql.NullString) (sql.NullTime, error) {
	if !v.Valid {
		return sql.NullTime{}, nil
	}
	t, err := ParseTimestamp(v.String)
	if err != nil {
		return sql.NullTime{}, err
	}
	return sql.NullTime{Time: t, Valid: true}, nil
}

// ParseTimestamp parses the RFC3339 on-disk representation back into a
// time.Time.
func ParseTimestamp(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, v)
}

// EncodeMetadata marshals an opaque metadata map to its on-disk JSON text
// form, returning "{}" for a nil or empty map.
func EncodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMetadata unmarshals the on-disk JSON text form back into a map,
// treating an empty string as an empty map.
func DecodeMetadata(v string) (map[string]any, error) {
	if v == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeStringList marshals a string slice to its on-disk JSON array form,
// returning "[]" for a nil or empty slice.
func EncodeStringList(v []string) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeStringList unmarshals the on-disk JSON array form back into a
// slice, treating an empty string as an empty slice.
func DecodeStringList(v string) ([]string, error) {
	if v == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NullIfEmpty mirrors the teacher's helper: an empty string becomes a SQL
// NULL rather than an empty-but-present value.
func NullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
