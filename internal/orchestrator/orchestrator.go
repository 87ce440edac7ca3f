// Package orchestrator is the singleton start/stop state machine that
// worker registration checks, and runs the dead-worker sweep. Per spec.md §9,
// background work is host-scheduler-driven, single-shot steps — not an
// embedded loop — so Step is meant to be called by whatever ticker the
// host process wires up (the teacher repo's cmd/agenterm/main.go shows
// exactly this shape: a ticker goroutine calling into a component method).
// The capacity gate itself lives in worker.Registry.Register and follows
// the cascading limit-check idiom from
// the teacher's internal/orchestrator/scheduler.go, reduced to the one
// limit this engine has (worker_pool_size).
package orchestrator

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/user/tx/internal/claim"
	"github.com/user/tx/internal/model"
	"github.com/user/tx/internal/store"
	"github.com/user/tx/internal/worker"
)

// NotRunningError reports that an operation requiring a running
// orchestrator was attempted while stopped.
type NotRunningError struct{}

func (e *NotRunningError) Error() string    { return "orchestrator: not running" }
func (e *NotRunningError) Validation() bool { return true }

// AlreadyRunningError reports a redundant Start call.
type AlreadyRunningError struct{}

func (e *AlreadyRunningError) Error() string    { return "orchestrator: already running" }
func (e *AlreadyRunningError) Validation() bool { return true }

// StepResult reports what a single Step call did, for logging.
type StepResult struct {
	DeadWorkers     []string
	ReleasedClaims  []string
	ExpiredClaims   []string
}

// Orchestrator owns the running/stopped state that worker registration
// checks, and performs the dead-worker and expired-claim sweeps.
type Orchestrator struct {
	store   *store.Store
	workers *worker.Registry
	claims  *claim.Manager
}

// New returns an Orchestrator wired to the given workers and claims
// components.
func New(s *store.Store, workers *worker.Registry, claims *claim.Manager) *Orchestrator {
	return &Orchestrator{store: s, workers: workers, claims: claims}
}

// Start flips the singleton orchestrator_state row to running.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.store.Transact(ctx, func(tx *sql.Tx) error {
		running, err := isRunning(ctx, tx)
		if err != nil {
			return err
		}
		if running {
			return &AlreadyRunningError{}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE orchestrator_state SET running = 1, started_at = ?, stopped_at = NULL WHERE id = 1`,
			model.FormatTimestamp(model.NowUTC()))
		return err
	})
}

// Stop flips the singleton state row to stopped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.store.Transact(ctx, func(tx *sql.Tx) error {
		running, err := isRunning(ctx, tx)
		if err != nil {
			return err
		}
		if !running {
			return &NotRunningError{}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE orchestrator_state SET running = 0, stopped_at = ? WHERE id = 1`,
			model.FormatTimestamp(model.NowUTC()))
		return err
	})
}

// Running reports the current singleton state.
func (o *Orchestrator) Running(ctx context.Context) (bool, error) {
	var running bool
	err := o.store.Transact(ctx, func(tx *sql.Tx) error {
		r, err := isRunning(ctx, tx)
		running = r
		return err
	})
	return running, err
}

// Step runs one dead-worker sweep and one expired-claim sweep, releasing
// every claim held by a newly-dead worker and every claim whose lease has
// independently lapsed — both inside a bounded set of transactions per
// spec.md §4.6's "both inside one transaction" requirement (dead-worker
// detection and its claim release share a transaction per worker found).
// If the orchestrator is stopped, Step does nothing and returns a
// NotRunningError.
func (o *Orchestrator) Step(ctx context.Context) (StepResult, error) {
	running, err := o.Running(ctx)
	if err != nil {
		return StepResult{}, err
	}
	if !running {
		return StepResult{}, &NotRunningError{}
	}

	var result StepResult
	dead, err := o.workers.FindDead(ctx, model.NowUTC())
	if err != nil {
		return StepResult{}, fmt.Errorf("orchestrator: find dead workers: %w", err)
	}
	for _, workerID := range dead {
		var released []string
		err := o.store.Transact(ctx, func(tx *sql.Tx) error {
			if err := o.workers.MarkDeadTx(ctx, tx, workerID); err != nil {
				return err
			}
			r, err := o.claims.ReleaseByWorkerTx(ctx, tx, workerID)
			released = r
			return err
		})
		if err != nil {
			return StepResult{}, fmt.Errorf("orchestrator: reap dead worker %s: %w", workerID, err)
		}
		result.DeadWorkers = append(result.DeadWorkers, workerID)
		result.ReleasedClaims = append(result.ReleasedClaims, released...)
	}

	expired, err := o.claims.SweepExpired(ctx)
	if err != nil {
		return StepResult{}, fmt.Errorf("orchestrator: sweep expired claims: %w", err)
	}
	result.ExpiredClaims = expired

	return result, nil
}

func isRunning(ctx context.Context, tx *sql.Tx) (bool, error) {
	var running int
	if err := tx.QueryRowContext(ctx, `SELECT running FROM orchestrator_state WHERE id = 1`).Scan(&running); err != nil {
		return false, err
	}
	return running != 0, nil
}
