package claim

import "fmt"

// NotFoundError reports that a claim id does not exist.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string  { return fmt.Sprintf("claim: %q not found", e.ID) }
func (e *NotFoundError) NotFound() bool { return true }

// ClaimNotFoundError reports that no active claim exists for the given
// (task_id, worker_id) pair.
type ClaimNotFoundError struct {
	TaskID   string
	WorkerID string
}

func (e *ClaimNotFoundError) Error() string {
	return fmt.Sprintf("claim: no active claim for task %q by worker %q", e.TaskID, e.WorkerID)
}
func (e *ClaimNotFoundError) NotFound() bool { return true }

// WorkerNotFoundError reports that a claim operation referenced a worker
// id that does not exist.
type WorkerNotFoundError struct{ WorkerID string }

func (e *WorkerNotFoundError) Error() string  { return fmt.Sprintf("claim: worker %q not found", e.WorkerID) }
func (e *WorkerNotFoundError) NotFound() bool { return true }

// TaskNotFoundError reports that a claim operation referenced a task id
// that does not exist.
type TaskNotFoundError struct{ TaskID string }

func (e *TaskNotFoundError) Error() string  { return fmt.Sprintf("claim: task %q not found", e.TaskID) }
func (e *TaskNotFoundError) NotFound() bool { return true }

// AlreadyClaimedError reports that a task already has an active claim held
// by another worker.
type AlreadyClaimedError struct {
	TaskID    string
	ClaimedBy string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("claim: task %q already claimed by %q", e.TaskID, e.ClaimedBy)
}
func (e *AlreadyClaimedError) Conflict() bool { return true }

// LeaseExpiredError reports that a renew was attempted against a claim
// whose lease has already elapsed, or that lost a race to a concurrent
// renew or release of the same claim.
type LeaseExpiredError struct{ ClaimID string }

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("claim: lease %q has expired", e.ClaimID)
}
func (e *LeaseExpiredError) Conflict() bool { return true }

// MaxRenewalsExceededError reports that a claim has already been renewed
// the maximum allowed number of times.
type MaxRenewalsExceededError struct {
	ClaimID     string
	MaxRenewals int
}

func (e *MaxRenewalsExceededError) Error() string {
	return fmt.Sprintf("claim: %q has reached its max renewals (%d)", e.ClaimID, e.MaxRenewals)
}
func (e *MaxRenewalsExceededError) Conflict() bool { return true }

// ValidationError reports malformed input.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string    { return fmt.Sprintf("claim: %s", e.Reason) }
func (e *ValidationError) Validation() bool { return true }
