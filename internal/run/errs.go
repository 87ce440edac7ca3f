package run

import "fmt"

// NotFoundError reports that a run id does not exist.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string  { return fmt.Sprintf("run: %q not found", e.ID) }
func (e *NotFoundError) NotFound() bool { return true }

// ValidationError reports malformed input.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string    { return fmt.Sprintf("run: %s", e.Reason) }
func (e *ValidationError) Validation() bool { return true }
