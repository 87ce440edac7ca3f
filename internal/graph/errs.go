package graph

import "fmt"

// NotFoundError reports that an edge id does not exist.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string  { return fmt.Sprintf("graph: edge %q not found", e.ID) }
func (e *NotFoundError) NotFound() bool { return true }

// ValidationError reports malformed input, such as an unknown edge or
// entity type.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string    { return fmt.Sprintf("graph: %s", e.Reason) }
func (e *ValidationError) Validation() bool { return true }
