// Package txerr holds the cross-cutting error marker interfaces shared by
// every component. Components define their own concrete error structs (see
// each package's errs.go) and implement one of these markers so a host
// process can triage any returned error with errors.As instead of a central
// switch over every concrete type.
package txerr

import "errors"

// NotFound is implemented by errors that mean "the requested row does not
// exist."
type NotFound interface {
	error
	NotFound() bool
}

// Validation is implemented by errors that mean "the caller supplied bad
// input"; these never leave retry-safe state behind.
type Validation interface {
	error
	Validation() bool
}

// Conflict is implemented by errors that mean "the operation lost a race" —
// a claim already held, a lease expired, a stale compare-and-set.
type Conflict interface {
	error
	Conflict() bool
}

// IsNotFound reports whether err (or something it wraps) is a NotFound.
func IsNotFound(err error) bool {
	var n NotFound
	return errors.As(err, &n)
}

// IsValidation reports whether err (or something it wraps) is a Validation.
func IsValidation(err error) bool {
	var v Validation
	return errors.As(err, &v)
}

// IsConflict reports whether err (or something it wraps) is a Conflict.
func IsConflict(err error) bool {
	var c Conflict
	return errors.As(err, &c)
}
