package learning

import "context"

// Candidate is a piece of text a CandidateExtractor proposes turning into
// a Learning, along with the category it suggests.
type Candidate struct {
	Content  string
	Category string
}

// CandidateExtractor proposes new learning candidates from a chunk of run
// output (transcript, stdout, or a structured summary), external to the
// store itself. No implementation ships in this package; callers wire one
// in from whatever run-output format they have.
type CandidateExtractor interface {
	Extract(ctx context.Context, chunk string) ([]Candidate, error)
}
