// Package idgen generates identifiers for tx's entities. Prefixed,
// pattern-constrained ids (tx-XXXXXXXX task ids, run-XXXXXXXX run ids,
// worker-XXXXXXXX worker ids) use the same crypto/rand + hex approach the
// teacher repo's db.NewID uses; free-form ids (claims, edges, learnings)
// use google/uuid rather than a second hand-rolled scheme.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const randomSuffixBytes = 4

// New returns a free-form, globally unique id.
func New() string {
	return uuid.NewString()
}

// Task returns a new task id of the form "tx-XXXXXXXX".
func Task() string {
	return prefixed("tx")
}

// Run returns a new run id of the form "run-XXXXXXXX".
func Run() string {
	return prefixed("run")
}

// Worker returns a new worker id of the form "worker-XXXXXXXX".
func Worker() string {
	return prefixed("worker")
}

func prefixed(prefix string) string {
	buf := make([]byte, randomSuffixBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader does not fail in
		// practice; a uuid fallback keeps this function infallible.
		return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(buf))
}
