// Package ids generates sortable identifiers for sessions and remote commands.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID for the current time, strictly increasing within the process.
func New() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// NewString returns New encoded as a 26-character string.
func NewString() string {
	return New().String()
}
