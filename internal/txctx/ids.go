package txctx

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/petermattis/goid"
)

// ThreadID identifies the goroutine a context slot belongs to.
type ThreadID int64

// CurrentThreadID returns the id of the calling goroutine.
func CurrentThreadID() ThreadID {
	return ThreadID(goid.Get())
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewTransactionID returns a time-sortable ULID. ULIDs only use the
// uppercase Crockford alphabet, so they never collide with
// UninitializedTransactionID.
func NewTransactionID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
