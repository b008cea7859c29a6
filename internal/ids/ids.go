package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Secret returns an unguessable random token (uuid v4) for shared secrets such as
// webhook client state.
func Secret() string {
	return uuid.NewString()
}

// ValidationString returns a random hex string mailed to users to prove
// possession of a contact address.
func ValidationString() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
