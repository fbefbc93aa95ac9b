// File: internal/ids/ids.go
// Package ids generates process-unique connection identifiers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ids

import (
	"crypto/rand"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator issues connection ids. Each owner keeps its own monotonic
// entropy source.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewGenerator creates a generator seeded from crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// ConnID returns "<ulid>.<fnv32a>": a time-sortable ULID with monotonic
// random entropy, suffixed by a hash of the peer address and the
// nanosecond accept time.
func (g *Generator) ConnID(peer string, at time.Time) string {
	g.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(at), g.entropy)
	g.mu.Unlock()

	h := fnv.New32a()
	_, _ = h.Write([]byte(peer))
	_, _ = h.Write([]byte(strconv.FormatInt(at.UnixNano(), 10)))
	return id.String() + "." + strconv.FormatUint(uint64(h.Sum32()), 16)
}

// Time extracts the millisecond timestamp of an id produced by ConnID.
func Time(id string) (time.Time, bool) {
	if len(id) < ulid.EncodedSize {
		return time.Time{}, false
	}
	u, err := ulid.Parse(id[:ulid.EncodedSize])
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
