// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness backend contract and interest mask.

package reactor

import (
	"errors"
	"strings"
)

// Interest is a bit mask of socket conditions a watch waits for.
type Interest uint8

const (
	// InterestRead fires when the socket has data or the peer hung up.
	InterestRead Interest = 1 << iota
	// InterestWrite fires when the socket can accept more bytes.
	InterestWrite
	// InterestError fires on socket errors and hang-ups.
	InterestError

	interestBits = 3
)

// String renders the mask as "read|write|error".
func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	if i&InterestRead != 0 {
		parts = append(parts, "read")
	}
	if i&InterestWrite != 0 {
		parts = append(parts, "write")
	}
	if i&InterestError != 0 {
		parts = append(parts, "error")
	}
	return strings.Join(parts, "|")
}

// Callback receives the descriptor and the subset of the watch's interest
// that is currently satisfied.
type Callback func(fd int, ready Interest)

// Event contains one readiness notification returned by Backend.Wait.
type Event struct {
	Fd    int
	Ready Interest
}

// Backend is the OS readiness facility (epoll on Linux). Masks passed to Add
// and Modify are the complete interest set for the descriptor.
type Backend interface {
	// Add starts watching fd.
	Add(fd int, mask Interest) error

	// Modify replaces the interest set of an already watched fd.
	Modify(fd int, mask Interest) error

	// Remove stops watching fd.
	Remove(fd int) error

	// Wait fills events and returns how many were written. timeoutMs == 0
	// returns immediately, timeoutMs < 0 blocks.
	Wait(events []Event, timeoutMs int) (int, error)

	// Close releases the backend.
	Close() error
}

// Errors reported by the multiplexer.
var (
	ErrClosed      = errors.New("reactor: multiplexer closed")
	ErrInvalidFD   = errors.New("reactor: invalid file descriptor")
	ErrEmptyMask   = errors.New("reactor: empty interest mask")
	ErrNilCallback = errors.New("reactor: nil callback")
)
