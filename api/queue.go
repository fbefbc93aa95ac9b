// File: api/queue.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outbound queue contract consumed by the chat-protocol client.

package api

// Queue is a priority-tiered outbound queue with throttled draining.
// It has exactly one legitimate drainer; concurrent draining requires
// external synchronization.
type Queue[T any] interface {
	// Push appends item to the FIFO of the given tier.
	Push(tier int, item T)

	// GetNext returns at most one item, or false when the queue is empty or
	// the highest non-empty tier has no throttle credit.
	GetNext() (T, bool)

	// Disable permanently bypasses throttling.
	Disable()

	// Clear discards every queued item and returns how many were removed.
	Clear() int

	// Size returns the total number of queued items.
	Size() int
}
