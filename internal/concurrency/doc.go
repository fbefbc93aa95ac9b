// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cooperative scheduling for hioload-bot. A single Loop goroutine owns the
// socket multiplexer, a heap of one-shot timers, a slot table of per-tick
// hooks and a table of periodic jobs. Work produced on other goroutines is
// marshaled onto the loop with Loop.Post.
//
// Within one tick the order is fixed: posted work and source drain, socket
// poll, due timers, hooks, periodic jobs.
package concurrency
