// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package affinity pins the event loop to one logical CPU. Pin locks the
// calling goroutine to its OS thread first, so it must be called from the
// goroutine that will run the loop.

package affinity

import (
	"runtime"

	"github.com/momentics/hioload-bot/api"
)

// Pin locks the calling goroutine to its thread and restricts that thread
// to cpu. On failure the goroutine is unlocked again.
func Pin(cpu int) error {
	if cpu < 0 {
		return api.NewError(api.ErrCodeInvalidArgument, "negative cpu index").WithContext("cpu", cpu)
	}
	runtime.LockOSThread()
	if err := pin(cpu); err != nil {
		runtime.UnlockOSThread()
		return err
	}
	return nil
}

// Unpin releases the thread lock taken by Pin. The thread keeps its CPU
// mask and is retired by the runtime when the goroutine exits locked.
func Unpin() { runtime.UnlockOSThread() }
