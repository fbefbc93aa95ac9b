//go:build linux

// File: affinity/affinity_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package affinity

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-bot/api"
)

// cpuSetSize is CPU_SETSIZE.
const cpuSetSize = 1024

func pin(cpu int) error {
	var set unix.CPUSet
	set.Set(cpu)
	// pid 0 is the calling thread.
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return api.NewError(api.ErrCodeInternal, "sched_setaffinity").WithContext("cpu", cpu).WithCause(err)
	}
	return nil
}

// Allowed returns the CPUs the calling thread may run on.
func Allowed() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}
	var cpus []int
	for i := 0; i < cpuSetSize; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
