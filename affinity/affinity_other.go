//go:build !linux

// File: affinity/affinity_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package affinity

import (
	"fmt"

	"github.com/momentics/hioload-bot/api"
)

func pin(int) error {
	return fmt.Errorf("affinity: %w", api.ErrNotSupported)
}

// Allowed is not supported off Linux.
func Allowed() ([]int, error) {
	return nil, fmt.Errorf("affinity: %w", api.ErrNotSupported)
}
