// File: internal/concurrency/hooks.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

// Hook runs once per loop iteration.
type Hook func()

type hookSlot struct {
	fn Hook
}

// HookTable is a slot table of per-tick hooks. Add reuses the lowest free
// slot; Remove may be called from inside a running hook.
type HookTable struct {
	slots []*hookSlot
	count int
}

// Add stores h in the lowest free slot and returns its index.
func (t *HookTable) Add(h Hook) int {
	s := &hookSlot{fn: h}
	t.count++
	for i, cur := range t.slots {
		if cur == nil {
			t.slots[i] = s
			return i
		}
	}
	t.slots = append(t.slots, s)
	return len(t.slots) - 1
}

// Remove frees slot i. Removing a free or unknown slot returns false.
func (t *HookTable) Remove(i int) bool {
	if i < 0 || i >= len(t.slots) || t.slots[i] == nil {
		return false
	}
	t.slots[i] = nil
	t.count--
	n := len(t.slots)
	for n > 0 && t.slots[n-1] == nil {
		n--
	}
	t.slots = t.slots[:n]
	return true
}

// Len returns the number of occupied slots.
func (t *HookTable) Len() int { return t.count }

// Each passes every occupied slot to run in ascending order. Hooks removed
// during the pass are skipped; hooks added during it wait for the next pass.
func (t *HookTable) Each(run func(slot int, h Hook)) {
	snap := append([]*hookSlot(nil), t.slots...)
	for i, s := range snap {
		if s == nil || i >= len(t.slots) || t.slots[i] != s {
			continue
		}
		run(i, s.fn)
	}
}
