// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-bot/reactor"
)

// Backend is an in-memory readiness backend. Tests drive it with Fire and
// inspect the installed masks with Mask.
type Backend struct {
	Masks   map[int]reactor.Interest
	Pending []reactor.Event
	Calls   []string
	WaitErr error
	Closed  bool
}

// NewBackend returns an empty fake backend.
func NewBackend() *Backend {
	return &Backend{Masks: make(map[int]reactor.Interest)}
}

func (b *Backend) Add(fd int, mask reactor.Interest) error {
	if _, ok := b.Masks[fd]; ok {
		return errors.New("fake: fd already added")
	}
	b.Masks[fd] = mask
	b.Calls = append(b.Calls, fmt.Sprintf("add %d %s", fd, mask))
	return nil
}

func (b *Backend) Modify(fd int, mask reactor.Interest) error {
	if _, ok := b.Masks[fd]; !ok {
		return errors.New("fake: fd not added")
	}
	b.Masks[fd] = mask
	b.Calls = append(b.Calls, fmt.Sprintf("mod %d %s", fd, mask))
	return nil
}

func (b *Backend) Remove(fd int) error {
	delete(b.Masks, fd)
	b.Calls = append(b.Calls, fmt.Sprintf("del %d", fd))
	return nil
}

func (b *Backend) Wait(events []reactor.Event, _ int) (int, error) {
	if b.WaitErr != nil {
		return 0, b.WaitErr
	}
	n := copy(events, b.Pending)
	b.Pending = b.Pending[n:]
	return n, nil
}

func (b *Backend) Close() error {
	b.Closed = true
	return nil
}

// Fire queues a readiness event for the next Wait.
func (b *Backend) Fire(fd int, ready reactor.Interest) {
	b.Pending = append(b.Pending, reactor.Event{Fd: fd, Ready: ready})
}

// Mask returns the interest currently installed for fd.
func (b *Backend) Mask(fd int) (reactor.Interest, bool) {
	m, ok := b.Masks[fd]
	return m, ok
}
