//go:build linux
// +build linux

// File: reactor/epoll_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based readiness backend. Level-triggered: a socket stays
// ready until the condition is consumed.

package reactor

import (
	"errors"

	"golang.org/x/sys/unix"
)

// epollBackend is an epoll-based readiness backend.
type epollBackend struct {
	epfd int
	raw  []unix.EpollEvent
}

// NewBackend constructs the platform backend for Linux.
func NewBackend() (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollBackend{epfd: epfd}, nil
}

func toEpoll(mask Interest) uint32 {
	var ev uint32
	if mask&InterestRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if mask&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	// EPOLLERR and EPOLLHUP are always reported.
	return ev
}

func fromEpoll(ev uint32) Interest {
	var ready Interest
	if ev&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		// hang-ups surface as readable so the reader observes EOF
		ready |= InterestRead
	}
	if ev&unix.EPOLLOUT != 0 {
		ready |= InterestWrite
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ready |= InterestError
	}
	return ready
}

// Add adds a descriptor to epoll.
func (b *epollBackend) Add(fd int, mask Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify replaces the event set of a descriptor.
func (b *epollBackend) Modify(fd int, mask Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove deletes a descriptor. A descriptor that is already gone is not an
// error: the kernel drops closed sockets from the set on its own.
func (b *epollBackend) Remove(fd int) error {
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// Wait collects ready descriptors.
func (b *epollBackend) Wait(events []Event, timeoutMs int) (int, error) {
	if len(b.raw) < len(events) {
		b.raw = make([]unix.EpollEvent, len(events))
	}
	n, err := unix.EpollWait(b.epfd, b.raw[:len(events)], timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil // interrupted by signal, normal
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		events[i] = Event{
			Fd:    int(b.raw[i].Fd),
			Ready: fromEpoll(b.raw[i].Events),
		}
	}
	return n, nil
}

// Close closes the epoll instance.
func (b *epollBackend) Close() error {
	return unix.Close(b.epfd)
}
