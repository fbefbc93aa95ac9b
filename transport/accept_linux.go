//go:build linux

// File: transport/accept_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "golang.org/x/sys/unix"

func accept(fd int) (int, error) {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return nfd, err
}
