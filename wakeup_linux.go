//go:build linux

package asyncio

import (
	"golang.org/x/sys/unix"
)

// createWakeupFd creates the self-pipe used to interrupt the selector from
// signal handlers and other goroutines. On Linux a single eventfd serves as
// both ends.
func createWakeupFd() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}

// closeWakeupFd releases the wakeup fd(s).
func closeWakeupFd(readFd, writeFd int) {
	if readFd >= 0 {
		_ = unix.Close(readFd)
	}
	if writeFd != readFd && writeFd >= 0 {
		_ = unix.Close(writeFd)
	}
}
