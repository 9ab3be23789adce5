//go:build unix && !linux

package asyncio

import (
	"golang.org/x/sys/unix"
)

// createWakeupFd creates the self-pipe used to interrupt the selector from
// signal handlers and other goroutines. Both ends are non-blocking; the
// read end is registered with the selector and drained on each wake.
func createWakeupFd() (readFd, writeFd int, err error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return -1, -1, err
		}
		unix.CloseOnExec(fd)
	}
	return p[0], p[1], nil
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
