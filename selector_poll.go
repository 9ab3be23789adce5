//go:build unix && !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package asyncio

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// newPlatformSelector returns the portable poll(2)-backed selector.
func newPlatformSelector() (Selector, error) {
	return newPollSelector(), nil
}

// pollSelector is the portable fallback multiplexer built on poll(2). The
// pollfd array is rebuilt per call; acceptable for the fallback tier.
type pollSelector struct {
	mu     sync.Mutex
	fds    map[int]*selEntry
	closed bool
}

func newPollSelector() *pollSelector {
	return &pollSelector{fds: make(map[int]*selEntry)}
}

func (s *pollSelector) Register(fd int, events Events, key any) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSelectorClosed
	}
	if _, ok := s.fds[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	s.fds[fd] = &selEntry{key: key, events: events}
	return nil
}

func (s *pollSelector) Modify(fd int, events Events, key any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	entry.events = events
	entry.key = key
	return nil
}

func (s *pollSelector) Unregister(fd int) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.fds[fd]
	if !ok {
		return nil, ErrFDNotRegistered
	}
	delete(s.fds, fd)
	return entry.key, nil
}

func (s *pollSelector) GetInfo(fd int) (Events, any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.fds[fd]
	if !ok {
		return 0, nil, false
	}
	return entry.events, entry.key, true
}

func (s *pollSelector) Select(timeout *time.Duration) ([]SelectorEvent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSelectorClosed
	}
	pollfds := make([]unix.PollFd, 0, len(s.fds))
	for fd, entry := range s.fds {
		var pev int16
		if entry.events&EventRead != 0 {
			pev |= unix.POLLIN
		}
		if entry.events&EventWrite != 0 {
			pev |= unix.POLLOUT
		}
		pollfds = append(pollfds, unix.PollFd{Fd: int32(fd), Events: pev})
	}
	s.mu.Unlock()

	n, err := unix.Poll(pollfds, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]SelectorEvent, 0, n)
	s.mu.Lock()
	for i := range pollfds {
		rev := pollfds[i].Revents
		if rev == 0 {
			continue
		}
		fd := int(pollfds[i].Fd)
		entry, ok := s.fds[fd]
		if !ok {
			continue
		}
		var ready Events
		if rev&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready |= EventRead
		}
		if rev&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
			ready |= EventWrite
		}
		ready &= entry.events
		if ready != 0 {
			out = append(out, SelectorEvent{FD: fd, Events: ready, Key: entry.key})
		}
	}
	s.mu.Unlock()
	return out, nil
}

func (s *pollSelector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
