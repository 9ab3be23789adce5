//go:build linux

package asyncio

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// newPlatformSelector returns the epoll-backed selector.
func newPlatformSelector() (Selector, error) {
	return newEpollSelector()
}

// epollSelector multiplexes readiness through epoll.
type epollSelector struct {
	mu       sync.Mutex
	fds      map[int]*selEntry
	eventBuf [128]unix.EpollEvent
	epfd     int
	closed   bool
}

func newEpollSelector() (*epollSelector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollSelector{
		epfd: epfd,
		fds:  make(map[int]*selEntry),
	}, nil
}

func (s *epollSelector) Register(fd int, events Events, key any) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSelectorClosed
	}
	if _, ok := s.fds[fd]; ok {
		s.mu.Unlock()
		return ErrFDAlreadyRegistered
	}
	s.fds[fd] = &selEntry{key: key, events: events}
	s.mu.Unlock()

	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		s.mu.Lock()
		delete(s.fds, fd) // rollback
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *epollSelector) Modify(fd int, events Events, key any) error {
	s.mu.Lock()
	entry, ok := s.fds[fd]
	if !ok {
		s.mu.Unlock()
		return ErrFDNotRegistered
	}
	entry.events = events
	entry.key = key
	s.mu.Unlock()

	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (s *epollSelector) Unregister(fd int) (any, error) {
	s.mu.Lock()
	entry, ok := s.fds[fd]
	if !ok {
		s.mu.Unlock()
		return nil, ErrFDNotRegistered
	}
	delete(s.fds, fd)
	s.mu.Unlock()

	// The fd may already be closed; EBADF here is not actionable.
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return entry.key, nil
}

func (s *epollSelector) GetInfo(fd int) (Events, any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.fds[fd]
	if !ok {
		return 0, nil, false
	}
	return entry.events, entry.key, true
}

func (s *epollSelector) Select(timeout *time.Duration) ([]SelectorEvent, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSelectorClosed
	}

	n, err := unix.EpollWait(s.epfd, s.eventBuf[:], timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]SelectorEvent, 0, n)
	s.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(s.eventBuf[i].Fd)
		entry, ok := s.fds[fd]
		if !ok {
			continue
		}
		ready := epollToEvents(s.eventBuf[i].Events) & entry.events
		if ready != 0 {
			out = append(out, SelectorEvent{FD: fd, Events: ready, Key: entry.key})
		}
	}
	s.mu.Unlock()
	return out, nil
}

func (s *epollSelector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.epfd)
}

// eventsToEpoll converts the registration mask to epoll event flags.
func eventsToEpoll(events Events) uint32 {
	var ep uint32
	if events&EventRead != 0 {
		ep |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ep |= unix.EPOLLOUT
	}
	return ep
}

// epollToEvents converts reported epoll flags back to the readiness mask.
// Error and hangup wake both sides so the owning callbacks observe the
// failure on their next syscall.
func epollToEvents(ep uint32) Events {
	var events Events
	if ep&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		events |= EventRead
	}
	if ep&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		events |= EventWrite
	}
	return events
}
