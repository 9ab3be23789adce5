//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package asyncio

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// newPlatformSelector returns the kqueue-backed selector.
func newPlatformSelector() (Selector, error) {
	return newKqueueSelector()
}

// kqueueSelector multiplexes readiness through kqueue. Read and write
// interest are separate kernel filters; Modify computes the filter delta.
type kqueueSelector struct {
	mu       sync.Mutex
	fds      map[int]*selEntry
	eventBuf [128]unix.Kevent_t
	kq       int
	closed   bool
}

func newKqueueSelector() (*kqueueSelector, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &kqueueSelector{
		kq:  kq,
		fds: make(map[int]*selEntry),
	}, nil
}

func (s *kqueueSelector) Register(fd int, events Events, key any) error {
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

	if err := s.applyFilters(fd, 0, events); err != nil {
		s.mu.Lock()
		delete(s.fds, fd) // rollback
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *kqueueSelector) Modify(fd int, events Events, key any) error {
	s.mu.Lock()
	entry, ok := s.fds[fd]
	if !ok {
		s.mu.Unlock()
		return ErrFDNotRegistered
	}
	prev := entry.events
	entry.events = events
	entry.key = key
	s.mu.Unlock()

	return s.applyFilters(fd, prev, events)
}

func (s *kqueueSelector) Unregister(fd int) (any, error) {
	s.mu.Lock()
	entry, ok := s.fds[fd]
	if !ok {
		s.mu.Unlock()
		return nil, ErrFDNotRegistered
	}
	delete(s.fds, fd)
	s.mu.Unlock()

	// Filters die with the fd anyway; deletion errors are not actionable.
	_ = s.applyFilters(fd, entry.events, 0)
	return entry.key, nil
}

func (s *kqueueSelector) GetInfo(fd int) (Events, any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.fds[fd]
	if !ok {
		return 0, nil, false
	}
	return entry.events, entry.key, true
}

func (s *kqueueSelector) Select(timeout *time.Duration) ([]SelectorEvent, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSelectorClosed
	}

	var ts *unix.Timespec
	if timeout != nil {
		d := *timeout
		if d < 0 {
			d = 0
		}
		t := unix.NsecToTimespec(d.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(s.kq, nil, s.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]SelectorEvent, 0, n)
	s.mu.Lock()
	for i := 0; i < n; i++ {
		kev := &s.eventBuf[i]
		fd := int(kev.Ident)
		entry, ok := s.fds[fd]
		if !ok {
			continue
		}
		var ready Events
		switch kev.Filter {
		case unix.EVFILT_READ:
			ready = EventRead
		case unix.EVFILT_WRITE:
			ready = EventWrite
		}
		if kev.Flags&unix.EV_EOF != 0 {
			// Peer hangup wakes both registered sides.
			ready |= entry.events
		}
		ready &= entry.events
		if ready == 0 {
			continue
		}
		// Merge read and write reports for the same fd into one event.
		merged := false
		for j := range out {
			if out[j].FD == fd {
				out[j].Events |= ready
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, SelectorEvent{FD: fd, Events: ready, Key: entry.key})
		}
	}
	s.mu.Unlock()
	return out, nil
}

func (s *kqueueSelector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.kq)
}

// applyFilters reconciles the kernel filter set for fd from prev to next.
func (s *kqueueSelector) applyFilters(fd int, prev, next Events) error {
	var changes []unix.Kevent_t

	add := next &^ prev
	del := prev &^ next

	if add&EventRead != 0 {
		var kev unix.Kevent_t
		unix.SetKevent(&kev, fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
		changes = append(changes, kev)
	}
	if add&EventWrite != 0 {
		var kev unix.Kevent_t
		unix.SetKevent(&kev, fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE)
		changes = append(changes, kev)
	}
	if del&EventRead != 0 {
		var kev unix.Kevent_t
		unix.SetKevent(&kev, fd, unix.EVFILT_READ, unix.EV_DELETE)
		changes = append(changes, kev)
	}
	if del&EventWrite != 0 {
		var kev unix.Kevent_t
		unix.SetKevent(&kev, fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		changes = append(changes, kev)
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(s.kq, changes, nil, nil)
	return err
}
