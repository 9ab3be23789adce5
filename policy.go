package asyncio

import (
	"sync"
)

var processLoop struct {
	sync.Mutex
	loop *EventLoop
}

// GetEventLoop returns the process-wide event loop, creating one with the
// default options on first use.
func GetEventLoop() (*EventLoop, error) {
	processLoop.Lock()
	defer processLoop.Unlock()
	if processLoop.loop == nil {
		l, err := NewEventLoop()
		if err != nil {
			return nil, err
		}
		processLoop.loop = l
	}
	return processLoop.loop, nil
}

// SetEventLoop replaces the process-wide event loop. Pass nil to clear it;
// the previous loop is not closed.
func SetEventLoop(l *EventLoop) {
	processLoop.Lock()
	defer processLoop.Unlock()
	processLoop.loop = l
}
