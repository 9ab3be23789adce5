package asyncio

import (
	"errors"
	"sync"
)

// ErrExecutorShutdown is returned by Submit after Shutdown.
var ErrExecutorShutdown = errors.New("asyncio: executor has been shut down")

// Executor accepts functions to run off the loop goroutine. It is the sole
// concurrency fan-out of the framework; results cross back into the loop
// via CallSoonThreadsafe.
type Executor interface {
	Submit(fn func()) error
}

// PoolExecutor is a fixed-size goroutine pool. Workers are started lazily
// on first submission.
type PoolExecutor struct {
	tasks    chan func()
	quit     chan struct{}
	startUp  sync.Once
	shutDown sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	workers  int
}

// NewPoolExecutor creates a pool with the given number of workers; values
// below one are coerced to one.
func NewPoolExecutor(workers int) *PoolExecutor {
	if workers < 1 {
		workers = 1
	}
	return &PoolExecutor{
		tasks:   make(chan func(), 128),
		quit:    make(chan struct{}),
		workers: workers,
	}
}

// Submit enqueues fn for execution on a pool worker.
func (p *PoolExecutor) Submit(fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrExecutorShutdown
	}
	p.startUp.Do(p.startWorkers)
	p.wg.Add(1)
	p.mu.Unlock()

	p.tasks <- func() {
		defer p.wg.Done()
		fn()
	}
	return nil
}

func (p *PoolExecutor) startWorkers() {
	for i := 0; i < p.workers; i++ {
		go func() {
			for {
				select {
				case fn := <-p.tasks:
					fn()
				case <-p.quit:
					return
				}
			}
		}()
	}
}

// Shutdown stops accepting work, waits for submitted functions to finish,
// then releases the workers. Idempotent.
func (p *PoolExecutor) Shutdown() {
	p.shutDown.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.wg.Wait()
		close(p.quit)
	})
}

// defaultExecutorWorkers sizes the lazily created loop-owned pool.
const defaultExecutorWorkers = 8

// SetDefaultExecutor replaces the loop's default executor. The caller
// retains ownership; Close will not shut it down.
func (l *EventLoop) SetDefaultExecutor(executor Executor) {
	l.defaultExecutor = executor
	l.ownsExecutor = false
}

// getDefaultExecutor returns the default executor, creating a loop-owned
// pool on first use.
func (l *EventLoop) getDefaultExecutor() Executor {
	if l.defaultExecutor == nil {
		l.defaultExecutor = NewPoolExecutor(defaultExecutorWorkers)
		l.ownsExecutor = true
	}
	return l.defaultExecutor
}

// RunInExecutor runs fn on the given executor (the default executor when
// nil) and returns a future that settles with fn's outcome on the loop
// goroutine.
func (l *EventLoop) RunInExecutor(executor Executor, fn func() (any, error)) *Future {
	if executor == nil {
		executor = l.getDefaultExecutor()
	}
	fut := l.NewFuture()
	err := executor.Submit(func() {
		v, err := fn()
		l.CallSoonThreadsafe(func() {
			if fut.Done() {
				return // cancelled while running
			}
			if err != nil {
				_ = fut.SetException(err)
			} else {
				_ = fut.SetResult(v)
			}
		})
	})
	if err != nil {
		_ = fut.SetException(err)
	}
	return fut
}

// RunHandleInExecutor offloads a deferred callback. A cancelled handle
// short-circuits synchronously to a nil-result future without touching the
// executor.
func (l *EventLoop) RunHandleInExecutor(executor Executor, h *Handle) *Future {
	if h.Cancelled() {
		fut := l.NewFuture()
		_ = fut.SetResult(nil)
		return fut
	}
	return l.RunInExecutor(executor, func() (any, error) {
		h.callback()
		return nil, nil
	})
}
