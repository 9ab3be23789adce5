package asyncio

import (
	"sync"
)

// FutureState represents the lifecycle state of a [Future]. A future starts
// Pending and transitions exactly once to one of the settled states.
type FutureState int32

const (
	// FuturePending indicates the result has not been assigned yet.
	FuturePending FutureState = iota
	// FutureResult indicates the future settled with a value.
	FutureResult
	// FutureException indicates the future settled with an error.
	FutureException
	// FutureCancelled indicates the future was cancelled.
	FutureCancelled
)

// String returns a human-readable representation of the state.
func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "Pending"
	case FutureResult:
		return "Result"
	case FutureException:
		return "Exception"
	case FutureCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Awaitable is anything a coroutine can suspend on: a [Future] or a [Task].
type Awaitable interface {
	future() *Future
}

// Future is a single-assignment result cell with completion callbacks.
//
// The state transitions only Pending -> {Result, Exception, Cancelled}.
// Once settled, every registered done callback is scheduled onto the owning
// loop via CallSoon exactly once, in registration order; adding a callback
// after settlement schedules it immediately.
//
// Futures are bound to the loop that created them; all completion callbacks
// run on that loop's goroutine. Settling a future from another goroutine
// must go through [EventLoop.CallSoonThreadsafe].
type Future struct {
	loop      *EventLoop
	mu        sync.Mutex
	result    any
	err       error
	callbacks []func(*Future)
	state     FutureState
}

// NewFuture creates a pending future bound to the loop.
func (l *EventLoop) NewFuture() *Future {
	return &Future{loop: l}
}

func (f *Future) future() *Future { return f }

// Loop returns the event loop this future is bound to.
func (f *Future) Loop() *EventLoop { return f.loop }

// State returns the current state.
func (f *Future) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done reports whether the future has settled.
func (f *Future) Done() bool {
	return f.State() != FuturePending
}

// Cancelled reports whether the future was cancelled.
func (f *Future) Cancelled() bool {
	return f.State() == FutureCancelled
}

// SetResult settles the future with a value. Returns ErrInvalidState if the
// future is already settled.
func (f *Future) SetResult(v any) error {
	f.mu.Lock()
	if f.state != FuturePending {
		f.mu.Unlock()
		return ErrInvalidState
	}
	f.state = FutureResult
	f.result = v
	cbs := f.takeCallbacksLocked()
	f.mu.Unlock()
	f.scheduleCallbacks(cbs)
	return nil
}

// SetException settles the future with an error. Returns ErrInvalidState if
// the future is already settled or err is nil.
func (f *Future) SetException(err error) error {
	if err == nil {
		return ErrInvalidState
	}
	f.mu.Lock()
	if f.state != FuturePending {
		f.mu.Unlock()
		return ErrInvalidState
	}
	f.state = FutureException
	f.err = err
	cbs := f.takeCallbacksLocked()
	f.mu.Unlock()
	f.scheduleCallbacks(cbs)
	return nil
}

// Cancel transitions a pending future to Cancelled and schedules its
// callbacks. Returns false, with no side effects, if already settled.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	if f.state != FuturePending {
		f.mu.Unlock()
		return false
	}
	f.state = FutureCancelled
	f.err = ErrCancelled
	cbs := f.takeCallbacksLocked()
	f.mu.Unlock()
	f.scheduleCallbacks(cbs)
	return true
}

// Result returns the settled value. A pending future yields ErrInvalidState;
// an exception re-surfaces as the error; a cancelled future yields
// ErrCancelled.
func (f *Future) Result() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case FuturePending:
		return nil, ErrInvalidState
	case FutureResult:
		return f.result, nil
	default:
		return nil, f.err
	}
}

// Exception returns the stored error for an Exception or Cancelled future,
// nil for a Result future, and ErrInvalidState while pending.
func (f *Future) Exception() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case FuturePending:
		return ErrInvalidState
	case FutureResult:
		return nil
	default:
		return f.err
	}
}

// AddDoneCallback registers cb to run, via CallSoon, once the future
// settles. Callbacks fire in registration order, exactly once each. If the
// future has already settled the callback is scheduled immediately.
func (f *Future) AddDoneCallback(cb func(*Future)) {
	f.mu.Lock()
	if f.state == FuturePending {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.scheduleCallbacks([]func(*Future){cb})
}

// takeCallbacksLocked detaches the registered callbacks. Must be called
// with f.mu held.
func (f *Future) takeCallbacksLocked() []func(*Future) {
	cbs := f.callbacks
	f.callbacks = nil
	return cbs
}

func (f *Future) scheduleCallbacks(cbs []func(*Future)) {
	for _, cb := range cbs {
		cb := cb
		f.loop.CallSoon(func() { cb(f) })
	}
}
