package asyncio

import (
	"time"
)

// ReturnWhen selects the completion condition of [Wait].
type ReturnWhen int

const (
	// AllCompleted settles the wait once every future is done.
	AllCompleted ReturnWhen = iota
	// FirstCompleted settles the wait as soon as any future is done.
	FirstCompleted
	// FirstException settles the wait on the first future that fails
	// (cancellation excluded), or when all are done.
	FirstException
)

// WaitResult partitions the awaited futures once [Wait] settles.
type WaitResult struct {
	Done    []Awaitable
	Pending []Awaitable
}

// Sleep returns a future that settles with nil after delay.
func Sleep(l *EventLoop, delay time.Duration) *Future {
	fut := l.NewFuture()
	l.CallLater(delay, func() {
		if !fut.Done() {
			_ = fut.SetResult(nil)
		}
	})
	return fut
}

// Wait watches fs until the completion condition holds or the timeout
// fires, then settles with a *WaitResult partition. Pending futures are
// left running; a zero timeout means no timeout.
func Wait(l *EventLoop, fs []Awaitable, timeout time.Duration, returnWhen ReturnWhen) *Future {
	outer := l.NewFuture()
	if len(fs) == 0 {
		_ = outer.SetResult(&WaitResult{})
		return outer
	}

	var timer *TimerHandle
	remaining := len(fs)

	settle := func() {
		if outer.Done() {
			return
		}
		if timer != nil {
			timer.Cancel()
		}
		result := &WaitResult{}
		for _, aw := range fs {
			if aw.future().Done() {
				result.Done = append(result.Done, aw)
			} else {
				result.Pending = append(result.Pending, aw)
			}
		}
		_ = outer.SetResult(result)
	}

	for _, aw := range fs {
		aw.future().AddDoneCallback(func(f *Future) {
			remaining--
			switch {
			case remaining == 0:
				settle()
			case returnWhen == FirstCompleted:
				settle()
			case returnWhen == FirstException && !f.Cancelled() && f.Exception() != nil:
				settle()
			}
		})
	}

	if timeout > 0 {
		timer = l.CallLater(timeout, settle)
	}
	return outer
}

// Gather collects the results of fs into a []any future, index-aligned
// with the inputs. On the first failure the remaining futures are
// cancelled and the gather fails with that error — unless returnExceptions
// is set, in which case failures are stored in the result slice as error
// values. Cancelling the gather cancels every input.
func Gather(l *EventLoop, returnExceptions bool, fs ...Awaitable) *Future {
	outer := l.NewFuture()
	if len(fs) == 0 {
		_ = outer.SetResult([]any{})
		return outer
	}

	results := make([]any, len(fs))
	remaining := len(fs)

	cancelRest := func() {
		for _, aw := range fs {
			cancelAwaitable(aw)
		}
	}

	for i, aw := range fs {
		i := i
		aw.future().AddDoneCallback(func(f *Future) {
			if outer.Done() {
				return
			}
			v, err := f.Result()
			if err != nil && !returnExceptions {
				cancelRest()
				if f.Cancelled() {
					outer.Cancel()
				} else {
					_ = outer.SetException(err)
				}
				return
			}
			if err != nil {
				results[i] = err
			} else {
				results[i] = v
			}
			remaining--
			if remaining == 0 {
				_ = outer.SetResult(results)
			}
		})
	}

	outer.AddDoneCallback(func(f *Future) {
		if f.Cancelled() {
			cancelRest()
		}
	})
	return outer
}

// AsCompleted returns one placeholder future per input; the i-th
// placeholder settles with the outcome of the i-th input to complete, in
// completion order. When timeout is non-zero, placeholders still empty at
// the deadline fail with ErrTimeout.
func AsCompleted(l *EventLoop, fs []Awaitable, timeout time.Duration) []*Future {
	out := make([]*Future, len(fs))
	for i := range out {
		out[i] = l.NewFuture()
	}
	next := 0

	for _, aw := range fs {
		aw.future().AddDoneCallback(func(f *Future) {
			for next < len(out) && out[next].Done() {
				next++
			}
			if next >= len(out) {
				return
			}
			slot := out[next]
			next++
			v, err := f.Result()
			if err != nil {
				_ = slot.SetException(err)
			} else {
				_ = slot.SetResult(v)
			}
		})
	}

	if timeout > 0 {
		l.CallLater(timeout, func() {
			for _, slot := range out {
				if !slot.Done() {
					_ = slot.SetException(ErrTimeout)
				}
			}
		})
	}
	return out
}

// Shield wraps inner so that cancelling the returned future does not
// cancel inner. Inner's outcome still propagates outward when the outer
// future is untouched; if inner itself is cancelled, so is the outer.
func Shield(l *EventLoop, inner Awaitable) *Future {
	outer := l.NewFuture()
	inner.future().AddDoneCallback(func(f *Future) {
		if outer.Done() {
			return // outer was cancelled; inner ran to completion regardless
		}
		v, err := f.Result()
		switch {
		case f.Cancelled():
			outer.Cancel()
		case err != nil:
			_ = outer.SetException(err)
		default:
			_ = outer.SetResult(v)
		}
	})
	return outer
}

// WaitFor imposes a deadline on inner: the returned future settles with
// inner's outcome, or fails with ErrTimeout after cancelling inner when
// the deadline fires first.
func WaitFor(l *EventLoop, inner Awaitable, timeout time.Duration) *Future {
	outer := l.NewFuture()
	timer := l.CallLater(timeout, func() {
		if outer.Done() {
			return
		}
		cancelAwaitable(inner)
		_ = outer.SetException(ErrTimeout)
	})
	inner.future().AddDoneCallback(func(f *Future) {
		timer.Cancel()
		if outer.Done() {
			return
		}
		v, err := f.Result()
		switch {
		case f.Cancelled():
			outer.Cancel()
		case err != nil:
			_ = outer.SetException(err)
		default:
			_ = outer.SetResult(v)
		}
	})
	return outer
}

// cancelAwaitable cancels through the task layer when present so the
// request propagates down the await chain.
func cancelAwaitable(aw Awaitable) bool {
	if t, ok := aw.(*Task); ok {
		return t.Cancel()
	}
	return aw.future().Cancel()
}
