package asyncio

import (
	"errors"
	"fmt"
)

// Coroutine is the body of a [Task]. It runs on a dedicated goroutine but
// only while the loop is parked in the task's step machinery, preserving
// single-threaded semantics: at any instant either the loop or exactly one
// coroutine is executing.
//
// A coroutine suspends by calling [Coro.Await] and finishes by returning.
// Returning ErrCancelled (typically by propagating it from Await) completes
// the task as cancelled.
type Coroutine func(c *Coro) (any, error)

// Coro is the suspension interface handed to a running coroutine.
type Coro struct {
	task *Task
}

// Loop returns the event loop driving this coroutine.
func (c *Coro) Loop() *EventLoop {
	return c.task.loop
}

// Await suspends the coroutine until aw settles and returns its outcome.
// Awaiting an already-settled future returns immediately without
// suspending. If the task is cancelled while suspended, Await returns
// ErrCancelled; well-behaved coroutines propagate it.
func (c *Coro) Await(aw Awaitable) (any, error) {
	t := c.task
	f := aw.future()
	if f.Done() {
		return f.Result()
	}
	t.yield <- yieldMsg{aw: aw}
	r := <-t.resume
	return r.value, r.err
}

// stepResult carries a resumption value into a parked coroutine.
type stepResult struct {
	value any
	err   error
}

// yieldMsg crosses from the coroutine goroutine to the loop: either a
// suspension on aw, or the coroutine's final outcome.
type yieldMsg struct {
	aw    Awaitable
	value any
	err   error
	done  bool
}

// Task drives a [Coroutine] on a specific loop. A Task is a [Future]; it
// settles with the coroutine's return value, its error, or Cancelled.
//
// Each step resumes the coroutine until it suspends on a future or
// returns. A suspended task registers itself as the future's completion
// callback and is rescheduled when that future settles. At most one
// resumption is pending per task.
type Task struct {
	*Future
	coro       Coroutine
	resume     chan stepResult
	yield      chan yieldMsg
	waitingOn  Awaitable
	loop       *EventLoop
	started    bool
	mustCancel bool
}

// NewTask wraps a coroutine into a task and schedules its first step.
func (l *EventLoop) NewTask(coro Coroutine) *Task {
	t := &Task{
		Future: l.NewFuture(),
		coro:   coro,
		resume: make(chan stepResult),
		yield:  make(chan yieldMsg),
		loop:   l,
	}
	l.CallSoon(func() { t.step(nil, nil) })
	return t
}

// Cancel requests cancellation. If the task is suspended on another task
// the cancel propagates downward; a plain future is cancelled directly.
// ErrCancelled is injected at the task's next step. Returns false iff the
// task has already settled.
func (t *Task) Cancel() bool {
	if t.Done() {
		return false
	}
	if t.waitingOn != nil {
		switch w := t.waitingOn.(type) {
		case *Task:
			if w.Cancel() {
				return true
			}
		default:
			if w.future().Cancel() {
				return true
			}
		}
	}
	t.mustCancel = true
	return true
}

// step resumes the coroutine with (value, err) and processes what it does
// next. Runs on the loop goroutine; the loop parks here while the
// coroutine executes.
func (t *Task) step(value any, inErr error) {
	if t.Done() {
		t.loop.logError(ErrInvalidState, "task", "step on completed task")
		return
	}
	if t.mustCancel {
		inErr = ErrCancelled
		t.mustCancel = false
	}

	if !t.started {
		if inErr != nil {
			// Cancelled before the first step; the coroutine never runs.
			t.finish(nil, inErr)
			return
		}
		t.started = true
		go func() {
			v, err := t.coro(&Coro{task: t})
			t.yield <- yieldMsg{done: true, value: v, err: err}
		}()
	} else {
		t.resume <- stepResult{value: value, err: inErr}
	}

	msg := <-t.yield
	if msg.done {
		t.finish(msg.value, msg.err)
		return
	}

	f := msg.aw.future()
	if f.loop != t.loop {
		err := &TypeError{Message: fmt.Sprintf("asyncio: task got future attached to a different loop: %v", f)}
		t.loop.CallSoon(func() { t.step(nil, err) })
		return
	}
	t.waitingOn = msg.aw
	f.AddDoneCallback(t.wakeup)
}

// wakeup is the done callback registered on the awaited future.
func (t *Task) wakeup(f *Future) {
	t.waitingOn = nil
	v, err := f.Result()
	t.step(v, err)
}

// finish settles the task's future from the coroutine outcome.
func (t *Task) finish(value any, err error) {
	switch {
	case err == nil:
		_ = t.Future.SetResult(value)
	case errors.Is(err, ErrCancelled):
		t.Future.Cancel()
	default:
		if setErr := t.Future.SetException(err); setErr == nil {
			t.loop.logError(err, "task", "task failed")
		}
	}
}
