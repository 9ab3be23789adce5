package asyncio

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskReturnsValue(t *testing.T) {
	l := newTestLoop(t)

	task := l.NewTask(func(c *Coro) (any, error) {
		return "hello", nil
	})

	v, err := runUntil(t, l, task)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestTaskPropagatesError(t *testing.T) {
	l := newTestLoop(t)

	boom := errors.New("boom")
	task := l.NewTask(func(c *Coro) (any, error) {
		return nil, boom
	})

	_, err := runUntil(t, l, task)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, FutureException, task.State())
}

func TestTaskAwaitsPendingFuture(t *testing.T) {
	l := newTestLoop(t)

	fut := l.NewFuture()
	l.CallLater(5*time.Millisecond, func() { _ = fut.SetResult(7) })

	task := l.NewTask(func(c *Coro) (any, error) {
		v, err := c.Await(fut)
		if err != nil {
			return nil, err
		}
		return v.(int) * 2, nil
	})

	v, err := runUntil(t, l, task)
	require.NoError(t, err)
	assert.Equal(t, 14, v)
}

func TestTaskAwaitCompletedFutureReturnsImmediately(t *testing.T) {
	l := newTestLoop(t)

	fut := l.NewFuture()
	require.NoError(t, fut.SetResult("ready"))

	task := l.NewTask(func(c *Coro) (any, error) {
		return c.Await(fut)
	})

	v, err := runUntil(t, l, task)
	require.NoError(t, err)
	assert.Equal(t, "ready", v)
}

func TestTaskAwaitFailedFutureSurfacesError(t *testing.T) {
	l := newTestLoop(t)

	boom := errors.New("boom")
	fut := l.NewFuture()
	l.CallSoon(func() { _ = fut.SetException(boom) })

	task := l.NewTask(func(c *Coro) (any, error) {
		return c.Await(fut)
	})

	_, err := runUntil(t, l, task)
	assert.ErrorIs(t, err, boom)
}

func TestTaskChainsThroughSubTasks(t *testing.T) {
	l := newTestLoop(t)

	inner := l.NewTask(func(c *Coro) (any, error) {
		if _, err := c.Await(Sleep(l, time.Millisecond)); err != nil {
			return nil, err
		}
		return "inner", nil
	})
	outer := l.NewTask(func(c *Coro) (any, error) {
		return c.Await(inner)
	})

	v, err := runUntil(t, l, outer)
	require.NoError(t, err)
	assert.Equal(t, "inner", v)
}

func TestTaskCancelBeforeFirstStep(t *testing.T) {
	l := newTestLoop(t)

	ran := false
	task := l.NewTask(func(c *Coro) (any, error) {
		ran = true
		return nil, nil
	})
	require.True(t, task.Cancel())

	_, err := runUntil(t, l, task)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, task.Cancelled())
	assert.False(t, ran, "coroutine must not run once cancelled before its first step")
}

func TestTaskCancelWhileSuspended(t *testing.T) {
	l := newTestLoop(t)

	sleep := Sleep(l, 10*time.Second)
	task := l.NewTask(func(c *Coro) (any, error) {
		return c.Await(sleep)
	})

	// Let the task reach its suspension point.
	runUntilTrue(t, l, func() bool { return task.waitingOn != nil })

	require.True(t, task.Cancel())
	_, err := runUntil(t, l, task)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, task.Cancelled())
	assert.True(t, sleep.Cancelled(), "awaited future must be cancelled")
}

func TestTaskCancelPropagatesThroughTaskChain(t *testing.T) {
	l := newTestLoop(t)

	sleep := Sleep(l, 10*time.Second)
	t2 := l.NewTask(func(c *Coro) (any, error) {
		return c.Await(sleep)
	})
	t1 := l.NewTask(func(c *Coro) (any, error) {
		return c.Await(t2)
	})

	runUntilTrue(t, l, func() bool { return t1.waitingOn != nil && t2.waitingOn != nil })

	require.True(t, t1.Cancel())

	runUntilTrue(t, l, func() bool { return t1.Done() && t2.Done() })
	assert.True(t, t1.Cancelled())
	assert.True(t, t2.Cancelled())
	assert.True(t, sleep.Cancelled())
}

func TestTaskCancelAfterCompletionReturnsFalse(t *testing.T) {
	l := newTestLoop(t)

	task := l.NewTask(func(c *Coro) (any, error) { return nil, nil })
	_, err := runUntil(t, l, task)
	require.NoError(t, err)
	assert.False(t, task.Cancel())
}

func TestTaskAwaitForeignLoopFuture(t *testing.T) {
	l := newTestLoop(t)
	other := newTestLoop(t)

	foreign := other.NewFuture()
	task := l.NewTask(func(c *Coro) (any, error) {
		return c.Await(foreign)
	})

	_, err := runUntil(t, l, task)
	var typeErr *TypeError
	assert.ErrorAs(t, err, &typeErr)
}

func TestTaskCoroutineReturningCancelledMarksTaskCancelled(t *testing.T) {
	l := newTestLoop(t)

	task := l.NewTask(func(c *Coro) (any, error) {
		return nil, ErrCancelled
	})

	_, err := runUntil(t, l, task)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, task.Cancelled())
}
