package asyncio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInExecutorDeliversResult(t *testing.T) {
	l := newTestLoop(t)

	fut := l.RunInExecutor(nil, func() (any, error) {
		return 21 * 2, nil
	})

	v, err := runUntil(t, l, fut)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRunInExecutorDeliversError(t *testing.T) {
	l := newTestLoop(t)

	boom := errors.New("offload failed")
	fut := l.RunInExecutor(nil, func() (any, error) {
		return nil, boom
	})

	_, err := runUntil(t, l, fut)
	assert.ErrorIs(t, err, boom)
}

func TestRunInExecutorRunsOffLoopThread(t *testing.T) {
	l := newTestLoop(t)

	loopID := goroutineID()
	fut := l.RunInExecutor(nil, func() (any, error) {
		return goroutineID(), nil
	})

	v, err := runUntil(t, l, fut)
	require.NoError(t, err)
	assert.NotEqual(t, loopID, v)
}

func TestRunHandleInExecutorCancelledShortCircuits(t *testing.T) {
	l := newTestLoop(t)

	ran := false
	h := newHandle(func() { ran = true })
	h.Cancel()

	fut := l.RunHandleInExecutor(nil, h)
	require.True(t, fut.Done(), "cancelled handle must complete synchronously")
	v, err := fut.Result()
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.False(t, ran)
}

func TestRunHandleInExecutorRunsLiveHandle(t *testing.T) {
	l := newTestLoop(t)

	done := make(chan struct{})
	h := newHandle(func() { close(done) })
	fut := l.RunHandleInExecutor(nil, h)

	_, err := runUntil(t, l, fut)
	require.NoError(t, err)
	<-done
}

func TestSetDefaultExecutorUsed(t *testing.T) {
	l := newTestLoop(t)

	custom := &countingExecutor{inner: NewPoolExecutor(1)}
	l.SetDefaultExecutor(custom)
	t.Cleanup(custom.inner.Shutdown)

	fut := l.RunInExecutor(nil, func() (any, error) { return nil, nil })
	_, err := runUntil(t, l, fut)
	require.NoError(t, err)
	assert.Equal(t, 1, custom.submits)
}

func TestPoolExecutorSubmitAfterShutdown(t *testing.T) {
	p := NewPoolExecutor(2)
	require.NoError(t, p.Submit(func() {}))
	p.Shutdown()
	p.Shutdown() // idempotent
	assert.ErrorIs(t, p.Submit(func() {}), ErrExecutorShutdown)
}

// countingExecutor counts submissions and delegates to a real pool.
type countingExecutor struct {
	inner   *PoolExecutor
	submits int
}

func (c *countingExecutor) Submit(fn func()) error {
	c.submits++
	return c.inner.Submit(fn)
}
