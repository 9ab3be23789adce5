package asyncio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestLoop creates a loop that is closed when the test finishes.
func newTestLoop(t *testing.T) *EventLoop {
	t.Helper()
	l, err := NewEventLoop()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// tick runs one loop iteration with a short poll cap.
func tick(l *EventLoop) {
	d := 10 * time.Millisecond
	l.runOnce(&d)
}

// ticks runs n loop iterations.
func ticks(l *EventLoop, n int) {
	for i := 0; i < n; i++ {
		tick(l)
	}
}

// runUntil pumps the loop until aw settles, guarding against hangs, and
// returns its outcome.
func runUntil(t *testing.T, l *EventLoop, aw Awaitable) (any, error) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !aw.future().Done() {
		require.True(t, time.Now().Before(deadline), "future did not settle in time")
		tick(l)
	}
	return aw.future().Result()
}

// runUntilTrue pumps the loop until cond holds.
func runUntilTrue(t *testing.T, l *EventLoop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition did not hold in time")
		tick(l)
	}
}

// testPipe is a non-blocking pipe pair for readiness tests.
type testPipe struct {
	r, w int
}

func newTestPipe(t *testing.T) *testPipe {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	for _, fd := range p {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	tp := &testPipe{r: p[0], w: p[1]}
	t.Cleanup(func() {
		_ = unix.Close(tp.r)
		_ = unix.Close(tp.w)
	})
	return tp
}

func (p *testPipe) write(t *testing.T, data []byte) {
	t.Helper()
	_, err := unix.Write(p.w, data)
	require.NoError(t, err)
}

func readFd(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}
