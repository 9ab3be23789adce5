package asyncio

import (
	"container/heap"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// slowSelectThreshold is the select duration above which the loop logs at
// info instead of debug. Diagnostic for starvation by long callbacks.
const slowSelectThreshold = time.Second

// fdEntry is the selector key for a file descriptor: the reader and writer
// handles registered on it. Either slot may be nil. At most one reader and
// one writer registration exist per fd.
type fdEntry struct {
	reader *Handle
	writer *Handle
	fd     int
}

func (e *fdEntry) events() Events {
	var ev Events
	if e.reader != nil {
		ev |= EventRead
	}
	if e.writer != nil {
		ev |= EventWrite
	}
	return ev
}

// EventLoop is a single-threaded cooperative scheduler driving ready
// callbacks, timers, signal handlers, and I/O readiness callbacks.
//
// The loop goroutine exclusively owns the ready queue, timer queue, signal
// table, self-pipe, and default executor reference. All callbacks run on
// the loop goroutine; from any other goroutine only CallSoonThreadsafe is
// legal.
type EventLoop struct {
	// Prevent copying.
	_ [0]func()

	selector Selector

	// readyMu guards ready/spare; CallSoonThreadsafe appends from other
	// goroutines, everything else is loop-thread only.
	readyMu sync.Mutex
	ready   []*Handle
	spare   []*Handle

	timers   timerHeap
	timerSeq uint64

	fds map[int]*fdEntry

	wakeFd      int
	wakeWriteFd int
	wakeBuf     [64]byte

	sigMu       sync.Mutex
	sigHandlers map[unix.Signal]*Handle
	sigCh       chan os.Signal
	sigDone     chan struct{}

	defaultExecutor Executor
	ownsExecutor    bool

	logger      *logiface.Logger[logiface.Event]
	warnLimiter *catrate.Limiter

	threadID atomic.Uint64
	running  atomic.Bool
	stopping atomic.Bool
	closed   atomic.Bool
}

// NewEventLoop creates an event loop with the platform selector and a
// self-pipe wakeup registered for reading.
func NewEventLoop(opts ...LoopOption) (*EventLoop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	sel := cfg.selector
	if sel == nil {
		sel, err = newPlatformSelector()
		if err != nil {
			return nil, err
		}
	}

	wakeFd, wakeWriteFd, err := createWakeupFd()
	if err != nil {
		_ = sel.Close()
		return nil, err
	}

	l := &EventLoop{
		selector:        sel,
		fds:             make(map[int]*fdEntry),
		wakeFd:          wakeFd,
		wakeWriteFd:     wakeWriteFd,
		sigHandlers:     make(map[unix.Signal]*Handle),
		defaultExecutor: cfg.executor,
		logger:          cfg.logger,
		warnLimiter:     catrate.NewLimiter(cfg.warnRates),
	}
	l.AddReader(wakeFd, l.drainWakeup)
	return l, nil
}

// Time returns the loop's monotonic clock reading. Timer deadlines are
// expressed against this clock.
func (l *EventLoop) Time() time.Time {
	return time.Now()
}

// CallSoon appends a callback to the ready queue in FIFO order and returns
// its handle. The callback runs on the next tick of the loop.
func (l *EventLoop) CallSoon(callback func()) *Handle {
	h := newHandle(callback)
	l.pushReady(h)
	return h
}

// CallSoonThreadsafe is the only scheduling entry point legal from outside
// the loop goroutine. It enqueues the callback and, when called off the loop
// goroutine, signals the wakeup fd so a blocking select returns promptly.
func (l *EventLoop) CallSoonThreadsafe(callback func()) *Handle {
	h := newHandle(callback)
	l.pushReady(h)
	if !l.isLoopThread() {
		l.writeWakeup()
	}
	return h
}

// CallLater schedules a callback after delay and returns its timer handle.
// A negative delay schedules in the past; such timers fire on the next
// tick, ordered by their numeric deadline.
func (l *EventLoop) CallLater(delay time.Duration, callback func()) *TimerHandle {
	return l.CallAt(l.Time().Add(delay), callback)
}

// CallAt schedules a callback at an absolute deadline on the loop's clock.
func (l *EventLoop) CallAt(when time.Time, callback func()) *TimerHandle {
	l.timerSeq++
	h := &TimerHandle{when: when, seq: l.timerSeq}
	h.callback = callback
	heap.Push(&l.timers, h)
	return h
}

// AddReader registers a read-readiness callback for fd, replacing and
// cancelling any prior reader. A writer on the same fd shares the selector
// registration; adding the second side promotes it to READ|WRITE.
func (l *EventLoop) AddReader(fd int, callback func()) {
	h := newHandle(callback)
	entry, ok := l.fds[fd]
	if !ok {
		entry = &fdEntry{fd: fd, reader: h}
		l.fds[fd] = entry
		if err := l.selector.Register(fd, entry.events(), entry); err != nil {
			delete(l.fds, fd)
			l.logError(err, "selector", "register reader failed")
		}
		return
	}
	if entry.reader != nil {
		entry.reader.Cancel()
	}
	entry.reader = h
	if err := l.selector.Modify(fd, entry.events(), entry); err != nil {
		l.logError(err, "selector", "modify reader failed")
	}
}

// AddWriter registers a write-readiness callback for fd, replacing and
// cancelling any prior writer.
func (l *EventLoop) AddWriter(fd int, callback func()) {
	h := newHandle(callback)
	entry, ok := l.fds[fd]
	if !ok {
		entry = &fdEntry{fd: fd, writer: h}
		l.fds[fd] = entry
		if err := l.selector.Register(fd, entry.events(), entry); err != nil {
			delete(l.fds, fd)
			l.logError(err, "selector", "register writer failed")
		}
		return
	}
	if entry.writer != nil {
		entry.writer.Cancel()
	}
	entry.writer = h
	if err := l.selector.Modify(fd, entry.events(), entry); err != nil {
		l.logError(err, "selector", "modify writer failed")
	}
}

// RemoveReader drops the read-readiness callback for fd. Returns true iff
// a reader was removed. Removing the last side unregisters the fd.
func (l *EventLoop) RemoveReader(fd int) bool {
	entry, ok := l.fds[fd]
	if !ok || entry.reader == nil {
		return false
	}
	entry.reader.Cancel()
	entry.reader = nil
	l.demote(entry)
	return true
}

// RemoveWriter drops the write-readiness callback for fd. Returns true iff
// a writer was removed.
func (l *EventLoop) RemoveWriter(fd int) bool {
	entry, ok := l.fds[fd]
	if !ok || entry.writer == nil {
		return false
	}
	entry.writer.Cancel()
	entry.writer = nil
	l.demote(entry)
	return true
}

// demote narrows or removes the selector registration after a side was
// dropped.
func (l *EventLoop) demote(entry *fdEntry) {
	if ev := entry.events(); ev != 0 {
		if err := l.selector.Modify(entry.fd, ev, entry); err != nil {
			l.logError(err, "selector", "demote registration failed")
		}
		return
	}
	delete(l.fds, entry.fd)
	if _, err := l.selector.Unregister(entry.fd); err != nil {
		l.logError(err, "selector", "unregister failed")
	}
}

// RunForever runs the loop until Stop is called. It blocks the calling
// goroutine, which becomes the loop goroutine.
func (l *EventLoop) RunForever() error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	l.threadID.Store(goroutineID())
	defer func() {
		l.threadID.Store(0)
		l.stopping.Store(false)
		l.running.Store(false)
	}()

	for !l.stopping.Load() {
		l.runOnce(nil)
	}
	return nil
}

// RunUntilComplete runs the loop until the awaitable settles, then returns
// its outcome. Only an Awaitable is accepted: a coroutine is not wrapped
// here, and runs once [EventLoop.NewTask] has made a Task of it.
func (l *EventLoop) RunUntilComplete(aw Awaitable) (any, error) {
	fut := aw.future()
	fut.AddDoneCallback(func(*Future) { l.Stop() })
	if err := l.RunForever(); err != nil {
		return nil, err
	}
	return fut.Result()
}

// Stop requests exit after the current iteration completes. Idempotent;
// safe from any goroutine.
func (l *EventLoop) Stop() {
	l.stopping.Store(true)
	if !l.isLoopThread() {
		l.writeWakeup()
	}
}

// Close shuts the selector, releases the self-pipe, removes any installed
// signal handlers, and shuts down a loop-owned default executor.
// Idempotent. Returns ErrLoopRunning if the loop is still running.
func (l *EventLoop) Close() error {
	if l.running.Load() {
		return ErrLoopRunning
	}
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.removeAllSignalHandlers()
	_ = l.selector.Close()
	closeWakeupFd(l.wakeFd, l.wakeWriteFd)
	if l.ownsExecutor {
		if p, ok := l.defaultExecutor.(*PoolExecutor); ok {
			p.Shutdown()
		}
	}
	return nil
}

// runOnce is a single iteration: select, enqueue readiness, pop expired
// timers, then drain the ready queue as it stood at the start of the drain.
// Handles scheduled during the drain run on the next tick.
func (l *EventLoop) runOnce(timeout *time.Duration) {
	selTimeout := l.selectTimeout(timeout)

	start := l.Time()
	events, err := l.selector.Select(selTimeout)
	elapsed := time.Since(start)
	if err != nil {
		l.logError(err, "poll", "select failed")
	}
	if elapsed > slowSelectThreshold {
		l.logInfoDur(elapsed, "poll", "slow select")
	} else {
		l.logDebugDur(elapsed, "poll", "select")
	}

	l.processEvents(events)

	// Move expired timers onto the ready queue, skipping tombstones.
	now := l.Time()
	for len(l.timers) > 0 {
		next := l.timers[0]
		if next.Cancelled() {
			heap.Pop(&l.timers)
			continue
		}
		if next.when.After(now) {
			break
		}
		heap.Pop(&l.timers)
		l.pushReady(&next.Handle)
	}

	// Swap-drain: callbacks scheduled while draining land on the fresh
	// slice and run next tick.
	l.readyMu.Lock()
	batch := l.ready
	l.ready = l.spare[:0]
	l.readyMu.Unlock()

	for i, h := range batch {
		if !h.Cancelled() {
			l.runHandle(h)
		}
		batch[i] = nil
	}
	l.spare = batch[:0]
}

// selectTimeout computes the poll timeout: zero when work is already
// queued, else bounded by the next timer deadline and the caller's cap.
func (l *EventLoop) selectTimeout(timeout *time.Duration) *time.Duration {
	l.readyMu.Lock()
	readyLen := len(l.ready)
	l.readyMu.Unlock()

	var zero time.Duration
	if readyLen > 0 || l.stopping.Load() {
		return &zero
	}

	result := timeout
	for len(l.timers) > 0 {
		next := l.timers[0]
		if next.Cancelled() {
			heap.Pop(&l.timers)
			continue
		}
		delta := next.when.Sub(l.Time())
		if delta < 0 {
			delta = 0
		}
		if result == nil || delta < *result {
			result = &delta
		}
		break
	}
	return result
}

// processEvents turns readiness reports into ready-queue entries. Handles
// cancelled since registration are scrubbed from the selector.
func (l *EventLoop) processEvents(events []SelectorEvent) {
	for _, ev := range events {
		entry, ok := ev.Key.(*fdEntry)
		if !ok || l.fds[ev.FD] != entry {
			continue // stale report for a recycled fd
		}
		if ev.Events&EventRead != 0 && entry.reader != nil {
			if entry.reader.Cancelled() {
				l.RemoveReader(ev.FD)
			} else {
				l.pushReady(entry.reader)
			}
		}
		if ev.Events&EventWrite != 0 && entry.writer != nil {
			if entry.writer.Cancelled() {
				l.RemoveWriter(ev.FD)
			} else {
				l.pushReady(entry.writer)
			}
		}
	}
}

func (l *EventLoop) pushReady(h *Handle) {
	l.readyMu.Lock()
	l.ready = append(l.ready, h)
	l.readyMu.Unlock()
}

// runHandle executes a handle's callback with panic isolation. Callback
// failures are logged and never abort the loop.
func (l *EventLoop) runHandle(h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			l.logPanic(r, "dispatch", "callback panicked")
		}
	}()
	h.callback()
}

// writeWakeup writes to the self-pipe so a blocking select returns.
func (l *EventLoop) writeWakeup() {
	var buf [8]byte
	buf[0] = 1
	// Write errors are expected while the pipe is closing down.
	_, _ = unix.Write(l.wakeWriteFd, buf[:])
}

// drainWakeup empties the self-pipe. Registered as the wakeup fd's reader.
func (l *EventLoop) drainWakeup() {
	for {
		if _, err := unix.Read(l.wakeFd, l.wakeBuf[:]); err != nil {
			return
		}
	}
}

// isLoopThread reports whether the caller is on the loop goroutine.
func (l *EventLoop) isLoopThread() bool {
	id := l.threadID.Load()
	return id != 0 && goroutineID() == id
}

// goroutineID extracts the current goroutine's numeric id from the stack
// header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// --- logging helpers (logiface builders are nil-safe but the logger
// pointer itself may be absent) ---

func (l *EventLoop) logError(err error, component, msg string) {
	if l.logger == nil {
		return
	}
	l.logger.Err().Err(err).Str("component", component).Log(msg)
}

func (l *EventLoop) logPanic(r any, component, msg string) {
	if l.logger == nil {
		return
	}
	l.logger.Err().Any("panic", r).Str("component", component).Log(msg)
}

func (l *EventLoop) logWarning(component, msg string) {
	if l.logger == nil {
		return
	}
	l.logger.Warning().Str("component", component).Log(msg)
}

func (l *EventLoop) logInfoDur(d time.Duration, component, msg string) {
	if l.logger == nil {
		return
	}
	l.logger.Info().Dur("elapsed", d).Str("component", component).Log(msg)
}

func (l *EventLoop) logDebugDur(d time.Duration, component, msg string) {
	if l.logger == nil {
		return
	}
	l.logger.Debug().Dur("elapsed", d).Str("component", component).Log(msg)
}

// warnRateLimited emits a warning subject to the loop's categorical rate
// limiter; repeated warnings for the same category are capped.
func (l *EventLoop) warnRateLimited(category, msg string) {
	if _, ok := l.warnLimiter.Allow(category); !ok {
		return
	}
	l.logWarning(category, msg)
}
