package asyncio

import (
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// maxSignal bounds the valid signal numbers (NSIG). Linux reserves 64;
// smaller tables on other platforms simply never deliver the high numbers.
const maxSignal = 64

// AddSignalHandler installs callback for sig, dispatched on the loop
// goroutine. The OS notification wakes the loop through the self-pipe; the
// stored handle runs on the next tick.
//
// Returns an error for out-of-range signals and for signals that cannot be
// caught (SIGKILL, SIGSTOP).
func (l *EventLoop) AddSignalHandler(sig unix.Signal, callback func()) error {
	if sig <= 0 || int(sig) >= maxSignal {
		return fmt.Errorf("%w: sig %d out of range", ErrInvalidArgument, sig)
	}
	if sig == unix.SIGKILL || sig == unix.SIGSTOP {
		return fmt.Errorf("asyncio: sig %d cannot be caught", sig)
	}

	l.sigMu.Lock()
	defer l.sigMu.Unlock()

	if l.sigCh == nil {
		l.sigCh = make(chan os.Signal, 16)
		l.sigDone = make(chan struct{})
		go l.watchSignals(l.sigCh, l.sigDone)
	}

	if prev, ok := l.sigHandlers[sig]; ok {
		prev.Cancel()
	}
	l.sigHandlers[sig] = newHandle(callback)
	signal.Notify(l.sigCh, sig)
	return nil
}

// RemoveSignalHandler uninstalls the handler for sig and restores the
// default disposition. Returns true iff a handler was removed. When the
// last handler goes, the wakeup subscription is cleared.
func (l *EventLoop) RemoveSignalHandler(sig unix.Signal) bool {
	l.sigMu.Lock()
	defer l.sigMu.Unlock()

	h, ok := l.sigHandlers[sig]
	if !ok {
		return false
	}
	h.Cancel()
	delete(l.sigHandlers, sig)
	signal.Reset(sig)

	if len(l.sigHandlers) == 0 && l.sigCh != nil {
		signal.Stop(l.sigCh)
		close(l.sigDone)
		l.sigCh = nil
		l.sigDone = nil
	}
	return true
}

// watchSignals forwards OS signal notifications onto the loop. Each
// delivery writes the self-pipe via CallSoonThreadsafe, so a blocking
// select returns within one cycle.
func (l *EventLoop) watchSignals(ch chan os.Signal, done chan struct{}) {
	for {
		select {
		case s := <-ch:
			sig, ok := s.(unix.Signal)
			if !ok {
				continue
			}
			l.sigMu.Lock()
			h := l.sigHandlers[sig]
			l.sigMu.Unlock()
			if h == nil || h.Cancelled() {
				continue
			}
			l.CallSoonThreadsafe(func() {
				if !h.Cancelled() {
					l.runHandle(h)
				}
			})
		case <-done:
			return
		}
	}
}

// removeAllSignalHandlers tears down the signal table during Close.
func (l *EventLoop) removeAllSignalHandlers() {
	l.sigMu.Lock()
	sigs := make([]unix.Signal, 0, len(l.sigHandlers))
	for sig := range l.sigHandlers {
		sigs = append(sigs, sig)
	}
	l.sigMu.Unlock()
	for _, sig := range sigs {
		l.RemoveSignalHandler(sig)
	}
}
