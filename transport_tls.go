package asyncio

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"sync"
)

// TLSTransport is a stream transport carried over crypto/tls.
//
// Go's TLS implementation cannot be driven by a want-read/want-write retry
// loop against a non-blocking fd, so the record layer is bridged instead:
// the handshake, reads, and writes run on helper goroutines against a
// blocking net.Conn, and every protocol callback is marshalled back onto
// the loop goroutine with CallSoonThreadsafe. The public contract is
// identical to [StreamTransport]: buffered writes, pause/resume, graceful
// close after drain, and exactly-once ConnectionLost.
type TLSTransport struct {
	baseTransport
	tlsConn  *tls.Conn
	protocol Protocol

	mu         sync.Mutex
	buffer     []byte
	writeSig   chan struct{}
	resumeCh   chan struct{}
	paused     bool
	writePause bool
	draining   bool

	handshakeWaiter *Future
	readStarted     bool
	lostOnce        sync.Once
	closedCh        chan struct{}
	closeOnce       sync.Once
}

var _ ReadTransport = (*TLSTransport)(nil)
var _ WriteTransport = (*TLSTransport)(nil)

// NewTLSTransport wraps a connected socket in TLS. The socket's fd is
// duplicated into a net.Conn and the original is closed; the transport
// owns the duplicate. The handshake starts immediately; its completion is
// observable through [TLSTransport.HandshakeWaiter].
func NewTLSTransport(loop *EventLoop, sock *Socket, cfg *tls.Config, serverSide bool, extra map[string]any) (*TLSTransport, error) {
	file := os.NewFile(uintptr(sock.Fd()), "tls-transport")
	netConn, err := net.FileConn(file)
	_ = file.Close()
	if err != nil {
		return nil, err
	}
	_ = sock.Close()

	var tlsConn *tls.Conn
	if serverSide {
		tlsConn = tls.Server(netConn, cfg)
	} else {
		tlsConn = tls.Client(netConn, cfg)
	}

	if extra == nil {
		extra = make(map[string]any)
	}
	extra["peername"] = netConn.RemoteAddr()
	extra["sockname"] = netConn.LocalAddr()

	t := &TLSTransport{
		baseTransport:   newBaseTransport(loop, extra),
		tlsConn:         tlsConn,
		writeSig:        make(chan struct{}, 1),
		resumeCh:        make(chan struct{}, 1),
		handshakeWaiter: loop.NewFuture(),
		closedCh:        make(chan struct{}),
	}

	go t.handshake()
	return t, nil
}

// HandshakeWaiter returns the future that settles when the TLS handshake
// completes: with the transport on success, the handshake error otherwise.
func (t *TLSTransport) HandshakeWaiter() *Future {
	return t.handshakeWaiter
}

func (t *TLSTransport) handshake() {
	err := t.tlsConn.Handshake()
	t.loop.CallSoonThreadsafe(func() {
		if err != nil {
			_ = t.tlsConn.Close()
			if !t.handshakeWaiter.Done() {
				_ = t.handshakeWaiter.SetException(err)
			}
			return
		}
		state := t.tlsConn.ConnectionState()
		t.extra["tls_state"] = state
		t.extra["cipher"] = state.CipherSuite
		if !t.handshakeWaiter.Done() {
			_ = t.handshakeWaiter.SetResult(t)
		}
	})
}

// RegisterProtocol attaches the protocol, schedules ConnectionMade once
// the handshake succeeds, and starts the read and write pumps.
func (t *TLSTransport) RegisterProtocol(p Protocol) error {
	if t.protocol != nil {
		return ErrProtocolRegistered
	}
	t.protocol = p
	t.handshakeWaiter.AddDoneCallback(func(f *Future) {
		if _, err := f.Result(); err != nil {
			t.scheduleConnectionLost(err)
			return
		}
		t.callProtocol(func() { p.ConnectionMade(t) })
		if !t.readStarted {
			t.readStarted = true
			go t.readPump()
			go t.writePump()
		}
	})
	return nil
}

// readPump moves plaintext from the TLS record layer onto the loop.
func (t *TLSTransport) readPump() {
	buf := make([]byte, maxRecvSize)
	for {
		t.mu.Lock()
		paused := t.paused
		t.mu.Unlock()
		if paused {
			select {
			case <-t.resumeCh:
			case <-t.closedCh:
				return
			}
			continue
		}

		n, err := t.tlsConn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.loop.CallSoonThreadsafe(func() {
				if t.connLost == 0 && !t.closing {
					t.callProtocol(func() { t.protocol.DataReceived(data) })
				}
			})
		}
		if err != nil {
			select {
			case <-t.closedCh:
				return
			default:
			}
			t.loop.CallSoonThreadsafe(func() {
				if errors.Is(err, io.EOF) {
					keepOpen := false
					t.callProtocol(func() { keepOpen = t.protocol.EOFReceived() })
					if !keepOpen {
						t.Close()
					}
				} else if !t.closing {
					t.fatalError(err)
				}
			})
			return
		}
	}
}

// writePump drains the write buffer into the TLS record layer.
func (t *TLSTransport) writePump() {
	for {
		select {
		case <-t.writeSig:
		case <-t.closedCh:
			t.flush()
			_ = t.tlsConn.Close()
			return
		}

		t.flush()

		t.mu.Lock()
		draining := t.draining && len(t.buffer) == 0
		t.mu.Unlock()
		if draining {
			_ = t.tlsConn.Close()
			t.scheduleConnectionLost(nil)
			return
		}
	}
}

func (t *TLSTransport) flush() {
	for {
		t.mu.Lock()
		if len(t.buffer) == 0 || (t.writePause && !t.draining) {
			t.mu.Unlock()
			return
		}
		chunk := t.buffer
		t.buffer = nil
		t.mu.Unlock()

		if _, err := t.tlsConn.Write(chunk); err != nil {
			t.loop.CallSoonThreadsafe(func() {
				if !t.closing {
					t.fatalError(err)
				}
			})
			return
		}
	}
}

// Write buffers data; the write pump transmits it asynchronously.
func (t *TLSTransport) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	if t.connLost > 0 || t.closing {
		t.dropWrite("tls-write-drop")
		return
	}
	queued := make([]byte, len(data))
	copy(queued, data)
	t.mu.Lock()
	t.buffer = append(t.buffer, queued...)
	writePause := t.writePause
	t.mu.Unlock()
	if !writePause {
		t.signalWrite()
	}
}

// Writelines writes each chunk in order.
func (t *TLSTransport) Writelines(data [][]byte) {
	for _, chunk := range data {
		t.Write(chunk)
	}
}

// WriteEOF is unsupported: closing the write side of a TLS connection
// requires a close_notify alert, which tears down the session.
func (t *TLSTransport) WriteEOF() {}

// CanWriteEOF reports false.
func (t *TLSTransport) CanWriteEOF() bool { return false }

// Pause stops DataReceived delivery until Resume.
func (t *TLSTransport) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

// Resume re-enables delivery.
func (t *TLSTransport) Resume() {
	t.mu.Lock()
	wasPaused := t.paused
	t.paused = false
	t.mu.Unlock()
	if wasPaused {
		select {
		case t.resumeCh <- struct{}{}:
		default:
		}
	}
}

// PauseWriting defers transmission; written data accumulates.
func (t *TLSTransport) PauseWriting() {
	t.mu.Lock()
	t.writePause = true
	t.mu.Unlock()
}

// ResumeWriting re-enables transmission and flushes the buffer.
func (t *TLSTransport) ResumeWriting() {
	t.mu.Lock()
	t.writePause = false
	t.mu.Unlock()
	t.signalWrite()
}

// DiscardOutput drops buffered plaintext not yet handed to the record
// layer.
func (t *TLSTransport) DiscardOutput() {
	t.mu.Lock()
	t.buffer = nil
	t.mu.Unlock()
}

// Close drains buffered data, sends close_notify, and delivers
// ConnectionLost(nil). Idempotent.
func (t *TLSTransport) Close() {
	if t.closing {
		return
	}
	t.closing = true
	t.connLost++
	t.mu.Lock()
	t.draining = true
	empty := len(t.buffer) == 0
	t.mu.Unlock()
	if !t.readStarted {
		// Never registered; nothing to drain.
		_ = t.tlsConn.Close()
		t.scheduleConnectionLost(nil)
		return
	}
	if empty {
		t.closeOnce.Do(func() { close(t.closedCh) })
		t.scheduleConnectionLost(nil)
		return
	}
	t.signalWrite()
}

// Abort closes immediately, discarding buffered data.
func (t *TLSTransport) Abort() {
	t.forceClose(nil)
}

func (t *TLSTransport) signalWrite() {
	select {
	case t.writeSig <- struct{}{}:
	default:
	}
}

func (t *TLSTransport) forceClose(err error) {
	t.closing = true
	t.connLost++
	t.mu.Lock()
	t.buffer = nil
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.closedCh) })
	_ = t.tlsConn.Close()
	t.scheduleConnectionLost(err)
}

func (t *TLSTransport) fatalError(err error) {
	t.loop.logError(err, "tls-transport", "fatal transport error")
	t.forceClose(err)
}

// scheduleConnectionLost delivers ConnectionLost exactly once, on the loop
// goroutine. Safe to call from the pump goroutines.
func (t *TLSTransport) scheduleConnectionLost(err error) {
	t.lostOnce.Do(func() {
		t.closeOnce.Do(func() { close(t.closedCh) })
		t.loop.CallSoonThreadsafe(func() {
			t.connLost++
			if t.protocol != nil {
				p := t.protocol
				t.callProtocolFinal(func() { p.ConnectionLost(err) })
			}
		})
	})
}

func (t *TLSTransport) callProtocol(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.logPanic(r, "tls-transport", "protocol callback panicked")
			t.forceClose(errProtocolPanic)
		}
	}()
	fn()
}

func (t *TLSTransport) callProtocolFinal(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.logPanic(r, "tls-transport", "protocol callback panicked")
		}
	}()
	fn()
}
