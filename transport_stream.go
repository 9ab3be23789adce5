package asyncio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// StreamTransport is a non-blocking stream conduit with buffered writes.
//
// Lifecycle: created idle; RegisterProtocol enables the reader and
// schedules ConnectionMade; Close drains the write buffer and then
// delivers ConnectionLost(nil); Abort and fatal errors skip the drain.
// ConnectionLost is delivered exactly once, via CallSoon, after every
// DataReceived/EOFReceived for the connection.
type StreamTransport struct {
	baseTransport
	conn       streamConn
	protocol   Protocol
	buffer     []byte
	writerOn   bool
	readerOn   bool
	paused     bool
	writePause bool
	eofPending bool
	eofWritten bool
}

var _ ReadTransport = (*StreamTransport)(nil)
var _ WriteTransport = (*StreamTransport)(nil)

// NewStreamTransport wraps an already-connected non-blocking socket.
func NewStreamTransport(loop *EventLoop, sock *Socket, extra map[string]any) *StreamTransport {
	if extra == nil {
		extra = make(map[string]any)
	}
	if _, ok := extra["socket"]; !ok {
		extra["socket"] = sock
	}
	if _, ok := extra["peername"]; !ok {
		if peer, err := sock.RemoteAddr(); err == nil {
			extra["peername"] = peer
		}
	}
	if _, ok := extra["sockname"]; !ok {
		if name, err := sock.LocalAddr(); err == nil {
			extra["sockname"] = name
		}
	}
	return newStreamTransport(loop, sock, extra)
}

func newStreamTransport(loop *EventLoop, conn streamConn, extra map[string]any) *StreamTransport {
	return &StreamTransport{
		baseTransport: newBaseTransport(loop, extra),
		conn:          conn,
	}
}

// RegisterProtocol attaches the protocol, schedules its ConnectionMade,
// and enables the reader. Attaching a second protocol is a programmer
// error and returns ErrProtocolRegistered.
func (t *StreamTransport) RegisterProtocol(p Protocol) error {
	if t.protocol != nil {
		return ErrProtocolRegistered
	}
	t.protocol = p
	t.loop.CallSoon(func() { t.callProtocol(func() { p.ConnectionMade(t) }) })
	t.loop.AddReader(t.conn.Fd(), t.readReady)
	t.readerOn = true
	return nil
}

// Pause stops delivery to DataReceived until Resume.
func (t *StreamTransport) Pause() {
	if !t.readerOn || t.closing {
		return
	}
	t.paused = true
	t.loop.RemoveReader(t.conn.Fd())
	t.readerOn = false
}

// Resume re-enables delivery.
func (t *StreamTransport) Resume() {
	if !t.paused || t.closing {
		return
	}
	t.paused = false
	t.loop.AddReader(t.conn.Fd(), t.readReady)
	t.readerOn = true
}

// Write buffers data for asynchronous transmission. The first chunk is
// attempted inline when the buffer is empty and writing is not paused;
// the remainder is buffered and flushed on write readiness.
func (t *StreamTransport) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	if t.connLost > 0 || t.closing || t.eofWritten || t.eofPending {
		t.dropWrite("stream-write-drop")
		return
	}

	if len(t.buffer) == 0 && !t.writePause {
		n, err := t.conn.Send(data)
		switch {
		case err == nil:
			if n == len(data) {
				return
			}
			data = data[n:]
		case isBlockingErr(err) || isInterruptedErr(err):
			// fall through to buffering
		default:
			t.fatalError(err)
			return
		}
	}

	t.buffer = append(t.buffer, data...)
	t.scheduleWriter()
}

// Writelines writes each chunk in order.
func (t *StreamTransport) Writelines(data [][]byte) {
	for _, chunk := range data {
		t.Write(chunk)
	}
}

// WriteEOF half-closes the sending direction once buffered data drains.
func (t *StreamTransport) WriteEOF() {
	if t.eofWritten || t.eofPending || t.closing || t.connLost > 0 {
		return
	}
	if len(t.buffer) == 0 {
		t.eofWritten = true
		_ = t.conn.ShutdownWrite()
		return
	}
	t.eofPending = true
}

// CanWriteEOF reports true; stream sockets support half-close.
func (t *StreamTransport) CanWriteEOF() bool { return true }

// PauseWriting defers sends; Write keeps buffering.
func (t *StreamTransport) PauseWriting() {
	if t.writePause {
		return
	}
	t.writePause = true
	if t.writerOn {
		t.loop.RemoveWriter(t.conn.Fd())
		t.writerOn = false
	}
}

// ResumeWriting re-enables sends and flushes any buffered data.
func (t *StreamTransport) ResumeWriting() {
	if !t.writePause {
		return
	}
	t.writePause = false
	if len(t.buffer) > 0 {
		t.scheduleWriter()
	}
}

// DiscardOutput drops buffered data.
func (t *StreamTransport) DiscardOutput() {
	t.buffer = nil
	if t.writerOn {
		t.loop.RemoveWriter(t.conn.Fd())
		t.writerOn = false
	}
}

// Close stops reading and, after the write buffer drains, delivers
// ConnectionLost(nil). Idempotent.
func (t *StreamTransport) Close() {
	if t.closing {
		return
	}
	t.closing = true
	if t.readerOn {
		t.loop.RemoveReader(t.conn.Fd())
		t.readerOn = false
	}
	if len(t.buffer) == 0 {
		t.connLost++
		t.scheduleConnectionLost(nil)
	}
}

// Abort closes immediately, discarding buffered data.
func (t *StreamTransport) Abort() {
	t.forceClose(nil)
}

// Buffered reports the number of bytes awaiting transmission.
func (t *StreamTransport) Buffered() int {
	return len(t.buffer)
}

// readReady is the fd's read-readiness callback.
func (t *StreamTransport) readReady() {
	buf := make([]byte, maxRecvSize)
	n, err := t.conn.Recv(buf)
	switch {
	case err == nil && n > 0:
		t.callProtocol(func() { t.protocol.DataReceived(buf[:n]) })
	case err == nil:
		// EOF from the peer.
		keepOpen := false
		t.callProtocol(func() { keepOpen = t.protocol.EOFReceived() })
		if keepOpen {
			// Half-open: stop reading, keep the write side alive.
			if t.readerOn {
				t.loop.RemoveReader(t.conn.Fd())
				t.readerOn = false
			}
		} else {
			t.Close()
		}
	case isBlockingErr(err) || isInterruptedErr(err):
		// Spurious wakeup; retry on next readiness.
	case errors.Is(err, unix.ECONNRESET):
		t.forceClose(err)
	default:
		t.fatalError(err)
	}
}

// writeReady is the fd's write-readiness callback; it drains the buffer.
func (t *StreamTransport) writeReady() {
	n, err := t.conn.Send(t.buffer)
	switch {
	case err == nil:
		t.buffer = t.buffer[n:]
	case isBlockingErr(err) || isInterruptedErr(err):
		return
	default:
		if t.writerOn {
			t.loop.RemoveWriter(t.conn.Fd())
			t.writerOn = false
		}
		t.fatalError(err)
		return
	}

	if len(t.buffer) > 0 {
		return
	}
	if t.writerOn {
		t.loop.RemoveWriter(t.conn.Fd())
		t.writerOn = false
	}
	if t.eofPending {
		t.eofPending = false
		t.eofWritten = true
		_ = t.conn.ShutdownWrite()
	}
	if t.closing {
		t.connLost++
		t.scheduleConnectionLost(nil)
	}
}

func (t *StreamTransport) scheduleWriter() {
	if t.writerOn || t.writePause || len(t.buffer) == 0 {
		return
	}
	t.loop.AddWriter(t.conn.Fd(), t.writeReady)
	t.writerOn = true
}

// forceClose tears the transport down without draining: buffered data is
// lost and ConnectionLost(err) is scheduled.
func (t *StreamTransport) forceClose(err error) {
	if t.lostScheduled {
		return
	}
	t.buffer = nil
	t.closing = true
	t.connLost++
	if t.readerOn {
		t.loop.RemoveReader(t.conn.Fd())
		t.readerOn = false
	}
	if t.writerOn {
		t.loop.RemoveWriter(t.conn.Fd())
		t.writerOn = false
	}
	t.scheduleConnectionLost(err)
}

// fatalError logs and force-closes.
func (t *StreamTransport) fatalError(err error) {
	t.loop.logError(err, "stream-transport", "fatal transport error")
	t.forceClose(err)
}

// scheduleConnectionLost arranges the exactly-once ConnectionLost dispatch
// and the fd release that follows it.
func (t *StreamTransport) scheduleConnectionLost(err error) {
	if t.lostScheduled {
		return
	}
	t.lostScheduled = true
	t.loop.CallSoon(func() {
		defer func() { _ = t.conn.Close() }()
		if t.protocol != nil {
			p := t.protocol
			t.callProtocolFinal(func() { p.ConnectionLost(err) })
		}
	})
}

// callProtocol runs a protocol callback with panic isolation; a panic
// force-closes the transport.
func (t *StreamTransport) callProtocol(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.logPanic(r, "stream-transport", "protocol callback panicked")
			t.forceClose(errProtocolPanic)
		}
	}()
	fn()
}

// callProtocolFinal isolates the terminal callback without re-entering
// forceClose.
func (t *StreamTransport) callProtocolFinal(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.logPanic(r, "stream-transport", "protocol callback panicked")
		}
	}()
	fn()
}

// errProtocolPanic marks a transport failure caused by a protocol callback
// panic.
var errProtocolPanic = errors.New("asyncio: protocol callback panicked")
