package asyncio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ReadPipeTransport delivers bytes read from a raw pipe fd to a protocol.
// The fd is set non-blocking on construction.
type ReadPipeTransport struct {
	baseTransport
	protocol Protocol
	fd       int
	readerOn bool
	paused   bool
}

var _ ReadTransport = (*ReadPipeTransport)(nil)

// ConnectReadPipe wraps fd in a read-pipe transport and registers the
// protocol produced by factory. The transport takes ownership of fd.
func (l *EventLoop) ConnectReadPipe(factory func() Protocol, fd int) (*ReadPipeTransport, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	t := &ReadPipeTransport{
		baseTransport: newBaseTransport(l, map[string]any{"pipe": fd}),
		fd:            fd,
	}
	if err := t.RegisterProtocol(factory()); err != nil {
		return nil, err
	}
	return t, nil
}

// RegisterProtocol attaches the protocol, schedules ConnectionMade, and
// enables the reader.
func (t *ReadPipeTransport) RegisterProtocol(p Protocol) error {
	if t.protocol != nil {
		return ErrProtocolRegistered
	}
	t.protocol = p
	t.loop.CallSoon(func() { t.callProtocol(func() { p.ConnectionMade(t) }) })
	t.loop.AddReader(t.fd, t.readReady)
	t.readerOn = true
	return nil
}

// Pause stops delivery until Resume.
func (t *ReadPipeTransport) Pause() {
	if !t.readerOn || t.closing {
		return
	}
	t.paused = true
	t.loop.RemoveReader(t.fd)
	t.readerOn = false
}

// Resume re-enables delivery.
func (t *ReadPipeTransport) Resume() {
	if !t.paused || t.closing {
		return
	}
	t.paused = false
	t.loop.AddReader(t.fd, t.readReady)
	t.readerOn = true
}

func (t *ReadPipeTransport) readReady() {
	buf := make([]byte, maxRecvSize)
	n, err := unix.Read(t.fd, buf)
	switch {
	case err == nil && n > 0:
		t.callProtocol(func() { t.protocol.DataReceived(buf[:n]) })
	case err == nil:
		// Write end closed.
		t.callProtocol(func() { t.protocol.EOFReceived() })
		t.Close()
	case isBlockingErr(err) || isInterruptedErr(err):
		// Spurious wakeup.
	default:
		t.fatalError(err)
	}
}

// Close stops reading and delivers ConnectionLost(nil). Idempotent.
func (t *ReadPipeTransport) Close() {
	if t.closing {
		return
	}
	t.closing = true
	t.connLost++
	if t.readerOn {
		t.loop.RemoveReader(t.fd)
		t.readerOn = false
	}
	t.scheduleConnectionLost(nil)
}

func (t *ReadPipeTransport) fatalError(err error) {
	t.loop.logError(err, "pipe-transport", "fatal transport error")
	t.forceClose(err)
}

func (t *ReadPipeTransport) forceClose(err error) {
	if t.lostScheduled {
		return
	}
	t.closing = true
	t.connLost++
	if t.readerOn {
		t.loop.RemoveReader(t.fd)
		t.readerOn = false
	}
	t.scheduleConnectionLost(err)
}

func (t *ReadPipeTransport) scheduleConnectionLost(err error) {
	if t.lostScheduled {
		return
	}
	t.lostScheduled = true
	t.loop.CallSoon(func() {
		defer func() { _ = unix.Close(t.fd) }()
		if t.protocol != nil {
			p := t.protocol
			t.callProtocolFinal(func() { p.ConnectionLost(err) })
		}
	})
}

func (t *ReadPipeTransport) callProtocol(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.logPanic(r, "pipe-transport", "protocol callback panicked")
			t.forceClose(errProtocolPanic)
		}
	}()
	fn()
}

func (t *ReadPipeTransport) callProtocolFinal(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.logPanic(r, "pipe-transport", "protocol callback panicked")
		}
	}()
	fn()
}

// WritePipeTransport buffers writes to a raw pipe fd. Close is equivalent
// to WriteEOF: buffered data drains, then ConnectionLost(nil) is
// delivered.
type WritePipeTransport struct {
	baseTransport
	protocol BaseProtocol
	buffer   []byte
	fd       int
	writerOn bool
}

var _ WriteTransport = (*WritePipeTransport)(nil)

// ConnectWritePipe wraps fd in a write-pipe transport and registers the
// protocol produced by factory. The transport takes ownership of fd.
func (l *EventLoop) ConnectWritePipe(factory func() BaseProtocol, fd int) (*WritePipeTransport, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	t := &WritePipeTransport{
		baseTransport: newBaseTransport(l, map[string]any{"pipe": fd}),
		fd:            fd,
	}
	if err := t.RegisterProtocol(factory()); err != nil {
		return nil, err
	}
	return t, nil
}

// RegisterProtocol attaches the protocol and schedules ConnectionMade.
func (t *WritePipeTransport) RegisterProtocol(p BaseProtocol) error {
	if t.protocol != nil {
		return ErrProtocolRegistered
	}
	t.protocol = p
	t.loop.CallSoon(func() { t.callProtocol(func() { p.ConnectionMade(t) }) })
	return nil
}

// Write buffers data for asynchronous transmission.
func (t *WritePipeTransport) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	if t.connLost > 0 || t.closing {
		t.dropWrite("pipe-write-drop")
		return
	}

	if len(t.buffer) == 0 {
		n, err := unix.Write(t.fd, data)
		switch {
		case err == nil:
			if n == len(data) {
				return
			}
			data = data[n:]
		case isBlockingErr(err) || isInterruptedErr(err):
			// fall through to buffering
		case errors.Is(err, unix.EPIPE):
			t.forceClose(err)
			return
		default:
			t.fatalError(err)
			return
		}
	}

	t.buffer = append(t.buffer, data...)
	if !t.writerOn {
		t.loop.AddWriter(t.fd, t.writeReady)
		t.writerOn = true
	}
}

// Writelines writes each chunk in order.
func (t *WritePipeTransport) Writelines(data [][]byte) {
	for _, chunk := range data {
		t.Write(chunk)
	}
}

func (t *WritePipeTransport) writeReady() {
	n, err := unix.Write(t.fd, t.buffer)
	switch {
	case err == nil:
		t.buffer = t.buffer[n:]
	case isBlockingErr(err) || isInterruptedErr(err):
		return
	default:
		if t.writerOn {
			t.loop.RemoveWriter(t.fd)
			t.writerOn = false
		}
		t.fatalError(err)
		return
	}

	if len(t.buffer) > 0 {
		return
	}
	if t.writerOn {
		t.loop.RemoveWriter(t.fd)
		t.writerOn = false
	}
	if t.closing {
		t.connLost++
		t.scheduleConnectionLost(nil)
	}
}

// WriteEOF closes the pipe once buffered data drains.
func (t *WritePipeTransport) WriteEOF() {
	if t.closing {
		return
	}
	t.closing = true
	if len(t.buffer) == 0 {
		t.connLost++
		t.scheduleConnectionLost(nil)
	}
}

// CanWriteEOF reports true.
func (t *WritePipeTransport) CanWriteEOF() bool { return true }

// PauseWriting removes the writer registration, leaving buffered data in
// place. It keeps no paused state: a later Write still sends inline when
// the buffer is empty, and otherwise registers the writer again.
func (t *WritePipeTransport) PauseWriting() {
	if t.writerOn {
		t.loop.RemoveWriter(t.fd)
		t.writerOn = false
	}
}

// ResumeWriting re-enables sends.
func (t *WritePipeTransport) ResumeWriting() {
	if len(t.buffer) > 0 && !t.writerOn {
		t.loop.AddWriter(t.fd, t.writeReady)
		t.writerOn = true
	}
}

// DiscardOutput drops buffered data.
func (t *WritePipeTransport) DiscardOutput() {
	t.buffer = nil
	if t.writerOn {
		t.loop.RemoveWriter(t.fd)
		t.writerOn = false
	}
}

// Close is equivalent to WriteEOF.
func (t *WritePipeTransport) Close() {
	t.WriteEOF()
}

// Abort closes immediately, discarding buffered data.
func (t *WritePipeTransport) Abort() {
	t.forceClose(nil)
}

func (t *WritePipeTransport) fatalError(err error) {
	t.loop.logError(err, "pipe-transport", "fatal transport error")
	t.forceClose(err)
}

func (t *WritePipeTransport) forceClose(err error) {
	if t.lostScheduled {
		return
	}
	t.buffer = nil
	t.closing = true
	t.connLost++
	if t.writerOn {
		t.loop.RemoveWriter(t.fd)
		t.writerOn = false
	}
	t.scheduleConnectionLost(err)
}

func (t *WritePipeTransport) scheduleConnectionLost(err error) {
	if t.lostScheduled {
		return
	}
	t.lostScheduled = true
	t.loop.CallSoon(func() {
		defer func() { _ = unix.Close(t.fd) }()
		if t.protocol != nil {
			p := t.protocol
			t.callProtocolFinal(func() { p.ConnectionLost(err) })
		}
	})
}

func (t *WritePipeTransport) callProtocol(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.logPanic(r, "pipe-transport", "protocol callback panicked")
			t.forceClose(errProtocolPanic)
		}
	}()
	fn()
}

func (t *WritePipeTransport) callProtocolFinal(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.logPanic(r, "pipe-transport", "protocol callback panicked")
		}
	}()
	fn()
}
