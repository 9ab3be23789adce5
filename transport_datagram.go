package asyncio

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// datagramEntry is one buffered outbound datagram.
type datagramEntry struct {
	data []byte
	addr unix.Sockaddr
}

// DatagramTransport is a non-blocking datagram conduit. Outbound datagrams
// that would block are queued as (data, addr) pairs and flushed on write
// readiness.
type DatagramTransport struct {
	baseTransport
	conn          datagramConn
	protocol      DatagramProtocol
	sendq         []datagramEntry
	connectedAddr unix.Sockaddr
	writerOn      bool
	readerOn      bool
}

var _ Transport = (*DatagramTransport)(nil)

// NewDatagramTransport wraps a bound (and possibly connected) datagram
// socket. connectedAddr, when non-nil, pins the remote peer: SendTo must
// then be called with a nil or equal address.
func NewDatagramTransport(loop *EventLoop, sock *Socket, connectedAddr unix.Sockaddr, extra map[string]any) *DatagramTransport {
	if extra == nil {
		extra = make(map[string]any)
	}
	if _, ok := extra["socket"]; !ok {
		extra["socket"] = sock
	}
	if _, ok := extra["sockname"]; !ok {
		if name, err := sock.LocalAddr(); err == nil {
			extra["sockname"] = name
		}
	}
	return &DatagramTransport{
		baseTransport: newBaseTransport(loop, extra),
		conn:          sock,
		connectedAddr: connectedAddr,
	}
}

// RegisterProtocol attaches the protocol, schedules ConnectionMade, and
// enables the reader.
func (t *DatagramTransport) RegisterProtocol(p DatagramProtocol) error {
	if t.protocol != nil {
		return ErrProtocolRegistered
	}
	t.protocol = p
	t.loop.CallSoon(func() { t.callProtocol(func() { p.ConnectionMade(t) }) })
	t.loop.AddReader(t.conn.Fd(), t.readReady)
	t.readerOn = true
	return nil
}

// SendTo queues one datagram for addr. On a connected transport addr must
// be nil or equal to the connected address.
func (t *DatagramTransport) SendTo(data []byte, addr unix.Sockaddr) error {
	if t.connectedAddr != nil && addr != nil && !sockaddrEqual(addr, t.connectedAddr) {
		return fmt.Errorf("%w: sendto address does not match connected address", ErrInvalidArgument)
	}
	if t.connectedAddr == nil && addr == nil {
		return fmt.Errorf("%w: sendto requires an address on an unconnected transport", ErrInvalidArgument)
	}
	if t.connLost > 0 || t.closing {
		t.dropWrite("datagram-write-drop")
		return nil
	}

	if len(t.sendq) == 0 {
		err := t.send(data, addr)
		switch {
		case err == nil:
			return nil
		case isBlockingErr(err) || isInterruptedErr(err):
			// fall through to queueing
		case errors.Is(err, unix.ECONNREFUSED):
			t.connectionRefused(err)
			return nil
		default:
			t.fatalError(err)
			return nil
		}
	}

	queued := make([]byte, len(data))
	copy(queued, data)
	t.sendq = append(t.sendq, datagramEntry{data: queued, addr: addr})
	if !t.writerOn {
		t.loop.AddWriter(t.conn.Fd(), t.sendReady)
		t.writerOn = true
	}
	return nil
}

// send performs the immediate non-blocking transmit.
func (t *DatagramTransport) send(data []byte, addr unix.Sockaddr) error {
	if t.connectedAddr != nil {
		_, err := t.conn.Send(data)
		return err
	}
	return t.conn.SendTo(data, addr)
}

// sendReady flushes the queue on write readiness.
func (t *DatagramTransport) sendReady() {
	for len(t.sendq) > 0 {
		entry := t.sendq[0]
		err := t.send(entry.data, entry.addr)
		switch {
		case err == nil:
			t.sendq = t.sendq[1:]
		case isBlockingErr(err) || isInterruptedErr(err):
			return
		case errors.Is(err, unix.ECONNREFUSED):
			t.sendq = t.sendq[1:]
			t.connectionRefused(err)
			if t.connLost > 0 {
				return
			}
		default:
			t.fatalError(err)
			return
		}
	}
	if t.writerOn {
		t.loop.RemoveWriter(t.conn.Fd())
		t.writerOn = false
	}
	if t.closing {
		t.connLost++
		t.scheduleConnectionLost(nil)
	}
}

// readReady delivers inbound datagrams to the protocol.
func (t *DatagramTransport) readReady() {
	buf := make([]byte, maxRecvSize)
	n, from, err := t.conn.RecvFrom(buf)
	switch {
	case err == nil:
		t.callProtocol(func() { t.protocol.DatagramReceived(buf[:n], from) })
	case isBlockingErr(err) || isInterruptedErr(err):
		// Spurious wakeup.
	case errors.Is(err, unix.ECONNREFUSED):
		t.connectionRefused(err)
	default:
		t.fatalError(err)
	}
}

// connectionRefused handles ECONNREFUSED: silent on an unconnected socket,
// fatal (delivered through the protocol) on a connected one.
func (t *DatagramTransport) connectionRefused(err error) {
	if t.connectedAddr == nil {
		return
	}
	if t.protocol != nil {
		p := t.protocol
		t.callProtocol(func() { p.ConnectionRefused(err) })
	}
	t.forceClose(err)
}

// Close stops reading and, once queued datagrams flush, delivers
// ConnectionLost(nil). Idempotent.
func (t *DatagramTransport) Close() {
	if t.closing {
		return
	}
	t.closing = true
	if t.readerOn {
		t.loop.RemoveReader(t.conn.Fd())
		t.readerOn = false
	}
	if len(t.sendq) == 0 {
		t.connLost++
		t.scheduleConnectionLost(nil)
	}
}

// Abort closes immediately, dropping queued datagrams.
func (t *DatagramTransport) Abort() {
	t.forceClose(nil)
}

func (t *DatagramTransport) forceClose(err error) {
	if t.lostScheduled {
		return
	}
	t.sendq = nil
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

func (t *DatagramTransport) fatalError(err error) {
	t.loop.logError(err, "datagram-transport", "fatal transport error")
	t.forceClose(err)
}

func (t *DatagramTransport) scheduleConnectionLost(err error) {
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

func (t *DatagramTransport) callProtocol(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.logPanic(r, "datagram-transport", "protocol callback panicked")
			t.forceClose(errProtocolPanic)
		}
	}()
	fn()
}

func (t *DatagramTransport) callProtocolFinal(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.logPanic(r, "datagram-transport", "protocol callback panicked")
		}
	}()
	fn()
}
