package asyncio

import (
	"golang.org/x/sys/unix"
)

// Addr is a kernel socket address, as produced by the resolver and the
// datagram receive path.
type Addr = unix.Sockaddr

// Transport is the surface common to every transport kind.
type Transport interface {
	// GetExtraInfo returns optional transport information ("peername",
	// "sockname", "socket", ...), or def when absent.
	GetExtraInfo(name string, def any) any

	// Close flushes buffered data asynchronously and then delivers
	// ConnectionLost(nil). No more data is received after Close.
	// Idempotent.
	Close()
}

// ReadTransport is a transport with a pausable receiving end.
type ReadTransport interface {
	Transport

	// Pause stops data delivery until Resume.
	Pause()

	// Resume re-enables data delivery.
	Resume()
}

// WriteTransport is a transport with a buffered writing end.
type WriteTransport interface {
	Transport

	// Write buffers data and arranges for it to be sent asynchronously.
	Write(data []byte)

	// Writelines writes each element; observationally equivalent to a
	// sequence of Write calls.
	Writelines(data [][]byte)

	// WriteEOF half-closes the sending direction once the buffer drains.
	WriteEOF()

	// CanWriteEOF reports whether WriteEOF is supported.
	CanWriteEOF() bool

	// PauseWriting defers sends; written data accumulates in the buffer.
	PauseWriting()

	// ResumeWriting re-enables sends and flushes the buffer.
	ResumeWriting()

	// DiscardOutput drops any buffered data awaiting transmission.
	DiscardOutput()

	// Abort closes immediately; buffered data is lost.
	Abort()
}

// writeDropLogThreshold is the value of a transport's connLost counter from
// which dropped writes log a warning. The counter also counts the
// transport's close or loss, so fewer than this many writes are dropped
// without a warning.
const writeDropLogThreshold = 5

// baseTransport carries the state shared by every transport kind.
type baseTransport struct {
	loop          *EventLoop
	extra         map[string]any
	closing       bool
	connLost      int
	lostScheduled bool
}

func newBaseTransport(loop *EventLoop, extra map[string]any) baseTransport {
	if extra == nil {
		extra = make(map[string]any)
	}
	return baseTransport{loop: loop, extra: extra}
}

// GetExtraInfo returns optional transport information.
func (b *baseTransport) GetExtraInfo(name string, def any) any {
	if v, ok := b.extra[name]; ok {
		return v
	}
	return def
}

// dropWrite accounts for a write on a lost or closing connection; it warns
// (rate-limited) once the threshold is crossed.
func (b *baseTransport) dropWrite(category string) {
	b.connLost++
	if b.connLost >= writeDropLogThreshold {
		b.loop.warnRateLimited(category, "write on a closed or lost transport; data dropped")
	}
}

// streamConn is the byte-conduit a stream transport drives. *Socket is the
// production implementation; tests substitute scripted fakes.
type streamConn interface {
	Fd() int
	Recv(p []byte) (int, error)
	Send(p []byte) (int, error)
	ShutdownWrite() error
	Close() error
}

// datagramConn is the conduit a datagram transport drives.
type datagramConn interface {
	Fd() int
	RecvFrom(p []byte) (int, unix.Sockaddr, error)
	Send(p []byte) (int, error)
	SendTo(p []byte, addr unix.Sockaddr) error
	Close() error
}
