package asyncio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Socket wraps a non-blocking socket file descriptor. All I/O methods are
// thin syscall wrappers; the loop's Sock* methods layer readiness retries
// on top.
type Socket struct {
	fd     int
	family int
	sotype int
	proto  int
}

// NewSocket creates a non-blocking, close-on-exec socket.
func NewSocket(family, sotype, proto int) (*Socket, error) {
	fd, err := unix.Socket(family, sotype, proto)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	unix.CloseOnExec(fd)
	return &Socket{fd: fd, family: family, sotype: sotype, proto: proto}, nil
}

// newSocketFromFd wraps an already-open fd (e.g. an accepted connection).
func newSocketFromFd(fd, family, sotype, proto int) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	unix.CloseOnExec(fd)
	return &Socket{fd: fd, family: family, sotype: sotype, proto: proto}, nil
}

// Fd returns the underlying file descriptor.
func (s *Socket) Fd() int { return s.fd }

// Family returns the socket's address family.
func (s *Socket) Family() int { return s.family }

// Bind binds the socket to addr.
func (s *Socket) Bind(addr unix.Sockaddr) error {
	return unix.Bind(s.fd, addr)
}

// Listen marks the socket as passive with the given backlog.
func (s *Socket) Listen(backlog int) error {
	return unix.Listen(s.fd, backlog)
}

// Accept accepts one pending connection, returning a non-blocking socket.
func (s *Socket) Accept() (*Socket, unix.Sockaddr, error) {
	fd, sa, err := unix.Accept(s.fd)
	if err != nil {
		return nil, nil, err
	}
	conn, err := newSocketFromFd(fd, s.family, s.sotype, s.proto)
	if err != nil {
		return nil, nil, err
	}
	return conn, sa, nil
}

// Connect initiates a connection; EINPROGRESS is surfaced to the caller.
func (s *Socket) Connect(addr unix.Sockaddr) error {
	return unix.Connect(s.fd, addr)
}

// Recv reads into p.
func (s *Socket) Recv(p []byte) (int, error) {
	return unix.Read(s.fd, p)
}

// Send writes from p; may write fewer bytes than supplied.
func (s *Socket) Send(p []byte) (int, error) {
	return unix.Write(s.fd, p)
}

// RecvFrom reads one datagram and its source address.
func (s *Socket) RecvFrom(p []byte) (int, unix.Sockaddr, error) {
	n, from, err := unix.Recvfrom(s.fd, p, 0)
	return n, from, err
}

// SendTo writes one datagram to addr.
func (s *Socket) SendTo(p []byte, addr unix.Sockaddr) error {
	return unix.Sendto(s.fd, p, 0, addr)
}

// ShutdownWrite half-closes the sending direction.
func (s *Socket) ShutdownWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

// SetReuseAddr toggles SO_REUSEADDR.
func (s *Socket) SetReuseAddr(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, v)
}

// ConnectError reads and clears the pending SO_ERROR, the completion status
// of an asynchronous connect.
func (s *Socket) ConnectError() error {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() (unix.Sockaddr, error) {
	return unix.Getsockname(s.fd)
}

// RemoteAddr returns the peer address of a connected socket.
func (s *Socket) RemoteAddr() (unix.Sockaddr, error) {
	return unix.Getpeername(s.fd)
}

// Close releases the fd. Idempotent at the caller's risk; transports own
// their socket and close it exactly once.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// isBlockingErr reports EAGAIN/EWOULDBLOCK: the operation would block and
// should be retried on readiness.
func isBlockingErr(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// isInterruptedErr reports EINTR: retry silently.
func isInterruptedErr(err error) bool {
	return errors.Is(err, unix.EINTR)
}

// maxRecvSize is the per-readiness read cap for the stream, datagram, pipe
// and TLS transports. SockRecv reads at most the caller's n instead.
const maxRecvSize = 256 * 1024

// SockRecv reads up to n bytes from sock, returning a future that settles
// with the bytes read. On EAGAIN the loop registers a reader and retries
// when readable.
func (l *EventLoop) SockRecv(sock *Socket, n int) *Future {
	fut := l.NewFuture()
	l.sockRecv(fut, false, sock, n)
	return fut
}

func (l *EventLoop) sockRecv(fut *Future, registered bool, sock *Socket, n int) {
	if registered {
		l.RemoveReader(sock.Fd())
	}
	if fut.Cancelled() {
		return
	}
	buf := make([]byte, n)
	nr, err := sock.Recv(buf)
	switch {
	case err == nil:
		_ = fut.SetResult(buf[:nr])
	case isBlockingErr(err) || isInterruptedErr(err):
		l.AddReader(sock.Fd(), func() { l.sockRecv(fut, true, sock, n) })
	default:
		_ = fut.SetException(err)
	}
}

// SockSendAll writes all of data to sock, returning a future that settles
// with nil once the final byte is accepted by the kernel. Partial sends
// slice the remaining bytes; empty data completes immediately.
func (l *EventLoop) SockSendAll(sock *Socket, data []byte) *Future {
	fut := l.NewFuture()
	if len(data) == 0 {
		_ = fut.SetResult(nil)
		return fut
	}
	l.sockSendAll(fut, false, sock, data)
	return fut
}

func (l *EventLoop) sockSendAll(fut *Future, registered bool, sock *Socket, data []byte) {
	if registered {
		l.RemoveWriter(sock.Fd())
	}
	if fut.Cancelled() {
		return
	}
	n, err := sock.Send(data)
	if err != nil && !isBlockingErr(err) && !isInterruptedErr(err) {
		_ = fut.SetException(err)
		return
	}
	if n == len(data) {
		_ = fut.SetResult(nil)
		return
	}
	if n > 0 {
		data = data[n:]
	}
	l.AddWriter(sock.Fd(), func() { l.sockSendAll(fut, true, sock, data) })
}

// SockConnect connects sock to addr, returning a future that settles with
// nil on success. Completion of an in-progress connect is detected through
// SO_ERROR on writability.
func (l *EventLoop) SockConnect(sock *Socket, addr unix.Sockaddr) *Future {
	fut := l.NewFuture()
	err := sock.Connect(addr)
	switch {
	case err == nil:
		_ = fut.SetResult(nil)
	case errors.Is(err, unix.EINPROGRESS) || isBlockingErr(err) || isInterruptedErr(err):
		l.AddWriter(sock.Fd(), func() { l.sockConnectDone(fut, sock) })
	default:
		_ = fut.SetException(err)
	}
	return fut
}

func (l *EventLoop) sockConnectDone(fut *Future, sock *Socket) {
	l.RemoveWriter(sock.Fd())
	if fut.Cancelled() {
		return
	}
	if err := sock.ConnectError(); err != nil {
		_ = fut.SetException(err)
		return
	}
	_ = fut.SetResult(nil)
}

// SockAccept accepts one connection from a listening sock, returning a
// future that settles with an [AcceptResult].
func (l *EventLoop) SockAccept(sock *Socket) *Future {
	fut := l.NewFuture()
	l.sockAccept(fut, false, sock)
	return fut
}

// AcceptResult is the outcome of [EventLoop.SockAccept].
type AcceptResult struct {
	Conn *Socket
	Addr unix.Sockaddr
}

func (l *EventLoop) sockAccept(fut *Future, registered bool, sock *Socket) {
	if registered {
		l.RemoveReader(sock.Fd())
	}
	if fut.Cancelled() {
		return
	}
	conn, sa, err := sock.Accept()
	switch {
	case err == nil:
		_ = fut.SetResult(&AcceptResult{Conn: conn, Addr: sa})
	case isBlockingErr(err) || isInterruptedErr(err):
		l.AddReader(sock.Fd(), func() { l.sockAccept(fut, true, sock) })
	default:
		_ = fut.SetException(err)
	}
}
