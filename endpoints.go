package asyncio

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// endpointOptions holds the shared knobs of the endpoint constructors.
type endpointOptions struct {
	family     int
	proto      int
	flags      int
	backlog    int
	sock       *Socket
	localHost  string
	localPort  string
	remoteHost string
	remotePort string
	hasLocal   bool
	hasRemote  bool
	tlsConfig  *tls.Config
}

// EndpointOption configures CreateConnection, StartServing, and
// CreateDatagramEndpoint.
type EndpointOption interface {
	applyEndpoint(*endpointOptions) error
}

type endpointOptionImpl struct {
	applyEndpointFunc func(*endpointOptions) error
}

func (e *endpointOptionImpl) applyEndpoint(opts *endpointOptions) error {
	return e.applyEndpointFunc(opts)
}

// WithFamily restricts resolution to one address family (unix.AF_INET,
// unix.AF_INET6). The default accepts any.
func WithFamily(family int) EndpointOption {
	return &endpointOptionImpl{func(opts *endpointOptions) error {
		opts.family = family
		return nil
	}}
}

// WithProto sets the socket protocol number.
func WithProto(proto int) EndpointOption {
	return &endpointOptionImpl{func(opts *endpointOptions) error {
		opts.proto = proto
		return nil
	}}
}

// WithFlags sets resolution flags (e.g. AIPassive).
func WithFlags(flags int) EndpointOption {
	return &endpointOptionImpl{func(opts *endpointOptions) error {
		opts.flags = flags
		return nil
	}}
}

// WithBacklog sets the listen backlog of StartServing. Default 100.
func WithBacklog(backlog int) EndpointOption {
	return &endpointOptionImpl{func(opts *endpointOptions) error {
		opts.backlog = backlog
		return nil
	}}
}

// WithSock supplies a pre-made socket instead of host/port resolution.
// Mutually exclusive with a host.
func WithSock(sock *Socket) EndpointOption {
	return &endpointOptionImpl{func(opts *endpointOptions) error {
		opts.sock = sock
		return nil
	}}
}

// WithLocalAddr binds the local end before connecting.
func WithLocalAddr(host, port string) EndpointOption {
	return &endpointOptionImpl{func(opts *endpointOptions) error {
		opts.localHost, opts.localPort = host, port
		opts.hasLocal = true
		return nil
	}}
}

// WithRemoteAddr pins the remote peer of a datagram endpoint.
func WithRemoteAddr(host, port string) EndpointOption {
	return &endpointOptionImpl{func(opts *endpointOptions) error {
		opts.remoteHost, opts.remotePort = host, port
		opts.hasRemote = true
		return nil
	}}
}

// WithTLS upgrades the connection with the given TLS configuration.
func WithTLS(cfg *tls.Config) EndpointOption {
	return &endpointOptionImpl{func(opts *endpointOptions) error {
		opts.tlsConfig = cfg
		return nil
	}}
}

func resolveEndpointOptions(opts []EndpointOption) (*endpointOptions, error) {
	cfg := &endpointOptions{backlog: 100}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyEndpoint(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// splitHostPort peels an embedded ":port" off the host when no explicit
// port was supplied.
func splitHostPort(host, port string) (string, string) {
	if port == "" && strings.Contains(host, ":") && !strings.Contains(host, "]") {
		if i := strings.LastIndex(host, ":"); strings.Count(host, ":") == 1 {
			return host[:i], host[i+1:]
		}
	}
	return host, port
}

// ConnectionResult is the outcome of [EventLoop.CreateConnection]: the
// live transport and the protocol bound to it.
type ConnectionResult struct {
	Transport Transport
	Protocol  Protocol
}

// aggregateConnectErrors folds per-candidate failures into one error: the
// sole failure when one address was tried, a [ConnectError] listing each
// otherwise.
func aggregateConnectErrors(combined error) error {
	errs := multierr.Errors(combined)
	if len(errs) == 1 {
		return errs[0]
	}
	return &ConnectError{Errors: errs}
}

// CreateConnection resolves host/port, tries each address candidate in
// resolver order, and wires the first successful connection to a protocol
// from factory. The returned task settles with a *ConnectionResult.
//
// Exactly one of a host and WithSock must be supplied. On total failure
// the task fails with the sole candidate error, or a single aggregate
// listing each ("Multiple exceptions: err1, err2").
func (l *EventLoop) CreateConnection(factory func() Protocol, host, port string, opts ...EndpointOption) *Task {
	return l.NewTask(func(c *Coro) (any, error) {
		cfg, err := resolveEndpointOptions(opts)
		if err != nil {
			return nil, err
		}
		if (host != "") == (cfg.sock != nil) {
			return nil, fmt.Errorf("%w: exactly one of host and sock must be set", ErrInvalidArgument)
		}

		conn := cfg.sock
		if host != "" {
			h, p := splitHostPort(host, port)
			conn, err = l.connectCandidates(c, h, p, cfg)
			if err != nil {
				return nil, err
			}
		}

		protocol := factory()
		if cfg.tlsConfig != nil {
			tlsCfg := cfg.tlsConfig
			if tlsCfg.ServerName == "" && host != "" {
				tlsCfg = tlsCfg.Clone()
				tlsCfg.ServerName, _ = splitHostPort(host, port)
			}
			tr, err := NewTLSTransport(l, conn, tlsCfg, false, nil)
			if err != nil {
				_ = conn.Close()
				return nil, err
			}
			if err := tr.RegisterProtocol(protocol); err != nil {
				tr.Abort()
				return nil, err
			}
			if _, err := c.Await(tr.HandshakeWaiter()); err != nil {
				return nil, err
			}
			return &ConnectionResult{Transport: tr, Protocol: protocol}, nil
		}

		tr := NewStreamTransport(l, conn, nil)
		if err := tr.RegisterProtocol(protocol); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return &ConnectionResult{Transport: tr, Protocol: protocol}, nil
	})
}

// connectCandidates walks the resolved addresses until one connects.
func (l *EventLoop) connectCandidates(c *Coro, host, port string, cfg *endpointOptions) (*Socket, error) {
	infosAny, err := c.Await(l.Getaddrinfo(host, port, cfg.family, unix.SOCK_STREAM, cfg.proto, cfg.flags))
	if err != nil {
		return nil, err
	}
	infos := infosAny.([]AddrInfo)

	var localInfos []AddrInfo
	if cfg.hasLocal {
		localAny, err := c.Await(l.Getaddrinfo(cfg.localHost, cfg.localPort, cfg.family, unix.SOCK_STREAM, cfg.proto, cfg.flags|AIPassive))
		if err != nil {
			return nil, err
		}
		localInfos = localAny.([]AddrInfo)
	}

	var combined error
	for _, info := range infos {
		sock, err := newConnectSocket(info, localInfos)
		if err != nil {
			combined = multierr.Append(combined, err)
			continue
		}
		if _, err := c.Await(l.SockConnect(sock, info.Addr)); err != nil {
			_ = sock.Close()
			combined = multierr.Append(combined, err)
			continue
		}
		return sock, nil
	}
	return nil, aggregateConnectErrors(combined)
}

// newConnectSocket creates the candidate socket and applies the optional
// local bind.
func newConnectSocket(info AddrInfo, localInfos []AddrInfo) (*Socket, error) {
	sock, err := NewSocket(info.Family, unix.SOCK_STREAM, info.Proto)
	if err != nil {
		return nil, err
	}
	if len(localInfos) == 0 {
		return sock, nil
	}
	var combined error
	for _, la := range localInfos {
		if la.Family != info.Family {
			continue
		}
		if err := sock.Bind(la.Addr); err == nil {
			return sock, nil
		} else {
			combined = multierr.Append(combined, err)
		}
	}
	_ = sock.Close()
	if combined == nil {
		combined = fmt.Errorf("%w: no matching local address family", ErrInvalidArgument)
	}
	return nil, combined
}

// Server tracks the listening sockets created by StartServing.
type Server struct {
	loop  *EventLoop
	socks []*Socket
}

// Sockets returns the listening sockets.
func (s *Server) Sockets() []*Socket {
	return s.socks
}

// Close stops accepting and closes every listening socket. Established
// connections are unaffected.
func (s *Server) Close() {
	for _, sock := range s.socks {
		s.loop.RemoveReader(sock.Fd())
		_ = sock.Close()
	}
	s.socks = nil
}

// StartServing binds and listens on every resolved address and registers
// an accept callback that wires each inbound connection to a fresh
// protocol from factory. The returned task settles with a *Server.
//
// An empty host binds the wildcard address. Transient accept failures
// (EAGAIN) are swallowed; fatal accept errors are logged and close the
// listening socket.
func (l *EventLoop) StartServing(factory func() Protocol, host, port string, opts ...EndpointOption) *Task {
	return l.NewTask(func(c *Coro) (any, error) {
		cfg, err := resolveEndpointOptions(opts)
		if err != nil {
			return nil, err
		}

		var socks []*Socket
		if cfg.sock != nil {
			if host != "" {
				return nil, fmt.Errorf("%w: host and sock are mutually exclusive", ErrInvalidArgument)
			}
			socks = []*Socket{cfg.sock}
		} else {
			h, p := splitHostPort(host, port)
			infosAny, err := c.Await(l.Getaddrinfo(h, p, cfg.family, unix.SOCK_STREAM, cfg.proto, cfg.flags|AIPassive))
			if err != nil {
				return nil, err
			}
			for _, info := range infosAny.([]AddrInfo) {
				sock, err := NewSocket(info.Family, unix.SOCK_STREAM, info.Proto)
				if err != nil {
					closeAll(socks)
					return nil, err
				}
				_ = sock.SetReuseAddr(true)
				if err := sock.Bind(info.Addr); err != nil {
					_ = sock.Close()
					closeAll(socks)
					return nil, err
				}
				socks = append(socks, sock)
			}
		}

		for _, sock := range socks {
			if err := sock.Listen(cfg.backlog); err != nil {
				closeAll(socks)
				return nil, err
			}
			l.registerAcceptor(sock, factory, cfg.tlsConfig)
		}
		return &Server{loop: l, socks: socks}, nil
	})
}

func closeAll(socks []*Socket) {
	for _, s := range socks {
		_ = s.Close()
	}
}

// registerAcceptor installs the accept-readiness callback for a listener.
func (l *EventLoop) registerAcceptor(sock *Socket, factory func() Protocol, tlsConfig *tls.Config) {
	l.AddReader(sock.Fd(), func() {
		l.acceptConnection(sock, factory, tlsConfig)
	})
}

// acceptConnection accepts one pending connection. EAGAIN and ECONNABORTED
// are absorbed silently; anything else is fatal for the listener.
func (l *EventLoop) acceptConnection(sock *Socket, factory func() Protocol, tlsConfig *tls.Config) {
	conn, peer, err := sock.Accept()
	if err != nil {
		if isBlockingErr(err) || isInterruptedErr(err) || errors.Is(err, unix.ECONNABORTED) {
			return
		}
		l.logError(err, "server", "accept failed; closing listener")
		l.RemoveReader(sock.Fd())
		_ = sock.Close()
		return
	}

	extra := map[string]any{"peername": peer}
	protocol := factory()
	if tlsConfig != nil {
		tr, err := NewTLSTransport(l, conn, tlsConfig, true, extra)
		if err != nil {
			l.logError(err, "server", "tls transport setup failed")
			_ = conn.Close()
			return
		}
		if err := tr.RegisterProtocol(protocol); err != nil {
			tr.Abort()
		}
		return
	}
	tr := NewStreamTransport(l, conn, extra)
	if err := tr.RegisterProtocol(protocol); err != nil {
		_ = conn.Close()
	}
}

// DatagramResult is the outcome of [EventLoop.CreateDatagramEndpoint].
type DatagramResult struct {
	Transport *DatagramTransport
	Protocol  DatagramProtocol
}

// CreateDatagramEndpoint creates a datagram transport bound and/or
// connected per the local and remote address options. When both are
// given their families must match. The returned task settles with a
// *DatagramResult.
func (l *EventLoop) CreateDatagramEndpoint(factory func() DatagramProtocol, opts ...EndpointOption) *Task {
	return l.NewTask(func(c *Coro) (any, error) {
		cfg, err := resolveEndpointOptions(opts)
		if err != nil {
			return nil, err
		}
		if !cfg.hasLocal && !cfg.hasRemote && cfg.sock == nil {
			return nil, fmt.Errorf("%w: datagram endpoint needs a local addr, remote addr, or sock", ErrInvalidArgument)
		}

		var localInfo, remoteInfo *AddrInfo
		if cfg.hasLocal {
			infosAny, err := c.Await(l.Getaddrinfo(cfg.localHost, cfg.localPort, cfg.family, unix.SOCK_DGRAM, cfg.proto, cfg.flags|AIPassive))
			if err != nil {
				return nil, err
			}
			infos := infosAny.([]AddrInfo)
			localInfo = &infos[0]
		}
		if cfg.hasRemote {
			infosAny, err := c.Await(l.Getaddrinfo(cfg.remoteHost, cfg.remotePort, cfg.family, unix.SOCK_DGRAM, cfg.proto, cfg.flags))
			if err != nil {
				return nil, err
			}
			infos := infosAny.([]AddrInfo)
			remoteInfo = &infos[0]
		}
		if localInfo != nil && remoteInfo != nil && localInfo.Family != remoteInfo.Family {
			return nil, fmt.Errorf("%w: local and remote address families differ", ErrInvalidArgument)
		}

		sock := cfg.sock
		if sock == nil {
			family := unix.AF_INET
			if localInfo != nil {
				family = localInfo.Family
			} else if remoteInfo != nil {
				family = remoteInfo.Family
			}
			sock, err = NewSocket(family, unix.SOCK_DGRAM, cfg.proto)
			if err != nil {
				return nil, err
			}
			_ = sock.SetReuseAddr(true)
			if localInfo != nil {
				if err := sock.Bind(localInfo.Addr); err != nil {
					_ = sock.Close()
					return nil, err
				}
			}
		}

		var connectedAddr unix.Sockaddr
		if remoteInfo != nil {
			if _, err := c.Await(l.SockConnect(sock, remoteInfo.Addr)); err != nil {
				_ = sock.Close()
				return nil, err
			}
			connectedAddr = remoteInfo.Addr
		}

		protocol := factory()
		tr := NewDatagramTransport(l, sock, connectedAddr, nil)
		if err := tr.RegisterProtocol(protocol); err != nil {
			_ = sock.Close()
			return nil, err
		}
		return &DatagramResult{Transport: tr, Protocol: protocol}, nil
	})
}
