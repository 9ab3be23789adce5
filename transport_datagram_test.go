package asyncio

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// recordingDatagramProtocol records datagram callbacks.
type recordingDatagramProtocol struct {
	transport Transport
	datagrams [][]byte
	addrs     []unix.Sockaddr
	refused   int
	lost      int
	lostErr   error
	made      int
}

func (p *recordingDatagramProtocol) ConnectionMade(tr Transport) {
	p.made++
	p.transport = tr
}

func (p *recordingDatagramProtocol) DatagramReceived(data []byte, addr Addr) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	p.datagrams = append(p.datagrams, chunk)
	p.addrs = append(p.addrs, addr)
}

func (p *recordingDatagramProtocol) ConnectionRefused(err error) { p.refused++ }

func (p *recordingDatagramProtocol) ConnectionLost(err error) {
	p.lost++
	p.lostErr = err
}

// newUDPSocket binds a datagram socket on an ephemeral loopback port.
func newUDPSocket(t *testing.T) (*Socket, unix.Sockaddr) {
	t.Helper()
	sock, err := NewSocket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	require.NoError(t, sock.Bind(&unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	addr, err := sock.LocalAddr()
	require.NoError(t, err)
	return sock, addr
}

func TestDatagramSendToAndReceive(t *testing.T) {
	l := newTestLoop(t)

	sockA, addrA := newUDPSocket(t)
	sockB, _ := newUDPSocket(t)

	protoA := &recordingDatagramProtocol{}
	trA := NewDatagramTransport(l, sockA, nil, nil)
	require.NoError(t, trA.RegisterProtocol(protoA))

	protoB := &recordingDatagramProtocol{}
	trB := NewDatagramTransport(l, sockB, nil, nil)
	require.NoError(t, trB.RegisterProtocol(protoB))

	require.NoError(t, trB.SendTo([]byte("ping"), addrA))
	runUntilTrue(t, l, func() bool { return len(protoA.datagrams) == 1 })
	assert.Equal(t, []byte("ping"), protoA.datagrams[0])

	trA.Close()
	trB.Close()
	runUntilTrue(t, l, func() bool { return protoA.lost == 1 && protoB.lost == 1 })
}

func TestDatagramSendToUnconnectedRequiresAddr(t *testing.T) {
	l := newTestLoop(t)

	sock, _ := newUDPSocket(t)
	tr := NewDatagramTransport(l, sock, nil, nil)
	require.NoError(t, tr.RegisterProtocol(&recordingDatagramProtocol{}))

	err := tr.SendTo([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	tr.Close()
	ticks(l, 2)
}

func TestDatagramConnectedAddrMismatchRejected(t *testing.T) {
	l := newTestLoop(t)

	sockA, addrA := newUDPSocket(t)
	sockB, addrB := newUDPSocket(t)
	defer sockB.Close()

	_, err := runUntil(t, l, l.SockConnect(sockA, addrA))
	require.NoError(t, err)

	tr := NewDatagramTransport(l, sockA, addrA, nil)
	require.NoError(t, tr.RegisterProtocol(&recordingDatagramProtocol{}))

	assert.ErrorIs(t, tr.SendTo([]byte("x"), addrB), ErrInvalidArgument)
	assert.NoError(t, tr.SendTo([]byte("x"), nil), "nil addr is legal when connected")
	assert.NoError(t, tr.SendTo([]byte("x"), addrA), "matching addr is legal")
	tr.Close()
	ticks(l, 2)
}

func TestDatagramCloseIdempotentSingleConnectionLost(t *testing.T) {
	l := newTestLoop(t)

	sock, _ := newUDPSocket(t)
	proto := &recordingDatagramProtocol{}
	tr := NewDatagramTransport(l, sock, nil, nil)
	require.NoError(t, tr.RegisterProtocol(proto))

	tr.Close()
	tr.Close()
	runUntilTrue(t, l, func() bool { return proto.lost == 1 })
	ticks(l, 2)
	assert.Equal(t, 1, proto.lost)
}

func TestDatagramAbortDropsQueued(t *testing.T) {
	l := newTestLoop(t)

	sock, _ := newUDPSocket(t)
	peer, peerAddr := newUDPSocket(t)
	defer peer.Close()

	proto := &recordingDatagramProtocol{}
	tr := NewDatagramTransport(l, sock, nil, nil)
	require.NoError(t, tr.RegisterProtocol(proto))

	require.NoError(t, tr.SendTo([]byte("x"), peerAddr))
	tr.sendq = append(tr.sendq, datagramEntry{data: []byte("queued"), addr: peerAddr})
	tr.Abort()
	assert.Empty(t, tr.sendq)
	runUntilTrue(t, l, func() bool { return proto.lost == 1 })
}

func TestCreateDatagramEndpointRoundTrip(t *testing.T) {
	l := newTestLoop(t)

	protoServer := &recordingDatagramProtocol{}
	serverTask := l.CreateDatagramEndpoint(
		func() DatagramProtocol { return protoServer },
		WithLocalAddr("127.0.0.1", "0"),
	)
	v, err := runUntil(t, l, serverTask)
	require.NoError(t, err)
	server := v.(*DatagramResult)

	serverAddr := server.Transport.GetExtraInfo("sockname", nil).(unix.Sockaddr)
	_, port, err := sockaddrToIPPort(serverAddr)
	require.NoError(t, err)

	protoClient := &recordingDatagramProtocol{}
	clientTask := l.CreateDatagramEndpoint(
		func() DatagramProtocol { return protoClient },
		WithRemoteAddr("127.0.0.1", strconv.Itoa(port)),
	)
	v, err = runUntil(t, l, clientTask)
	require.NoError(t, err)
	client := v.(*DatagramResult)

	require.NoError(t, client.Transport.SendTo([]byte("hello"), nil))
	runUntilTrue(t, l, func() bool { return len(protoServer.datagrams) == 1 })
	assert.Equal(t, []byte("hello"), protoServer.datagrams[0])

	client.Transport.Close()
	server.Transport.Close()
	runUntilTrue(t, l, func() bool { return protoClient.lost == 1 && protoServer.lost == 1 })
}

func TestDatagramUnconnectedConnectionRefusedSilentlyAbsorbed(t *testing.T) {
	l := newTestLoop(t)

	sock, _ := newUDPSocket(t)
	proto := &recordingDatagramProtocol{}
	tr := NewDatagramTransport(l, sock, nil, nil)
	require.NoError(t, tr.RegisterProtocol(proto))

	tr.connectionRefused(unix.ECONNREFUSED)
	ticks(l, 2)
	assert.Zero(t, proto.refused, "unconnected refusal must not reach the protocol")
	assert.Zero(t, proto.lost, "transport must stay open")

	tr.Close()
	runUntilTrue(t, l, func() bool { return proto.lost == 1 })
}

func TestDatagramConnectedConnectionRefusedIsFatal(t *testing.T) {
	l := newTestLoop(t)

	sock, addr := newUDPSocket(t)
	_, err := runUntil(t, l, l.SockConnect(sock, addr))
	require.NoError(t, err)

	proto := &recordingDatagramProtocol{}
	tr := NewDatagramTransport(l, sock, addr, nil)
	require.NoError(t, tr.RegisterProtocol(proto))

	tr.connectionRefused(unix.ECONNREFUSED)
	runUntilTrue(t, l, func() bool { return proto.lost == 1 })
	assert.Equal(t, 1, proto.refused)
	assert.ErrorIs(t, proto.lostErr, unix.ECONNREFUSED)
}

func TestCreateDatagramEndpointFamilyMismatch(t *testing.T) {
	l := newTestLoop(t)

	task := l.CreateDatagramEndpoint(
		func() DatagramProtocol { return &recordingDatagramProtocol{} },
		WithLocalAddr("127.0.0.1", "0"),
		WithRemoteAddr("::1", "9999"),
	)
	_, err := runUntil(t, l, task)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
