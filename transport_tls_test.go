package asyncio

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSelfSignedCert builds an ephemeral loopback certificate for the TLS
// tests.
func newSelfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "asyncio-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
}

func TestTLSEchoEndToEnd(t *testing.T) {
	l := newTestLoop(t)

	cert := newSelfSignedCert(t)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{InsecureSkipVerify: true}

	serverTask := l.StartServing(
		func() Protocol { return &echoServerProtocol{} },
		"127.0.0.1", "0",
		WithTLS(serverCfg),
	)
	v, err := runUntil(t, l, serverTask)
	require.NoError(t, err)
	server := v.(*Server)
	defer server.Close()

	done := l.NewFuture()
	client := &echoClientProtocol{
		payload: []byte("secret"),
		expect:  len("Re: secret"),
		done:    done,
	}
	connTask := l.CreateConnection(
		func() Protocol { return client },
		"127.0.0.1", serverPort(t, server),
		WithTLS(clientCfg),
	)
	v, err = runUntil(t, l, connTask)
	require.NoError(t, err)
	result := v.(*ConnectionResult)
	_, ok := result.Transport.(*TLSTransport)
	require.True(t, ok)

	got, err := runUntil(t, l, done)
	require.NoError(t, err)
	assert.Equal(t, []byte("Re: secret"), got)
	assert.Equal(t, 1, client.lost)
	assert.NoError(t, client.lostErr)
}

func TestTLSHandshakeFailureSurfaces(t *testing.T) {
	l := newTestLoop(t)

	// A plain TCP peer that never speaks TLS records.
	serverTask := l.StartServing(func() Protocol { return &silentCloser{} }, "127.0.0.1", "0")
	v, err := runUntil(t, l, serverTask)
	require.NoError(t, err)
	server := v.(*Server)
	defer server.Close()

	connTask := l.CreateConnection(
		func() Protocol { return &recordingProtocol{} },
		"127.0.0.1", serverPort(t, server),
		WithTLS(&tls.Config{InsecureSkipVerify: true}),
	)
	_, err = runUntil(t, l, connTask)
	assert.Error(t, err)
}

func TestTLSTransportExposesHandshakeState(t *testing.T) {
	l := newTestLoop(t)

	cert := newSelfSignedCert(t)
	serverTask := l.StartServing(
		func() Protocol { return &echoServerProtocol{} },
		"127.0.0.1", "0",
		WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}}),
	)
	v, err := runUntil(t, l, serverTask)
	require.NoError(t, err)
	server := v.(*Server)
	defer server.Close()

	done := l.NewFuture()
	client := &echoClientProtocol{payload: []byte("x"), expect: len("Re: x"), done: done}
	connTask := l.CreateConnection(
		func() Protocol { return client },
		"127.0.0.1", serverPort(t, server),
		WithTLS(&tls.Config{InsecureSkipVerify: true}),
	)
	v, err = runUntil(t, l, connTask)
	require.NoError(t, err)
	tr := v.(*ConnectionResult).Transport

	assert.NotNil(t, tr.GetExtraInfo("tls_state", nil))
	assert.NotNil(t, tr.GetExtraInfo("peername", nil))
	_, err = runUntil(t, l, done)
	require.NoError(t, err)
}

// silentCloser accepts a connection and immediately closes it.
type silentCloser struct{}

func (p *silentCloser) ConnectionMade(tr Transport) { tr.Close() }
func (p *silentCloser) DataReceived(data []byte)    {}
func (p *silentCloser) EOFReceived() bool           { return false }
func (p *silentCloser) ConnectionLost(err error)    {}
