// Package integration exercises full peer-pair IDSCP2 sessions over
// loopback TLS: two real FSMs, real secure channels, real framing, with
// only the DAPS exchange stubbed out.
package integration

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/idscp2go/idscp2go/pkg/connection"
	"github.com/idscp2go/idscp2go/pkg/fsm"
	"github.com/idscp2go/idscp2go/pkg/ra"
	"github.com/idscp2go/idscp2go/pkg/server"
)

// selfSigned generates one self-signed peer certificate with a loopback
// SAN, usable both as identity and as the peer's trust anchor.
func selfSigned(t *testing.T, cn string) (tls.Certificate, *x509.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, leaf
}

// tlsPair builds mutually-trusting TLS configurations for a server and a
// client peer.
func tlsPair(t *testing.T) (serverCfg, clientCfg *tls.Config) {
	t.Helper()

	serverCert, serverLeaf := selfSigned(t, "server-peer")
	clientCert, clientLeaf := selfSigned(t, "client-peer")

	serverPool := x509.NewCertPool()
	serverPool.AddCert(clientLeaf)
	clientPool := x509.NewCertPool()
	clientPool.AddCert(serverLeaf)

	serverCfg = &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    serverPool,
	}
	clientCfg = &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      clientPool,
		ServerName:   "127.0.0.1",
	}
	return serverCfg, clientCfg
}

// stubDat satisfies fsm.DatProvider without a DAPS: every peer accepts
// every token and reports the configured remaining validity.
type stubDat struct {
	remaining int64
	acquires  atomic.Int64
}

func (s *stubDat) Acquire(context.Context) ([]byte, error) {
	s.acquires.Add(1)
	return []byte("stub-dat-token"), nil
}

func (s *stubDat) Verify(_ context.Context, _ []byte, _ []byte) (int64, error) {
	return s.remaining, nil
}

func dummyRegistry() *ra.Registry {
	reg := ra.NewRegistry()
	ra.RegisterDummy(reg)
	return reg
}

func baseConfig() fsm.Config {
	cfg := fsm.DefaultConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.VerifierHandshakeTimeout = 3 * time.Second
	cfg.RaInterval = time.Hour
	return cfg
}

type peerOptions struct {
	fsmCfg fsm.Config
	dat    *stubDat
	reg    fsm.RaRegistry
}

func defaultPeer() peerOptions {
	return peerOptions{
		fsmCfg: baseConfig(),
		dat:    &stubDat{remaining: 300},
		reg:    dummyRegistry(),
	}
}

// startPair brings up a server and a connected client session, returning
// the client connection and a channel of server-side connections.
func startPair(t *testing.T, serverPeer, clientPeer peerOptions) (*connection.Connection, <-chan *connection.Connection, *server.Server) {
	t.Helper()

	serverTLS, clientTLS := tlsPair(t)

	serverConns := make(chan *connection.Connection, 1)
	srv, err := server.Listen("127.0.0.1:0", serverTLS, server.Options{
		FsmConfig:   serverPeer.fsmCfg,
		DatProvider: serverPeer.dat,
		Registry:    serverPeer.reg,
	}, func(conn *connection.Connection) {
		serverConns <- conn
	})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := server.Connect(ctx, srv.Addr().String(), clientTLS, server.Options{
		FsmConfig:   clientPeer.fsmCfg,
		DatProvider: clientPeer.dat,
		Registry:    clientPeer.reg,
	})
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	return conn, serverConns, srv
}

// collector gathers one peer's inbound messages.
type collector struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *collector) listener(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, payload)
}

func (c *collector) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestHappyPathPingPong(t *testing.T) {
	clientConn, serverConns, _ := startPair(t, defaultPeer(), defaultPeer())

	var serverConn *connection.Connection
	select {
	case serverConn = <-serverConns:
	case <-time.After(5 * time.Second):
		t.Fatal("server session never established")
	}

	serverMsgs := &collector{}
	serverConn.AddMessageListener(serverMsgs.listener)
	serverConn.UnlockMessaging()

	clientMsgs := &collector{}
	clientConn.AddMessageListener(clientMsgs.listener)
	clientConn.UnlockMessaging()

	require.NoError(t, clientConn.NonBlockingSend([]byte("PING")))
	require.Eventually(t, func() bool {
		return len(serverMsgs.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []byte("PING"), serverMsgs.snapshot()[0])

	require.NoError(t, serverConn.NonBlockingSend([]byte("PONG")))
	require.Eventually(t, func() bool {
		return len(clientMsgs.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []byte("PONG"), clientMsgs.snapshot()[0])
}

func TestDatRefreshKeepsSessionAlive(t *testing.T) {
	serverPeer := defaultPeer()
	clientPeer := defaultPeer()

	// Tokens verify with 2 s remaining and the dat timer fires at half
	// that, forcing refresh round trips while the session is in use.
	serverPeer.dat.remaining = 2
	clientPeer.dat.remaining = 2
	serverPeer.fsmCfg.DatRenewalFraction = 0.5
	clientPeer.fsmCfg.DatRenewalFraction = 0.5

	clientConn, serverConns, _ := startPair(t, serverPeer, clientPeer)
	serverConn := <-serverConns

	serverMsgs := &collector{}
	serverConn.AddMessageListener(serverMsgs.listener)
	serverConn.UnlockMessaging()
	clientConn.UnlockMessaging()

	clientAcquiresAtStart := clientPeer.dat.acquires.Load()

	// Keep sending across several refresh windows; nothing may be lost.
	const total = 10
	for i := 0; i < total; i++ {
		require.NoError(t, clientConn.BlockingSend([]byte("tick"), 5*time.Second))
		time.Sleep(300 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(serverMsgs.snapshot()) == total
	}, 5*time.Second, 10*time.Millisecond)

	// The client re-acquired its DAT at least once to answer DatExpired.
	require.Greater(t, clientPeer.dat.acquires.Load(), clientAcquiresAtStart)
	require.False(t, clientConn.IsClosed())
}

// failingVerifier reports RA_VERIFIER_FAILED immediately.
type failingVerifier struct {
	listener ra.VerifierListener
}

func (d *failingVerifier) Start() error {
	go d.listener.OnVerifierResult(false, "attestation rejected")
	return nil
}
func (d *failingVerifier) Delegate([]byte) {}
func (d *failingVerifier) Stop()           {}

func TestVerifierFailureClosesBothPeers(t *testing.T) {
	serverPeer := defaultPeer()

	reg := ra.NewRegistry()
	ra.RegisterDummy(reg)
	reg.RegisterVerifier(ra.DummyDriverID, func(_ any, listener ra.VerifierListener) (ra.Driver, error) {
		return &failingVerifier{listener: listener}, nil
	}, nil)
	serverPeer.reg = reg

	serverTLS, clientTLS := tlsPair(t)
	srv, err := server.Listen("127.0.0.1:0", serverTLS, server.Options{
		FsmConfig:   serverPeer.fsmCfg,
		DatProvider: serverPeer.dat,
		Registry:    serverPeer.reg,
	}, func(*connection.Connection) {})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	clientPeer := defaultPeer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The server's verifier rejects the client's attestation, so the
	// handshake never completes on either side.
	_, err = server.Connect(ctx, srv.Addr().String(), clientTLS, server.Options{
		FsmConfig:   clientPeer.fsmCfg,
		DatProvider: clientPeer.dat,
		Registry:    clientPeer.reg,
	})
	require.Error(t, err)
}

// stalledVerifier never reaches a terminal result.
type stalledVerifier struct{}

func (stalledVerifier) Start() error    { return nil }
func (stalledVerifier) Delegate([]byte) {}
func (stalledVerifier) Stop()           {}

func TestHandshakeTimeout(t *testing.T) {
	serverPeer := defaultPeer()
	serverPeer.fsmCfg.HandshakeTimeout = 500 * time.Millisecond
	serverPeer.fsmCfg.VerifierHandshakeTimeout = 10 * time.Second

	reg := ra.NewRegistry()
	ra.RegisterDummy(reg)
	reg.RegisterVerifier(ra.DummyDriverID, func(_ any, _ ra.VerifierListener) (ra.Driver, error) {
		return stalledVerifier{}, nil
	}, nil)
	serverPeer.reg = reg

	serverTLS, clientTLS := tlsPair(t)
	srv, err := server.Listen("127.0.0.1:0", serverTLS, server.Options{
		FsmConfig:   serverPeer.fsmCfg,
		DatProvider: serverPeer.dat,
		Registry:    serverPeer.reg,
	}, func(*connection.Connection) {})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	clientPeer := defaultPeer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := server.Connect(ctx, srv.Addr().String(), clientTLS, server.Options{
		FsmConfig:   clientPeer.fsmCfg,
		DatProvider: clientPeer.dat,
		Registry:    clientPeer.reg,
	})
	// The client's own handshake completes; the server's handshake timer
	// then closes the session with Close(TIMEOUT).
	require.NoError(t, err)
	require.Eventually(t, conn.IsClosed, 5*time.Second, 10*time.Millisecond, "server verifier never completes, its handshake timer must kill the session")
}

func TestRaSuiteMismatchFailsHandshake(t *testing.T) {
	serverPeer := defaultPeer()
	serverPeer.fsmCfg.ExpectedVerifierSuites = []string{"SuiteB"}
	serverPeer.fsmCfg.SupportedProverSuites = []string{"SuiteB"}

	serverTLS, clientTLS := tlsPair(t)
	srv, err := server.Listen("127.0.0.1:0", serverTLS, server.Options{
		FsmConfig:   serverPeer.fsmCfg,
		DatProvider: serverPeer.dat,
		Registry:    serverPeer.reg,
	}, func(*connection.Connection) {})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	clientPeer := defaultPeer() // supports/expects only "Dummy"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = server.Connect(ctx, srv.Addr().String(), clientTLS, server.Options{
		FsmConfig:   clientPeer.fsmCfg,
		DatProvider: clientPeer.dat,
		Registry:    clientPeer.reg,
	})
	require.Error(t, err)
}

func TestAckModeExactlyOnceDelivery(t *testing.T) {
	serverPeer := defaultPeer()
	clientPeer := defaultPeer()
	ack := fsm.AckMode{Enabled: true, Timeout: 500 * time.Millisecond, MaxRetries: 3}
	serverPeer.fsmCfg.Ack = ack
	clientPeer.fsmCfg.Ack = ack

	clientConn, serverConns, _ := startPair(t, serverPeer, clientPeer)
	serverConn := <-serverConns

	serverMsgs := &collector{}
	serverConn.AddMessageListener(serverMsgs.listener)
	serverConn.UnlockMessaging()
	clientConn.UnlockMessaging()

	for i := 0; i < 5; i++ {
		require.NoError(t, clientConn.BlockingSend([]byte{byte('a' + i)}, 5*time.Second))
	}

	require.Eventually(t, func() bool {
		return len(serverMsgs.snapshot()) == 5
	}, 5*time.Second, 10*time.Millisecond)

	// Exactly once, in order.
	got := serverMsgs.snapshot()
	for i, payload := range got {
		require.Equal(t, []byte{byte('a' + i)}, payload)
	}
	require.False(t, clientConn.IsClosed())
}

func TestPeerSocketCloseMidHandshakeReachesClosed(t *testing.T) {
	serverTLS, _ := tlsPair(t)
	serverPeer := defaultPeer()

	srv, err := server.Listen("127.0.0.1:0", serverTLS, server.Options{
		FsmConfig:   serverPeer.fsmCfg,
		DatProvider: serverPeer.dat,
		Registry:    serverPeer.reg,
	}, func(*connection.Connection) {})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	// Open a raw TCP connection and drop it without ever speaking TLS,
	// then again with TLS but no Hello. Neither may wedge the server.
	raw, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	_ = raw.Close()

	time.Sleep(100 * time.Millisecond) // server must keep accepting

	clientTLS2 := &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}
	conn2, err := tls.Dial("tcp", srv.Addr().String(), clientTLS2)
	if err == nil {
		_ = conn2.Close()
	}
}
