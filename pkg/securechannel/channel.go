// Package securechannel implements the secure channel adapter (C2): it
// bridges a TLS byte-stream (net.Conn) to FSM events, serializing outbound
// writes and gating inbound delivery until the owning FSM has been bound.
package securechannel

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/idscp2go/idscp2go/internal/logger"
	"github.com/idscp2go/idscp2go/pkg/wire"
)

// Listener receives the byte-stream events the channel translates from the
// underlying net.Conn. The FSM implements this interface.
type Listener interface {
	OnMessage(body []byte)
	OnError(err error)
	OnClose()
}

// Channel wraps a net.Conn (expected to already be a completed TLS 1.3
// handshake) and adapts it to the FSM's event-driven world.
//
// Reads happen on a single dedicated goroutine (Run), so inbound delivery
// is naturally serialized. Writes are serialized by writeMu since the FSM,
// user sends, and Close may all originate from different goroutines.
type Channel struct {
	conn       net.Conn
	remotePeer string
	maxFrame   uint32
	lctx       context.Context

	writeMu sync.Mutex

	mu        sync.Mutex
	connected bool
	listener  Listener
	bound     chan struct{}
	boundOnce sync.Once
}

// New wraps conn. maxFrame of 0 uses wire.DefaultMaxFrameLength.
func New(conn net.Conn, maxFrame uint32) *Channel {
	remotePeer := conn.RemoteAddr().String()
	return &Channel{
		conn:       conn,
		remotePeer: remotePeer,
		maxFrame:   maxFrame,
		lctx:       logger.WithContext(context.Background(), logger.NewLogContext("", remotePeer)),
		connected:  true,
		bound:      make(chan struct{}),
	}
}

// BindFSM installs the listener that will receive inbound events, opening
// the gate for any reads already blocked waiting for it. Only the first
// call has effect - rebinding a channel to a different FSM is not
// supported; a Channel belongs to exactly one FSM for its lifetime.
func (c *Channel) BindFSM(listener Listener) {
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()

	c.boundOnce.Do(func() { close(c.bound) })
}

// Send writes one framed message. Returns false if the channel is not in a
// connected state or the write fails; the caller (the FSM) treats either as
// a fatal I/O error and does not retry or synthesize a second attempt.
func (c *Channel) Send(msg wire.Message) bool {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return false
	}

	frame, err := wire.EncodeFrame(msg)
	if err != nil {
		logger.ErrorCtx(c.lctx, "securechannel: encode failed", "error", err)
		return false
	}

	c.writeMu.Lock()
	_, err = c.conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		logger.DebugCtx(c.lctx, "securechannel: write failed", "error", err)
		return false
	}
	return true
}

// IsConnected reports whether the channel believes it can still write.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RemotePeer returns the remote address string captured at construction.
func (c *Channel) RemotePeer() string {
	return c.remotePeer
}

// PeerCertificate returns the DER bytes of the leaf certificate the peer
// presented during the TLS handshake, or nil if conn is not a *tls.Conn or
// no certificate was presented (should not happen for a completed
// mutual-TLS handshake).
func (c *Channel) PeerCertificate() []byte {
	tlsConn, ok := c.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil
	}
	return certs[0].Raw
}

// Close is idempotent: closing an already-closed channel is a no-op.
func (c *Channel) Close() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	_ = c.conn.Close()
}

// Run drives the single-threaded read loop: decode one frame at a time and
// deliver it to the bound listener, blocking until BindFSM has been called
// if the TLS handshake completed before the owning Connection finished
// wiring its FSM.
func (c *Channel) Run() {
	<-c.bound

	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()

	for {
		body, err := wire.ReadFrame(c.conn, c.maxFrame)
		if err != nil {
			c.mu.Lock()
			wasConnected := c.connected
			c.connected = false
			c.mu.Unlock()

			_ = c.conn.Close()

			if !wasConnected {
				// Already closed locally (e.g. via Close()); no on_error.
				return
			}
			if errors.Is(err, io.EOF) {
				listener.OnClose()
			} else {
				listener.OnError(err)
			}
			return
		}
		listener.OnMessage(body)
	}
}
