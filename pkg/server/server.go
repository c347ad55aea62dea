// Package server wires the IDSCP2 building blocks together (C8): for each
// ready TLS connection it constructs the secure channel, the FSM, and the
// user-facing Connection, starts the handshake, and hands the Connection
// over once the session is established.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/idscp2go/idscp2go/internal/logger"
	"github.com/idscp2go/idscp2go/pkg/connection"
	"github.com/idscp2go/idscp2go/pkg/fsm"
	"github.com/idscp2go/idscp2go/pkg/securechannel"
)

// ErrHandshakeFailed is returned when the session closes before ever
// reaching Established.
var ErrHandshakeFailed = errors.New("server: idscp2 handshake failed")

// Options bundles the collaborators and tunables shared by inbound and
// outbound session construction.
type Options struct {
	// FsmConfig parameterizes each session's state machine.
	FsmConfig fsm.Config

	// DatProvider acquires the local DAT and verifies peer DATs.
	DatProvider fsm.DatProvider

	// Registry supplies the RA prover/verifier drivers. Constructor-injected;
	// no ambient global registry is consulted.
	Registry fsm.RaRegistry

	// MaxFrameLength bounds a single wire frame. Zero uses
	// wire.DefaultMaxFrameLength.
	MaxFrameLength uint32

	// ObserverFactory, when non-nil, is invoked with each new session's
	// connection ID; the returned observer receives that session's
	// terminal RA results (evidence archiving, metrics).
	ObserverFactory func(connectionID string) fsm.RaObserver
}

func (o Options) validate() error {
	if o.DatProvider == nil {
		return errors.New("server: options missing dat provider")
	}
	if o.Registry == nil {
		return errors.New("server: options missing ra registry")
	}
	return nil
}

// Connect dials addr over mutually-authenticated TLS 1.3 and performs the
// IDSCP2 handshake as client. It returns once the session is Established;
// the caller attaches listeners and then calls UnlockMessaging.
func Connect(ctx context.Context, addr string, tlsCfg *tls.Config, opts Options) (*connection.Connection, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dialer := &tls.Dialer{Config: tlsCfg}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", addr, err)
	}

	conn, err := bootstrap(ctx, rawConn, fsm.RoleClient, opts)
	if err != nil {
		return nil, err
	}
	if err := awaitEstablished(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// bootstrap assembles the channel/FSM/connection triple for one ready TLS
// socket and starts the handshake.
func bootstrap(ctx context.Context, raw net.Conn, role fsm.Role, opts Options) (*connection.Connection, error) {
	channel := securechannel.New(raw, opts.MaxFrameLength)
	conn := connection.New()

	fsmCfg := opts.FsmConfig
	fsmCfg.ConnectionID = conn.ID()
	if opts.ObserverFactory != nil {
		fsmCfg.Observer = opts.ObserverFactory(conn.ID())
	}
	machine := fsm.New(role, fsmCfg, channel, opts.DatProvider, opts.Registry, conn)
	conn.Bind(machine)
	channel.BindFSM(machine)
	go channel.Run()

	if err := machine.Start(ctx); err != nil {
		return nil, fmt.Errorf("server: start fsm: %w", err)
	}
	return conn, nil
}

// awaitEstablished blocks until the session reaches Established, the FSM
// closes, or ctx is done.
func awaitEstablished(ctx context.Context, conn *connection.Connection) error {
	for {
		state, closed, changed := conn.StateChanged()
		if closed {
			return ErrHandshakeFailed
		}
		if state == fsm.StateEstablished {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handler is invoked on its own goroutine for every inbound session that
// completes the IDSCP2 handshake.
type Handler func(conn *connection.Connection)

// Server accepts TLS connections and runs the IDSCP2 handshake as
// responder for each.
type Server struct {
	listener net.Listener
	opts     Options
	handler  Handler

	mu     sync.Mutex
	conns  map[string]*connection.Connection
	closed bool

	wg sync.WaitGroup
}

// Listen binds addr with the given TLS configuration (which must require
// and verify client certificates for the DAT fingerprint binding to hold)
// and serves inbound sessions until Close.
func Listen(addr string, tlsCfg *tls.Config, opts Options, handler Handler) (*Server, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("server: nil handler")
	}

	listener, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}

	s := &Server{
		listener: listener,
		opts:     opts,
		handler:  handler,
		conns:    make(map[string]*connection.Connection),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				logger.Error("server: accept failed", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go s.serveConn(raw)
	}
}

func (s *Server) serveConn(raw net.Conn) {
	defer s.wg.Done()

	lctx := logger.WithContext(context.Background(),
		logger.NewLogContext("", raw.RemoteAddr().String()).WithRole("server"))

	// Complete the TLS handshake eagerly so the peer certificate is
	// available the moment the client's Hello arrives.
	if tlsConn, ok := raw.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(lctx); err != nil {
			logger.DebugCtx(lctx, "server: tls handshake failed", "error", err)
			_ = raw.Close()
			return
		}
	}

	conn, err := bootstrap(lctx, raw, fsm.RoleServer, s.opts)
	if err != nil {
		logger.ErrorCtx(lctx, "server: session bootstrap failed", "error", err)
		_ = raw.Close()
		return
	}

	// Re-derive the logging context now that the session has an identity.
	lctx = logger.WithContext(context.Background(),
		logger.NewLogContext(conn.ID(), raw.RemoteAddr().String()).WithRole("server"))

	if err := awaitEstablished(lctx, conn); err != nil {
		logger.DebugCtx(lctx, "server: inbound handshake failed")
		conn.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn.ID()] = conn
	s.mu.Unlock()

	logger.InfoCtx(lctx, "idscp2 session established")
	s.handler(conn)
}

// Close stops accepting and shuts down every live session. Safe to call
// more than once.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	_ = s.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}
