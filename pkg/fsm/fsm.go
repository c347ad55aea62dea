// Package fsm implements the IDSCP2 connection state machine (C6): the
// single coarse-grained-mutex-guarded core that drives the handshake,
// mutual remote attestation, periodic re-attestation, DAT refresh, the
// optional acknowledgement layer, and teardown.
//
// Every entry point - an inbound wire message, a fired timer, a driver
// callback, or an upper-layer send request - funnels through one mutex.
// Timer callbacks already run with that mutex held (see pkg/timer), so
// they call handleLocked directly; every other entry point calls Dispatch,
// which acquires the mutex itself.
package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/idscp2go/idscp2go/internal/logger"
	"github.com/idscp2go/idscp2go/internal/telemetry"
	"github.com/idscp2go/idscp2go/pkg/ra"
	"github.com/idscp2go/idscp2go/pkg/timer"
	"github.com/idscp2go/idscp2go/pkg/wire"
)

// Role distinguishes the handshake initiator (Client, sends Hello first)
// from the responder (Server, answers the client's Hello with its own).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Channel is the transport capability the FSM needs. pkg/securechannel.Channel
// satisfies it.
type Channel interface {
	Send(msg wire.Message) bool
	IsConnected() bool
	Close()
	RemotePeer() string
	PeerCertificate() []byte
}

// DatProvider is the DAT capability the FSM needs. pkg/dat.Provider satisfies it.
type DatProvider interface {
	Acquire(ctx context.Context) ([]byte, error)
	Verify(ctx context.Context, token []byte, peerCertDER []byte) (int64, error)
}

// RaRegistry is the attestation-driver capability the FSM needs.
// pkg/ra.Registry satisfies it.
type RaRegistry interface {
	StartProver(id string, listener ra.ProverListener) (ra.Driver, error)
	StartVerifier(id string, listener ra.VerifierListener) (ra.Driver, error)
	HasProver(id string) bool
	HasVerifier(id string) bool
}

// transition is one entry in a state's dispatch table.
type transition func(e Event) (Result, StateID)

// FSM is one connection's state machine. Construct with New, then call
// Start.
type FSM struct {
	mu    sync.Mutex
	state StateID

	role     Role
	cfg      Config
	channel  Channel
	datP     DatProvider
	registry RaRegistry
	listener ConnectionListener

	table map[StateID]map[eventKey]transition

	// Handshake bookkeeping. proverOK/verifierOK/awaitingDat together
	// determine the pre-established state, see handshakeState.
	proverOK    bool
	verifierOK  bool
	awaitingDat bool

	proverSuite   string
	verifierSuite string

	proverDriver   ra.Driver
	verifierDriver ra.Driver
	proverEpoch    uint64
	verifierEpoch  uint64

	// Acknowledgement layer: a single outstanding Data tagged with an
	// alternating bit, never a sliding window.
	ackBit     bool
	ackPending bool
	ackPayload []byte
	ackRetries int

	recvBitValid bool
	lastRecvBit  bool

	// Application payloads queued while the FSM is not yet (or currently
	// not) in a state that admits sending.
	buffered [][]byte

	handshakeTimer         *timer.Static
	verifierHandshakeTimer *timer.Static
	raTimer                *timer.Dynamic
	datTimer               *timer.Dynamic
	ackTimer               *timer.Static

	// stateCh is closed and replaced on every state change, broadcasting
	// the change to anyone blocked in StateChanged-based waits.
	stateCh chan struct{}

	// lctx carries the session's logging context (connection id, peer,
	// role); spanCtx parents the per-phase trace spans below.
	lctx    context.Context
	spanCtx context.Context

	handshakeSpan trace.Span
	proverSpan    trace.Span
	verifierSpan  trace.Span

	closed bool
}

// New constructs an FSM in the Closed state, wiring its timers to its own
// mutex. Call Start to begin the handshake.
func New(role Role, cfg Config, channel Channel, datProvider DatProvider, registry RaRegistry, listener ConnectionListener) *FSM {
	if cfg.DatRenewalFraction <= 0 || cfg.DatRenewalFraction > 1 {
		cfg.DatRenewalFraction = 0.9
	}
	lc := logger.NewLogContext(cfg.ConnectionID, channel.RemotePeer()).WithRole(role.String())
	f := &FSM{
		role:     role,
		cfg:      cfg,
		channel:  channel,
		datP:     datProvider,
		registry: registry,
		listener: listener,
		state:    StateClosed,
		stateCh:  make(chan struct{}),
		lctx:     logger.WithContext(context.Background(), lc),
	}
	f.spanCtx = f.lctx
	f.handshakeTimer = timer.NewStatic(&f.mu, cfg.HandshakeTimeout, func() { f.handleLocked(ControlEvent(ControlTimeout)) })
	f.verifierHandshakeTimer = timer.NewStatic(&f.mu, cfg.VerifierHandshakeTimeout, func() { f.handleLocked(ControlEvent(ControlRaVerifierFailed)) })
	f.raTimer = timer.NewDynamic(&f.mu, func() { f.handleLocked(ControlEvent(ControlRepeatRa)) })
	f.datTimer = timer.NewDynamic(&f.mu, func() { f.handleLocked(ControlEvent(ControlDatTimerExpired)) })
	f.ackTimer = timer.NewStatic(&f.mu, cfg.Ack.Timeout, func() { f.handleLocked(ControlEvent(ControlAckTimerExpired)) })
	f.table = f.buildTable()
	return f
}

// State returns the current state. Safe for concurrent use.
func (f *FSM) State() StateID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsClosed reports whether the FSM has reached its terminal Closed state.
func (f *FSM) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Start begins the handshake: the client sends the first Hello, the server
// waits for one. ctx bounds the local DAT acquisition call only; the
// handshake's own timeout is enforced by handshakeTimer regardless of ctx.
func (f *FSM) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("fsm: already closed")
	}
	if f.state != StateClosed {
		return fmt.Errorf("fsm: already started")
	}
	f.spanCtx, f.handshakeSpan = telemetry.StartHandshakeSpan(f.lctx, f.cfg.ConnectionID, f.role.String(),
		telemetry.PeerAddr(f.channel.RemotePeer()))

	f.state = StateWaitForHello
	f.broadcastLocked()
	if f.cfg.StateObserver != nil {
		f.cfg.StateObserver.OnStateChanged(f.cfg.ConnectionID, f.state.String())
	}
	f.handshakeTimer.Start()

	if f.role == RoleClient {
		if err := f.sendHelloLocked(ctx); err != nil {
			f.closeLocked(wire.CauseError, err.Error(), err, false)
			return err
		}
	}
	return nil
}

// Dispatch is the locking entry point used by every caller that does not
// already hold the FSM mutex: inbound wire messages, driver callbacks, and
// upper-layer requests.
func (f *FSM) Dispatch(e Event) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handleLocked(e)
}

// SendData queues (or, when Established, immediately transmits) an
// application payload.
func (f *FSM) SendData(payload []byte) Result {
	return f.Dispatch(SendDataEvent(payload))
}

// RepeatRa triggers an immediate out-of-schedule re-attestation of the peer.
func (f *FSM) RepeatRa() Result {
	return f.Dispatch(ControlEvent(ControlRepeatRa))
}

// Stop requests a graceful, user-initiated shutdown.
func (f *FSM) Stop() {
	f.Dispatch(ControlEvent(ControlStop))
}

// handleLocked dispatches one event against the current state's transition
// table. Caller holds f.mu.
func (f *FSM) handleLocked(e Event) Result {
	if f.closed {
		return ResultNotConnected
	}

	trans, ok := f.table[f.state][keyOf(e)]
	if !ok {
		logger.DebugCtx(f.lctx, "fsm: no transition for event", "state", f.state, "event", eventName(e))
		return ResultUnknownTransition
	}

	before := f.state
	result, next := trans(e)
	if next != before {
		logger.DebugCtx(f.lctx, "fsm: state change", "from", before, "to", next, "event", eventName(e), "result", result)
		f.state = next
		f.broadcastLocked()
		if f.cfg.StateObserver != nil {
			f.cfg.StateObserver.OnStateChanged(f.cfg.ConnectionID, next.String())
		}
	}
	return result
}

func (f *FSM) broadcastLocked() {
	close(f.stateCh)
	f.stateCh = make(chan struct{})
}

// StateChanged returns the current state, whether the FSM is terminally
// closed, and a channel closed at the next state change. The snapshot and
// the channel are taken atomically, so a waiter never misses a change
// between inspecting the state and starting to wait.
func (f *FSM) StateChanged() (StateID, bool, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.closed, f.stateCh
}

// TrySendData transmits payload only when the FSM currently admits a user
// send, without buffering. ResultNotConnected reports that the caller
// should wait for a state change (or give up, if closed).
func (f *FSM) TrySendData(payload []byte) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.state != StateEstablished {
		return ResultNotConnected
	}
	return f.handleLocked(SendDataEvent(payload))
}

func eventName(e Event) string {
	if e.Kind == EventMessage {
		return fmt.Sprintf("msg:%d", e.Message.Tag())
	}
	return e.Control.String()
}

// sendHelloLocked acquires the local DAT and sends the Hello carrying it
// plus the locally supported/expected RA suites.
func (f *FSM) sendHelloLocked(ctx context.Context) error {
	token, err := f.datP.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("fsm: acquire dat: %w", err)
	}
	hello := wire.Hello{
		Dat:         token,
		SupportedRa: f.cfg.SupportedProverSuites,
		ExpectedRa:  f.cfg.ExpectedVerifierSuites,
	}
	if !f.channel.Send(hello) {
		return fmt.Errorf("fsm: send hello: channel not connected")
	}
	return nil
}

// selectSuite returns the first of the peer's preferences also present in
// the local capability list, or "" when the intersection is empty.
func selectSuite(peerPreferences, local []string) string {
	for _, want := range peerPreferences {
		for _, have := range local {
			if want == have {
				return want
			}
		}
	}
	return ""
}

// startProverLocked tears down any existing prover and starts a fresh one
// for the negotiated suite. Caller holds f.mu.
func (f *FSM) startProverLocked() error {
	if f.proverDriver != nil {
		f.proverDriver.Stop()
		f.proverDriver = nil
	}
	f.endProverSpanLocked(false, "superseded")
	f.proverEpoch++
	driver, err := f.registry.StartProver(f.proverSuite, &proverAdapter{fsm: f, epoch: f.proverEpoch})
	if err != nil {
		return err
	}
	f.proverDriver = driver
	_, f.proverSpan = telemetry.StartRaRoundSpan(f.spanCtx, f.cfg.ConnectionID, "prover", f.proverSuite)
	return nil
}

// startVerifierLocked is the verifier-side counterpart of startProverLocked.
func (f *FSM) startVerifierLocked() error {
	if f.verifierDriver != nil {
		f.verifierDriver.Stop()
		f.verifierDriver = nil
	}
	f.endVerifierSpanLocked(false, "superseded")
	f.verifierEpoch++
	driver, err := f.registry.StartVerifier(f.verifierSuite, &verifierAdapter{fsm: f, epoch: f.verifierEpoch})
	if err != nil {
		return err
	}
	f.verifierDriver = driver
	_, f.verifierSpan = telemetry.StartRaRoundSpan(f.spanCtx, f.cfg.ConnectionID, "verifier", f.verifierSuite)
	return nil
}

// endProverSpanLocked closes the current prover round's span, if any.
func (f *FSM) endProverSpanLocked(ok bool, cause string) {
	if f.proverSpan == nil {
		return
	}
	if !ok {
		f.proverSpan.SetStatus(codes.Error, cause)
	}
	f.proverSpan.SetAttributes(telemetry.RaOutcome(outcomeString(ok)))
	f.proverSpan.End()
	f.proverSpan = nil
}

// endVerifierSpanLocked closes the current verifier round's span, if any.
func (f *FSM) endVerifierSpanLocked(ok bool, cause string) {
	if f.verifierSpan == nil {
		return
	}
	if !ok {
		f.verifierSpan.SetStatus(codes.Error, cause)
	}
	f.verifierSpan.SetAttributes(telemetry.RaOutcome(outcomeString(ok)))
	f.verifierSpan.End()
	f.verifierSpan = nil
}

// endHandshakeSpanLocked closes the pre-Established span, if still open.
func (f *FSM) endHandshakeSpanLocked(err error) {
	if f.handshakeSpan == nil {
		return
	}
	if err != nil {
		f.handshakeSpan.RecordError(err)
		f.handshakeSpan.SetStatus(codes.Error, err.Error())
	}
	f.handshakeSpan.End()
	f.handshakeSpan = nil
}

func outcomeString(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func (f *FSM) stopDriversLocked() {
	// Bumping the epochs makes any in-flight driver callback stale: it will
	// be discarded by the adapter's identity check once it reaches the mutex.
	f.proverEpoch++
	f.verifierEpoch++
	if f.proverDriver != nil {
		f.proverDriver.Stop()
		f.proverDriver = nil
	}
	if f.verifierDriver != nil {
		f.verifierDriver.Stop()
		f.verifierDriver = nil
	}
	f.endProverSpanLocked(false, "aborted")
	f.endVerifierSpanLocked(false, "aborted")
}

func (f *FSM) cancelAllTimersLocked() {
	f.handshakeTimer.Cancel()
	f.verifierHandshakeTimer.Cancel()
	f.raTimer.Cancel()
	f.datTimer.Cancel()
	f.ackTimer.Cancel()
}

// closeLocked is the single teardown path. When sendClose is set a
// best-effort Close frame is written first; a failed write is never
// retried. OnError (if err != nil) and then OnClose fire exactly once over
// the FSM's lifetime.
func (f *FSM) closeLocked(cause wire.CauseCode, reason string, err error, sendClose bool) StateID {
	if f.closed {
		return StateClosed
	}
	f.closed = true

	if sendClose && f.channel.IsConnected() {
		_ = f.channel.Send(wire.Close{Reason: reason, Cause: cause})
	}

	f.stopDriversLocked()
	f.cancelAllTimersLocked()
	f.channel.Close()
	f.buffered = nil
	f.endHandshakeSpanLocked(err)

	if f.listener != nil {
		if err != nil {
			f.listener.OnError(err)
		}
		f.listener.OnClose()
	}
	return StateClosed
}

// startDatTimerLocked arms the dat timer to fire shortly before the peer's
// DAT (with the given verified remaining validity in seconds) lapses.
func (f *FSM) startDatTimerLocked(remainingSeconds int64) {
	delay := time.Duration(float64(remainingSeconds)*f.cfg.DatRenewalFraction) * time.Second
	f.datTimer.Reset(delay)
}

// raRoundDoneLocked notifies the configured observer of a terminal RA
// result.
func (f *FSM) raRoundDoneLocked(role, suite string, ok bool, cause string) {
	if f.cfg.Observer != nil {
		f.cfg.Observer.OnRaRoundCompleted(role, suite, ok, cause)
	}
}

// nextHandshakeStateLocked recomputes the state from the handshake flags
// and, when both RA roles have completed, performs the Established entry
// work: timer bookkeeping, buffered-send flush, and the possible immediate
// hop into WaitForAck.
func (f *FSM) nextHandshakeStateLocked() StateID {
	next := handshakeState(f.proverOK, f.verifierOK, f.awaitingDat)
	if next != StateEstablished {
		return next
	}

	f.handshakeTimer.Cancel()
	f.verifierHandshakeTimer.Cancel()
	f.raTimer.Reset(f.cfg.RaInterval)
	f.endHandshakeSpanLocked(nil)

	if f.cfg.Ack.Enabled && f.ackPending {
		// A Data message was outstanding when re-attestation interrupted
		// the session; retransmit it and resume waiting for its Ack.
		f.sendDataFrameLocked(f.ackPayload)
		f.ackTimer.Reset()
		return StateWaitForAck
	}
	return f.flushBufferLocked()
}

// flushBufferLocked drains payloads queued while sending was not admitted.
// In ack mode only the first can go out (single outstanding message); the
// rest stay queued until its Ack arrives.
func (f *FSM) flushBufferLocked() StateID {
	if len(f.buffered) == 0 {
		return StateEstablished
	}
	if f.cfg.Ack.Enabled {
		payload := f.buffered[0]
		f.buffered = f.buffered[1:]
		f.beginAckSendLocked(payload)
		return StateWaitForAck
	}
	for _, payload := range f.buffered {
		if !f.channel.Send(wire.Data{Payload: payload}) {
			return f.closeLocked(wire.CauseError, "", fmt.Errorf("fsm: send data: channel write failed"), false)
		}
	}
	f.buffered = nil
	return StateEstablished
}

// beginAckSendLocked transmits payload as the single outstanding Data and
// arms the retransmit window.
func (f *FSM) beginAckSendLocked(payload []byte) {
	f.ackPending = true
	f.ackPayload = payload
	f.ackRetries = 0
	f.sendDataFrameLocked(payload)
	f.ackTimer.Reset()
}

func (f *FSM) sendDataFrameLocked(payload []byte) bool {
	return f.channel.Send(wire.Data{Payload: payload, AlternatingBit: f.ackBit})
}

// deliverDataLocked hands an inbound Data payload to the user listener,
// acknowledging and deduplicating when the ack layer is on.
func (f *FSM) deliverDataLocked(m wire.Data) {
	if f.cfg.Ack.Enabled {
		// Always re-ack: the peer retransmits until it sees one.
		f.channel.Send(wire.Ack{AlternatingBit: m.AlternatingBit})
		if f.recvBitValid && f.lastRecvBit == m.AlternatingBit {
			return // retransmit of an already-delivered message
		}
		f.recvBitValid = true
		f.lastRecvBit = m.AlternatingBit
	}
	if f.listener != nil {
		f.listener.OnMessage(m.Payload)
	}
}
