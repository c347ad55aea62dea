package fsm

import (
	"fmt"

	"github.com/idscp2go/idscp2go/pkg/wire"
)

// buildTable wires every state's transition table. Events without an entry
// fall through to the no-transition default in handleLocked (stay put,
// report UnknownTransition).
func (f *FSM) buildTable() map[StateID]map[eventKey]transition {
	live := []StateID{
		StateWaitForHello,
		StateWaitForRa,
		StateWaitForRaProver,
		StateWaitForRaVerifier,
		StateWaitForDatAndRa,
		StateWaitForDatAndRaVerifier,
		StateWaitForAck,
		StateEstablished,
	}
	waiting := []StateID{
		StateWaitForHello,
		StateWaitForRa,
		StateWaitForRaProver,
		StateWaitForRaVerifier,
		StateWaitForDatAndRa,
		StateWaitForDatAndRaVerifier,
	}
	// States in which RA drivers are (or may still be) exchanging frames.
	raActive := []StateID{
		StateWaitForRa,
		StateWaitForRaProver,
		StateWaitForRaVerifier,
		StateWaitForDatAndRa,
		StateWaitForDatAndRaVerifier,
		StateWaitForAck,
		StateEstablished,
	}
	// States after the Hello exchange, in which inbound application Data is
	// deliverable.
	session := []StateID{
		StateWaitForRa,
		StateWaitForRaProver,
		StateWaitForRaVerifier,
		StateWaitForDatAndRa,
		StateWaitForDatAndRaVerifier,
		StateWaitForAck,
		StateEstablished,
	}
	establishedFamily := []StateID{StateEstablished, StateWaitForAck}

	t := make(map[StateID]map[eventKey]transition, len(live))
	for _, s := range live {
		t[s] = make(map[eventKey]transition)
	}
	add := func(states []StateID, key eventKey, fn transition) {
		for _, s := range states {
			t[s][key] = fn
		}
	}

	add(live, keyForControl(ControlStop), f.onStop)
	add(live, keyForControl(ControlError), f.onChannelError)
	add(live, keyForMessage(wire.TagClose), f.onPeerClose)
	add(live, keyForControl(ControlSendData), f.onSendData)

	add(waiting, keyForControl(ControlTimeout), f.onHandshakeTimeout)

	t[StateWaitForHello][keyForMessage(wire.TagHello)] = f.onHello

	add(raActive, keyForMessage(wire.TagRaProver), f.onPeerRaProver)
	add(raActive, keyForMessage(wire.TagRaVerifier), f.onPeerRaVerifier)
	add(raActive, keyForControl(ControlRaProverMsg), f.onProverMsgOut)
	add(raActive, keyForControl(ControlRaVerifierMsg), f.onVerifierMsgOut)
	add(raActive, keyForControl(ControlRaProverOK), f.onRaProverOK)
	add(raActive, keyForControl(ControlRaProverFailed), f.onRaProverFailed)
	add(raActive, keyForControl(ControlRaVerifierOK), f.onRaVerifierOK)
	add(raActive, keyForControl(ControlRaVerifierFailed), f.onRaVerifierFailed)

	add(session, keyForMessage(wire.TagData), f.onPeerData)
	add(session, keyForMessage(wire.TagDatExpired), f.onPeerDatExpired)
	add(session, keyForMessage(wire.TagDat), f.onPeerDat)

	add([]StateID{StateWaitForRa, StateWaitForRaProver, StateWaitForRaVerifier, StateEstablished, StateWaitForAck},
		keyForControl(ControlDatTimerExpired), f.onDatTimerExpired)

	add(establishedFamily, keyForControl(ControlRepeatRa), f.onRepeatRa)
	add(establishedFamily, keyForMessage(wire.TagReRa), f.onPeerReRa)

	t[StateEstablished][keyForMessage(wire.TagAck)] = f.onLateAck
	t[StateWaitForAck][keyForMessage(wire.TagAck)] = f.onAck
	t[StateWaitForAck][keyForControl(ControlAckTimerExpired)] = f.onAckTimerExpired

	return t
}

// suspendSessionLocked moves the FSM's timer regime from established mode
// back into handshake mode: re-attestation and ack windows pause, the
// handshake timeout re-arms to bound the round trip that is about to
// happen.
func (f *FSM) suspendSessionLocked() {
	f.raTimer.Cancel()
	f.ackTimer.Cancel()
	f.handshakeTimer.Reset()
}

func (f *FSM) onStop(Event) (Result, StateID) {
	return ResultOK, f.closeLocked(wire.CauseUserShutdown, "user shutdown", nil, true)
}

func (f *FSM) onChannelError(e Event) (Result, StateID) {
	err := e.Err
	if err == nil {
		err = fmt.Errorf("fsm: connection closed by peer")
	}
	return ResultIoError, f.closeLocked(wire.CauseError, "", err, false)
}

func (f *FSM) onPeerClose(e Event) (Result, StateID) {
	m := e.Message.(wire.Close)
	var err error
	if m.Cause != wire.CauseUserShutdown {
		err = fmt.Errorf("fsm: peer closed connection: %s (%s)", m.Reason, m.Cause)
	}
	return ResultOK, f.closeLocked(m.Cause, "", err, false)
}

func (f *FSM) onHandshakeTimeout(Event) (Result, StateID) {
	err := fmt.Errorf("fsm: handshake timed out")
	return ResultTimeout, f.closeLocked(wire.CauseTimeout, "handshake timeout", err, true)
}

// onHello validates the peer's DAT, negotiates the RA suites for both
// roles, answers with the local Hello when acting as server, and starts
// both drivers.
func (f *FSM) onHello(e Event) (Result, StateID) {
	m := e.Message.(wire.Hello)

	peerCert := f.channel.PeerCertificate()
	if peerCert == nil {
		err := fmt.Errorf("fsm: peer presented no certificate")
		return ResultInvalidDat, f.closeLocked(wire.CauseHandshakeFailed, "peer certificate missing", err, true)
	}

	remaining, err := f.datP.Verify(f.spanCtx, m.Dat, peerCert)
	if err != nil {
		return ResultInvalidDat, f.closeLocked(wire.CauseDatInvalid, "dat verification failed", err, true)
	}

	// Peer preferences lead: its expected suites pick our prover, its
	// supported suites pick our verifier.
	f.proverSuite = selectSuite(m.ExpectedRa, f.cfg.SupportedProverSuites)
	f.verifierSuite = selectSuite(m.SupportedRa, f.cfg.ExpectedVerifierSuites)
	if f.proverSuite == "" || f.verifierSuite == "" {
		err := fmt.Errorf("fsm: no common ra suite (peer supports %v, expects %v)", m.SupportedRa, m.ExpectedRa)
		return ResultRaError, f.closeLocked(wire.CauseHandshakeFailed, "ra suite mismatch", err, true)
	}

	if f.role == RoleServer {
		if err := f.sendHelloLocked(f.spanCtx); err != nil {
			return ResultIoError, f.closeLocked(wire.CauseError, "", err, false)
		}
	}

	f.startDatTimerLocked(remaining)

	if err := f.startVerifierLocked(); err != nil {
		return ResultRaError, f.closeLocked(wire.CauseRaVerifierFailed, "verifier start failed", err, true)
	}
	f.verifierHandshakeTimer.Reset()
	if err := f.startProverLocked(); err != nil {
		return ResultRaError, f.closeLocked(wire.CauseRaProverFailed, "prover start failed", err, true)
	}

	f.proverOK = false
	f.verifierOK = false
	return ResultOK, f.nextHandshakeStateLocked()
}

// onPeerRaProver forwards a frame produced by the peer's prover to the
// local verifier driver, on a fresh worker to keep the driver from
// re-entering the FSM mutex.
func (f *FSM) onPeerRaProver(e Event) (Result, StateID) {
	m := e.Message.(wire.RaProver)
	if d := f.verifierDriver; d != nil {
		go d.Delegate(m.Data)
	}
	return ResultOK, f.state
}

// onPeerRaVerifier is the symmetric path into the local prover driver.
func (f *FSM) onPeerRaVerifier(e Event) (Result, StateID) {
	m := e.Message.(wire.RaVerifier)
	if d := f.proverDriver; d != nil {
		go d.Delegate(m.Data)
	}
	return ResultOK, f.state
}

func (f *FSM) onProverMsgOut(e Event) (Result, StateID) {
	if !f.channel.Send(wire.RaProver{Data: e.Payload}) {
		err := fmt.Errorf("fsm: send ra prover frame: channel write failed")
		return ResultIoError, f.closeLocked(wire.CauseError, "", err, false)
	}
	return ResultOK, f.state
}

func (f *FSM) onVerifierMsgOut(e Event) (Result, StateID) {
	if !f.channel.Send(wire.RaVerifier{Data: e.Payload}) {
		err := fmt.Errorf("fsm: send ra verifier frame: channel write failed")
		return ResultIoError, f.closeLocked(wire.CauseError, "", err, false)
	}
	return ResultOK, f.state
}

func (f *FSM) onRaProverOK(Event) (Result, StateID) {
	if f.proverOK {
		return ResultOK, f.state
	}
	f.proverOK = true
	f.endProverSpanLocked(true, "")
	f.raRoundDoneLocked("prover", f.proverSuite, true, "")
	return ResultOK, f.nextHandshakeStateLocked()
}

func (f *FSM) onRaVerifierOK(Event) (Result, StateID) {
	if f.verifierOK {
		return ResultOK, f.state
	}
	f.verifierOK = true
	f.verifierHandshakeTimer.Cancel()
	f.endVerifierSpanLocked(true, "")
	f.raRoundDoneLocked("verifier", f.verifierSuite, true, "")
	return ResultOK, f.nextHandshakeStateLocked()
}

func (f *FSM) onRaProverFailed(e Event) (Result, StateID) {
	f.endProverSpanLocked(false, e.Cause)
	f.raRoundDoneLocked("prover", f.proverSuite, false, e.Cause)
	err := fmt.Errorf("fsm: ra prover failed: %s", e.Cause)
	return ResultRaError, f.closeLocked(wire.CauseRaProverFailed, "ra prover failed", err, true)
}

func (f *FSM) onRaVerifierFailed(e Event) (Result, StateID) {
	f.endVerifierSpanLocked(false, e.Cause)
	f.raRoundDoneLocked("verifier", f.verifierSuite, false, e.Cause)
	err := fmt.Errorf("fsm: ra verifier failed: %s", e.Cause)
	return ResultRaError, f.closeLocked(wire.CauseRaVerifierFailed, "ra verifier failed", err, true)
}

func (f *FSM) onPeerData(e Event) (Result, StateID) {
	f.deliverDataLocked(e.Message.(wire.Data))
	return ResultOK, f.state
}

// onSendData transmits immediately when Established; in every other live
// state the payload is buffered until the FSM next (re-)enters Established.
func (f *FSM) onSendData(e Event) (Result, StateID) {
	if f.state != StateEstablished {
		f.buffered = append(f.buffered, e.Payload)
		return ResultOK, f.state
	}
	if f.cfg.Ack.Enabled {
		f.beginAckSendLocked(e.Payload)
		return ResultOK, StateWaitForAck
	}
	if !f.channel.Send(wire.Data{Payload: e.Payload}) {
		err := fmt.Errorf("fsm: send data: channel write failed")
		return ResultIoError, f.closeLocked(wire.CauseError, "", err, false)
	}
	return ResultOK, f.state
}

// onDatTimerExpired fires when the peer's DAT is about to lapse: the local
// verifier stops, a DatExpired goes out, and the FSM waits for a fresh Dat.
func (f *FSM) onDatTimerExpired(Event) (Result, StateID) {
	f.verifierEpoch++
	if f.verifierDriver != nil {
		f.verifierDriver.Stop()
		f.verifierDriver = nil
	}
	f.endVerifierSpanLocked(false, "peer dat expired")
	f.verifierOK = false
	f.awaitingDat = true
	f.suspendSessionLocked()

	if !f.channel.Send(wire.DatExpired{}) {
		err := fmt.Errorf("fsm: send dat expired: channel write failed")
		return ResultIoError, f.closeLocked(wire.CauseError, "", err, false)
	}
	return ResultOK, handshakeState(f.proverOK, f.verifierOK, f.awaitingDat)
}

// onPeerDatExpired answers the peer's DatExpired with a freshly acquired
// local DAT and restarts the prover so the peer can re-verify us under it.
func (f *FSM) onPeerDatExpired(Event) (Result, StateID) {
	token, err := f.datP.Acquire(f.spanCtx)
	if err != nil {
		return ResultIoError, f.closeLocked(wire.CauseError, "", err, false)
	}
	if !f.channel.Send(wire.Dat{Token: token}) {
		err := fmt.Errorf("fsm: send dat: channel write failed")
		return ResultIoError, f.closeLocked(wire.CauseError, "", err, false)
	}

	f.proverOK = false
	f.suspendSessionLocked()
	if err := f.startProverLocked(); err != nil {
		return ResultRaError, f.closeLocked(wire.CauseRaProverFailed, "prover restart failed", err, true)
	}
	return ResultOK, f.nextHandshakeStateLocked()
}

// onPeerDat verifies a freshly presented peer DAT and restarts the local
// verifier under it.
func (f *FSM) onPeerDat(e Event) (Result, StateID) {
	m := e.Message.(wire.Dat)

	remaining, err := f.datP.Verify(f.spanCtx, m.Token, f.channel.PeerCertificate())
	if err != nil {
		return ResultInvalidDat, f.closeLocked(wire.CauseDatInvalid, "dat verification failed", err, true)
	}

	f.awaitingDat = false
	f.verifierOK = false
	f.startDatTimerLocked(remaining)
	if err := f.startVerifierLocked(); err != nil {
		return ResultRaError, f.closeLocked(wire.CauseRaVerifierFailed, "verifier restart failed", err, true)
	}
	f.verifierHandshakeTimer.Reset()
	return ResultOK, f.nextHandshakeStateLocked()
}

// onRepeatRa starts a fresh verification round of the peer, either because
// the re-attestation timer fired or the upper layer requested it.
func (f *FSM) onRepeatRa(Event) (Result, StateID) {
	f.verifierOK = false
	f.suspendSessionLocked()

	if !f.channel.Send(wire.ReRa{Cause: "periodic re-attestation"}) {
		err := fmt.Errorf("fsm: send re-ra: channel write failed")
		return ResultIoError, f.closeLocked(wire.CauseError, "", err, false)
	}
	if err := f.startVerifierLocked(); err != nil {
		return ResultRaError, f.closeLocked(wire.CauseRaVerifierFailed, "verifier restart failed", err, true)
	}
	f.verifierHandshakeTimer.Reset()
	return ResultOK, f.nextHandshakeStateLocked()
}

// onPeerReRa restarts the prover to satisfy the peer's re-attestation
// request.
func (f *FSM) onPeerReRa(Event) (Result, StateID) {
	f.proverOK = false
	f.suspendSessionLocked()
	if err := f.startProverLocked(); err != nil {
		return ResultRaError, f.closeLocked(wire.CauseRaProverFailed, "prover restart failed", err, true)
	}
	return ResultOK, f.nextHandshakeStateLocked()
}

// onAck completes the single outstanding Data when the echoed bit matches;
// a mismatched bit is a stale ack and is ignored.
func (f *FSM) onAck(e Event) (Result, StateID) {
	m := e.Message.(wire.Ack)
	if m.AlternatingBit != f.ackBit {
		return ResultOK, f.state
	}
	f.ackPending = false
	f.ackPayload = nil
	f.ackRetries = 0
	f.ackTimer.Cancel()
	f.ackBit = !f.ackBit
	return ResultOK, f.flushBufferLocked()
}

// onLateAck absorbs an ack arriving after its window already closed.
func (f *FSM) onLateAck(Event) (Result, StateID) {
	return ResultOK, f.state
}

// onAckTimerExpired retransmits the outstanding Data, giving up with a
// timeout close once the configured retry budget is exhausted.
func (f *FSM) onAckTimerExpired(Event) (Result, StateID) {
	f.ackRetries++
	if f.cfg.Ack.MaxRetries > 0 && f.ackRetries > f.cfg.Ack.MaxRetries {
		err := fmt.Errorf("fsm: ack retries exhausted after %d attempts", f.ackRetries-1)
		return ResultTimeout, f.closeLocked(wire.CauseTimeout, "ack retries exhausted", err, true)
	}
	if !f.sendDataFrameLocked(f.ackPayload) {
		err := fmt.Errorf("fsm: retransmit data: channel write failed")
		return ResultIoError, f.closeLocked(wire.CauseError, "", err, false)
	}
	f.ackTimer.Reset()
	return ResultOK, f.state
}
