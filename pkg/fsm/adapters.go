package fsm

import (
	"fmt"

	"github.com/idscp2go/idscp2go/internal/logger"
	"github.com/idscp2go/idscp2go/pkg/wire"
)

// OnMessage implements securechannel.Listener: decode one frame body and
// dispatch it as a message event. A body that fails to decode is a fatal
// protocol violation.
func (f *FSM) OnMessage(body []byte) {
	msg, err := wire.Decode(body)
	if err != nil {
		f.Dispatch(Event{Kind: EventControl, Control: ControlError, Err: fmt.Errorf("fsm: malformed frame: %w", err)})
		return
	}
	f.Dispatch(MessageEvent(msg))
}

// OnError implements securechannel.Listener: the transport failed.
func (f *FSM) OnError(err error) {
	f.Dispatch(Event{Kind: EventControl, Control: ControlError, Err: err})
}

// OnClose implements securechannel.Listener: the peer closed the socket
// without a Close frame. Mid-handshake or mid-session this is an error
// condition; after a graceful close the FSM is already down and the event
// is discarded by the closed check in handleLocked.
func (f *FSM) OnClose() {
	f.Dispatch(Event{Kind: EventControl, Control: ControlError, Err: nil})
}

// dispatchDriverEvent delivers a driver callback, discarding it when the
// originating driver generation is no longer current: a stop or restart
// bumps the epoch, so callbacks from a torn-down driver that were already
// in flight die here instead of corrupting the new round.
func (f *FSM) dispatchDriverEvent(prover bool, epoch uint64, e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current := f.verifierEpoch
	if prover {
		current = f.proverEpoch
	}
	if epoch != current {
		logger.DebugCtx(f.lctx, "fsm: discarding stale driver callback", "prover", prover, "epoch", epoch, "current", current)
		return
	}
	f.handleLocked(e)
}

// proverAdapter is the listener capability handed to a prover driver. It
// holds the driver generation it was created for, not a reference the
// driver could use to outlive its teardown.
type proverAdapter struct {
	fsm   *FSM
	epoch uint64
}

func (a *proverAdapter) OnProverMessage(data []byte) {
	a.fsm.dispatchDriverEvent(true, a.epoch, Event{Kind: EventControl, Control: ControlRaProverMsg, Payload: data})
}

func (a *proverAdapter) OnProverResult(ok bool, cause string) {
	code := ControlRaProverOK
	if !ok {
		code = ControlRaProverFailed
	}
	a.fsm.dispatchDriverEvent(true, a.epoch, Event{Kind: EventControl, Control: code, Cause: cause})
}

// verifierAdapter is the symmetric capability for a verifier driver.
type verifierAdapter struct {
	fsm   *FSM
	epoch uint64
}

func (a *verifierAdapter) OnVerifierMessage(data []byte) {
	a.fsm.dispatchDriverEvent(false, a.epoch, Event{Kind: EventControl, Control: ControlRaVerifierMsg, Payload: data})
}

func (a *verifierAdapter) OnVerifierResult(ok bool, cause string) {
	code := ControlRaVerifierOK
	if !ok {
		code = ControlRaVerifierFailed
	}
	a.fsm.dispatchDriverEvent(false, a.epoch, Event{Kind: EventControl, Control: code, Cause: cause})
}
