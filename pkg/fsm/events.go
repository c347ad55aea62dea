package fsm

import "github.com/idscp2go/idscp2go/pkg/wire"

// ControlCode identifies an internally generated event: everything that is
// not a decoded wire message.
type ControlCode int

const (
	ControlStart ControlCode = iota
	ControlStop
	ControlError
	ControlTimeout
	ControlDatTimerExpired
	ControlRepeatRa
	ControlSendData
	ControlRaProverOK
	ControlRaProverFailed
	ControlRaProverMsg
	ControlRaVerifierOK
	ControlRaVerifierFailed
	ControlRaVerifierMsg
	ControlAckTimerExpired
)

func (c ControlCode) String() string {
	switch c {
	case ControlStart:
		return "START"
	case ControlStop:
		return "STOP"
	case ControlError:
		return "ERROR"
	case ControlTimeout:
		return "TIMEOUT"
	case ControlDatTimerExpired:
		return "DAT_TIMER_EXPIRED"
	case ControlRepeatRa:
		return "REPEAT_RA"
	case ControlSendData:
		return "SEND_DATA"
	case ControlRaProverOK:
		return "RA_PROVER_OK"
	case ControlRaProverFailed:
		return "RA_PROVER_FAILED"
	case ControlRaProverMsg:
		return "RA_PROVER_MSG"
	case ControlRaVerifierOK:
		return "RA_VERIFIER_OK"
	case ControlRaVerifierFailed:
		return "RA_VERIFIER_FAILED"
	case ControlRaVerifierMsg:
		return "RA_VERIFIER_MSG"
	case ControlAckTimerExpired:
		return "ACK_TIMER_EXPIRED"
	default:
		return "UNKNOWN_CONTROL"
	}
}

// EventKind distinguishes a decoded wire message from an internal control
// signal or upper-layer request.
type EventKind int

const (
	EventMessage EventKind = iota
	EventControl
)

// Event is the tagged union the dispatch loop operates on: either a
// decoded wire message or an internal control signal.
type Event struct {
	Kind    EventKind
	Message wire.Message // set when Kind == EventMessage
	Control ControlCode  // set when Kind == EventControl
	Payload []byte       // SEND_DATA payload, RA driver message payloads
	Cause   string       // human-readable detail for driver failures
	Err     error        // underlying error for ERROR events
}

// eventKey is the comparable lookup key a state's transition table is
// indexed by.
type eventKey struct {
	kind    EventKind
	tag     wire.Tag
	control ControlCode
}

func keyForMessage(tag wire.Tag) eventKey   { return eventKey{kind: EventMessage, tag: tag} }
func keyForControl(c ControlCode) eventKey  { return eventKey{kind: EventControl, control: c} }
func keyOf(e Event) eventKey {
	if e.Kind == EventMessage {
		return keyForMessage(e.Message.Tag())
	}
	return keyForControl(e.Control)
}

// MessageEvent wraps a decoded wire message as an Event.
func MessageEvent(msg wire.Message) Event {
	return Event{Kind: EventMessage, Message: msg}
}

// ControlEvent wraps a control code as an Event.
func ControlEvent(code ControlCode) Event {
	return Event{Kind: EventControl, Control: code}
}

// SendDataEvent is the upper-layer SEND_DATA request carrying a payload.
func SendDataEvent(payload []byte) Event {
	return Event{Kind: EventControl, Control: ControlSendData, Payload: payload}
}
