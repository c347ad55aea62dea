package fsm

// StateID names a node in the FSM's state graph.
type StateID int

const (
	StateClosed StateID = iota
	StateWaitForHello
	StateWaitForRa
	StateWaitForRaProver
	StateWaitForRaVerifier
	StateWaitForDatAndRa
	StateWaitForDatAndRaVerifier
	StateWaitForAck
	StateEstablished
)

func (s StateID) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateWaitForHello:
		return "WAIT_FOR_HELLO"
	case StateWaitForRa:
		return "WAIT_FOR_RA"
	case StateWaitForRaProver:
		return "WAIT_FOR_RA_PROVER"
	case StateWaitForRaVerifier:
		return "WAIT_FOR_RA_VERIFIER"
	case StateWaitForDatAndRa:
		return "WAIT_FOR_DAT_AND_RA"
	case StateWaitForDatAndRaVerifier:
		return "WAIT_FOR_DAT_AND_RA_VERIFIER"
	case StateWaitForAck:
		return "WAIT_FOR_ACK"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN_STATE"
	}
}

// handshakeState derives the next pre-established (or established) state
// from the three pieces of information that actually change during the
// handshake and every later re-attestation round: whether our prover side
// has completed, whether our verifier side has completed, and whether we
// are mid dat-refresh (our verifier was torn down pending a fresh Dat from
// the peer). Recomputing from these flags keeps the five wait-states it
// returns (and Established) in sync without a bespoke transition target for every event that touches
// one of them.
func handshakeState(proverOK, verifierOK, awaitingDat bool) StateID {
	if awaitingDat {
		if proverOK {
			return StateWaitForDatAndRaVerifier
		}
		return StateWaitForDatAndRa
	}
	switch {
	case proverOK && verifierOK:
		return StateEstablished
	case proverOK:
		return StateWaitForRaVerifier
	case verifierOK:
		return StateWaitForRaProver
	default:
		return StateWaitForRa
	}
}
