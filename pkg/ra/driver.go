// Package ra implements the remote-attestation driver registry (C4): a
// named registry of prover/verifier driver factories, instantiated on
// demand and bound to an FSM listener capability.
package ra

import "errors"

// Driver is a long-lived worker running one side (prover or verifier) of an
// attestation exchange. Stop must be idempotent and must not block; a
// driver that cannot stop promptly would stall FSM teardown.
type Driver interface {
	// Start begins the attestation exchange, pushing messages and an
	// eventual terminal result into the listener it was constructed with.
	Start() error

	// Delegate forwards a peer-originated RA frame into the driver. The
	// FSM calls this from a fresh worker goroutine, never from within a
	// transition, to avoid re-entering the FSM mutex.
	Delegate(data []byte)

	// Stop tears the driver down. Idempotent, non-blocking.
	Stop()
}

// ProverListener is the callback capability a prover driver holds back into
// the FSM. It is a capability, not ownership: the driver never outlives the
// FSM's reference to it in a way that matters, since Stop() is always
// called by the FSM before the driver is discarded.
type ProverListener interface {
	// OnProverMessage is called whenever the driver has a protocol frame to
	// send to the peer's verifier.
	OnProverMessage(data []byte)

	// OnProverResult is called exactly once, to conclude the exchange.
	OnProverResult(ok bool, cause string)
}

// VerifierListener is the symmetric callback capability for a verifier
// driver.
type VerifierListener interface {
	OnVerifierMessage(data []byte)
	OnVerifierResult(ok bool, cause string)
}

// ProverFactory constructs a prover Driver bound to listener, applying the
// given (possibly nil) per-registration configuration.
type ProverFactory func(config any, listener ProverListener) (Driver, error)

// VerifierFactory constructs a verifier Driver bound to listener.
type VerifierFactory func(config any, listener VerifierListener) (Driver, error)

// Errors returned by Registry operations.
var (
	ErrUnknownDriver = errors.New("ra: unknown driver id")
	ErrDriverStart   = errors.New("ra: driver construction or start failed")
)
