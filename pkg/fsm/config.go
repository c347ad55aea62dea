package fsm

import "time"

// ConnectionListener receives user-facing events from the FSM: inbound
// application data and terminal lifecycle notifications. Callbacks are
// invoked while the FSM mutex is held; implementations must not call back
// into the FSM synchronously.
type ConnectionListener interface {
	OnMessage(payload []byte)
	OnError(err error)
	OnClose()
}

// RaObserver is an optional hook notified whenever an attestation round
// reaches a terminal result, in either role. Used by the evidence archive
// and metrics layers; it observes, it never gates a transition.
type RaObserver interface {
	OnRaRoundCompleted(role string, suite string, ok bool, cause string)
}

// StateObserver is an optional hook notified on every FSM state change,
// including entry into Closed. Used by the metrics layer to drive a
// per-connection state gauge; it observes, it never gates a transition.
type StateObserver interface {
	OnStateChanged(connectionID string, state string)
}

// AckMode configures the optional alternating-bit acknowledgement layer.
type AckMode struct {
	Enabled    bool
	Timeout    time.Duration
	MaxRetries int
}

// Config bundles every FSM tunable: timer delays, the locally supported RA
// suites, and the acknowledgement mode.
type Config struct {
	// ConnectionID is the owning session's identity, carried into logs
	// and trace spans. Optional; set by the server/connect factory.
	ConnectionID string

	// HandshakeTimeout bounds the entire pre-Established phase, including
	// any dat-refresh round trip.
	HandshakeTimeout time.Duration

	// VerifierHandshakeTimeout bounds how long the verifier driver has to
	// reach a terminal result once started.
	VerifierHandshakeTimeout time.Duration

	// RaInterval is the period between completed attestation rounds once
	// Established: each expiry triggers a REPEAT_RA round.
	RaInterval time.Duration

	// DatRenewalFraction is the fraction (0,1] of the peer DAT's verified
	// remaining validity after which the dat timer fires and a DatExpired
	// is sent, giving the refresh round trip headroom to complete before
	// the token actually lapses.
	DatRenewalFraction float64

	Ack AckMode

	// Observer, when non-nil, is notified of every terminal RA result.
	Observer RaObserver

	// StateObserver, when non-nil, is notified of every FSM state change.
	StateObserver StateObserver

	// SupportedProverSuites are, in priority order, the RA suites this
	// side can perform as prover.
	SupportedProverSuites []string

	// ExpectedVerifierSuites are, in priority order, the RA suites this
	// side accepts when acting as verifier.
	ExpectedVerifierSuites []string
}

// DefaultConfig returns reasonable delays for example/test use.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:         5 * time.Second,
		VerifierHandshakeTimeout: 3 * time.Second,
		RaInterval:               time.Hour,
		DatRenewalFraction:       0.9,
		Ack: AckMode{
			Enabled:    false,
			Timeout:    2 * time.Second,
			MaxRetries: 3,
		},
		SupportedProverSuites:  []string{"Dummy"},
		ExpectedVerifierSuites: []string{"Dummy"},
	}
}
