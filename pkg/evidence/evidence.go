// Package evidence archives the terminal results of remote-attestation
// rounds for compliance retention. The archive observes FSM activity; it
// never gates a transition, and archival failures are logged, not
// propagated into the session.
package evidence

import (
	"context"
	"time"
)

// Record is one archived attestation result.
type Record struct {
	ConnectionID string    `json:"connection_id"`
	Role         string    `json:"role"` // "prover" or "verifier"
	Suite        string    `json:"suite"`
	Outcome      string    `json:"outcome"` // "ok" or "failed"
	Detail       string    `json:"detail,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Archive persists Records. Implementations must be safe for concurrent
// use.
type Archive interface {
	// Store persists one record.
	Store(ctx context.Context, rec Record) error
}

// Noop discards every record.
type Noop struct{}

func (Noop) Store(context.Context, Record) error { return nil }
