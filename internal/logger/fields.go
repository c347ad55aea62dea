package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log
// aggregation and querying.
const (
	// Distributed tracing
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// Session & connection
	KeyConnectionID = "connection_id" // IDSCP2 connection identifier
	KeyPeer         = "peer"          // Remote peer address
	KeyRole         = "role"          // Connection role: client, server
	KeyState        = "state"         // FSM state
	KeyEvent        = "event"         // FSM event key

	// Attestation & identity
	KeySuite         = "suite"          // RA suite identifier
	KeyRaRole        = "ra_role"        // Attestation role: prover, verifier
	KeyOutcome       = "outcome"        // Attestation outcome: ok, failed
	KeyCause         = "cause"          // Close/failure cause
	KeyConnectorUUID = "connector_uuid" // DAPS connector identity
	KeyValidity      = "validity_s"     // DAT remaining validity in seconds

	// I/O
	KeyBytes     = "bytes"     // Payload size in bytes
	KeyFrameTag  = "frame_tag" // Wire message tag
	KeyDirection = "direction" // sent / received

	// Operation metadata
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts

	// Storage backend (evidence archive)
	KeyBucket = "bucket" // Cloud bucket name
	KeyKey    = "key"    // Object key in cloud storage
	KeyRegion = "region" // Cloud region
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// ConnectionID returns a slog.Attr for the connection identifier
func ConnectionID(id string) slog.Attr {
	return slog.String(KeyConnectionID, id)
}

// Peer returns a slog.Attr for the remote peer address
func Peer(addr string) slog.Attr {
	return slog.String(KeyPeer, addr)
}

// Role returns a slog.Attr for the connection role
func Role(role string) slog.Attr {
	return slog.String(KeyRole, role)
}

// State returns a slog.Attr for the FSM state
func State(state string) slog.Attr {
	return slog.String(KeyState, state)
}

// Event returns a slog.Attr for the FSM event key
func Event(event string) slog.Attr {
	return slog.String(KeyEvent, event)
}

// Suite returns a slog.Attr for the RA suite
func Suite(suite string) slog.Attr {
	return slog.String(KeySuite, suite)
}

// RaRole returns a slog.Attr for the attestation role
func RaRole(role string) slog.Attr {
	return slog.String(KeyRaRole, role)
}

// Outcome returns a slog.Attr for an attestation outcome
func Outcome(outcome string) slog.Attr {
	return slog.String(KeyOutcome, outcome)
}

// Cause returns a slog.Attr for a close or failure cause
func Cause(cause string) slog.Attr {
	return slog.String(KeyCause, cause)
}

// ConnectorUUID returns a slog.Attr for the DAPS connector identity
func ConnectorUUID(id string) slog.Attr {
	return slog.String(KeyConnectorUUID, id)
}

// Validity returns a slog.Attr for a DAT's remaining validity in seconds
func Validity(seconds int64) slog.Attr {
	return slog.Int64(KeyValidity, seconds)
}

// Bytes returns a slog.Attr for a payload size
func Bytes(n int) slog.Attr {
	return slog.Int(KeyBytes, n)
}

// FrameTag returns a slog.Attr for a wire message tag
func FrameTag(tag byte) slog.Attr {
	return slog.Int(KeyFrameTag, int(tag))
}

// Direction returns a slog.Attr for a transfer direction
func Direction(d string) slog.Attr {
	return slog.String(KeyDirection, d)
}

// DurationMs returns a slog.Attr for a duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error, tolerating nil
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for a retry budget
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// Bucket returns a slog.Attr for a cloud bucket name
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Key returns a slog.Attr for an object key
func Key(k string) slog.Attr {
	return slog.String(KeyKey, k)
}

// Region returns a slog.Attr for a cloud region
func Region(r string) slog.Attr {
	return slog.String(KeyRegion, r)
}

// Any returns a slog.Attr rendering v with fmt's %v verb, for one-off
// values that have no dedicated constructor
func Any(key string, v any) slog.Attr {
	return slog.String(key, fmt.Sprintf("%v", v))
}
