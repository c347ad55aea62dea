package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for IDSCP2 session tracing.
// These follow OpenTelemetry semantic conventions where applicable;
// protocol-specific keys use the "idscp2." prefix.
const (
	// Peer attributes
	AttrPeerAddr = "peer.address"

	// Session attributes
	AttrConnectionID = "idscp2.connection_id"
	AttrRole         = "idscp2.role"  // client, server
	AttrState        = "idscp2.state" // FSM state
	AttrEvent        = "idscp2.event" // FSM event key
	AttrCloseCause   = "idscp2.close_cause"

	// Attestation attributes
	AttrRaSuite   = "idscp2.ra.suite"
	AttrRaRole    = "idscp2.ra.role" // prover, verifier
	AttrRaOutcome = "idscp2.ra.outcome"

	// DAT attributes
	AttrConnectorUUID = "idscp2.dat.connector_uuid"
	AttrDatValidity   = "idscp2.dat.validity_s"
	AttrDatSource     = "idscp2.dat.source" // fresh, cached

	// I/O attributes
	AttrBytes    = "idscp2.bytes"
	AttrFrameTag = "idscp2.frame_tag"

	// Storage attributes (evidence archive)
	AttrBucket = "storage.bucket"
	AttrKey    = "storage.key"
	AttrRegion = "storage.region"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	SpanHandshake  = "idscp2.handshake"
	SpanRaRound    = "idscp2.ra_round"
	SpanDatAcquire = "dat.acquire"
	SpanDatVerify  = "dat.verify"
	SpanDatRefresh = "dat.refresh"
	SpanSend       = "idscp2.send"
	SpanEvidence   = "evidence.store"
)

// PeerAddr returns an attribute for the remote peer address
func PeerAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrPeerAddr, addr)
}

// ConnectionID returns an attribute for the session identifier
func ConnectionID(id string) attribute.KeyValue {
	return attribute.String(AttrConnectionID, id)
}

// Role returns an attribute for the connection role
func Role(role string) attribute.KeyValue {
	return attribute.String(AttrRole, role)
}

// State returns an attribute for the FSM state
func State(state string) attribute.KeyValue {
	return attribute.String(AttrState, state)
}

// Event returns an attribute for the FSM event key
func Event(event string) attribute.KeyValue {
	return attribute.String(AttrEvent, event)
}

// CloseCause returns an attribute for a Close frame's cause code
func CloseCause(cause string) attribute.KeyValue {
	return attribute.String(AttrCloseCause, cause)
}

// RaSuite returns an attribute for the negotiated RA suite
func RaSuite(suite string) attribute.KeyValue {
	return attribute.String(AttrRaSuite, suite)
}

// RaRole returns an attribute for the attestation role
func RaRole(role string) attribute.KeyValue {
	return attribute.String(AttrRaRole, role)
}

// RaOutcome returns an attribute for a terminal attestation outcome
func RaOutcome(outcome string) attribute.KeyValue {
	return attribute.String(AttrRaOutcome, outcome)
}

// ConnectorUUID returns an attribute for the DAPS connector identity
func ConnectorUUID(id string) attribute.KeyValue {
	return attribute.String(AttrConnectorUUID, id)
}

// DatValidity returns an attribute for a DAT's remaining validity
func DatValidity(seconds int64) attribute.KeyValue {
	return attribute.Int64(AttrDatValidity, seconds)
}

// DatSource returns an attribute distinguishing fresh from cached tokens
func DatSource(source string) attribute.KeyValue {
	return attribute.String(AttrDatSource, source)
}

// Bytes returns an attribute for a payload size
func Bytes(n int) attribute.KeyValue {
	return attribute.Int(AttrBytes, n)
}

// FrameTag returns an attribute for a wire message tag
func FrameTag(tag byte) attribute.KeyValue {
	return attribute.Int(AttrFrameTag, int(tag))
}

// Bucket returns an attribute for a cloud bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for an object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// StartHandshakeSpan starts the root span covering one session's
// pre-Established phase.
func StartHandshakeSpan(ctx context.Context, connectionID, role string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		ConnectionID(connectionID),
		Role(role),
	}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, SpanHandshake, trace.WithAttributes(allAttrs...))
}

// StartRaRoundSpan starts a span for one attestation round in one role.
func StartRaRoundSpan(ctx context.Context, connectionID, raRole, suite string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		ConnectionID(connectionID),
		RaRole(raRole),
		RaSuite(suite),
	}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, SpanRaRound, trace.WithAttributes(allAttrs...))
}

// StartDatSpan starts a span for a DAT provider operation
// (SpanDatAcquire, SpanDatVerify, or SpanDatRefresh).
func StartDatSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, operation, trace.WithAttributes(attrs...))
}
