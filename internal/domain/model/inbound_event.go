package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"membership-billing-pipeline/internal/domain"
)

type InboundStatus string

const (
	InboundStatusReceived  InboundStatus = "received"  // durably stored, not yet applied
	InboundStatusProcessed InboundStatus = "processed" // billing effect applied
	InboundStatusFailed    InboundStatus = "failed"    // recoverable error; eligible for reprocess
	InboundStatusDiscarded InboundStatus = "discarded" // verification failed or no billing effect
)

// Terminal reports whether no further automatic transition is allowed.
// A failed event is not terminal: it can re-enter the state machine.
func (s InboundStatus) Terminal() bool {
	return s == InboundStatusProcessed || s == InboundStatusDiscarded
}

// InboundEvent is one received provider notification. Exactly one row
// exists per (provider, idempotency key) no matter how many times the
// provider delivers it.
type InboundEvent struct {
	ID             string // UUID
	Provider       Provider
	IdempotencyKey string // unique within provider scope
	RawHeaders     map[string]string
	RawPayload     []byte
	Verified       bool
	Canonical      *CanonicalEvent // nil until normalized
	Status         InboundStatus
	ErrorMessage   string
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
}

// NewInboundEvent records a raw delivery in the received state.
func NewInboundEvent(id string, provider Provider, idemKey string, headers map[string]string, payload []byte) (*InboundEvent, error) {
	if id == "" || !provider.Valid() || idemKey == "" {
		return nil, domain.ErrInvalidArgument
	}
	return &InboundEvent{
		ID:             id,
		Provider:       provider,
		IdempotencyKey: idemKey,
		RawHeaders:     headers,
		RawPayload:     payload,
		Status:         InboundStatusReceived,
		ReceivedAt:     time.Now(),
	}, nil
}

// FallbackIdempotencyKey derives a deterministic key for providers that
// omit a stable delivery id: hash of the normalized critical fields.
func FallbackIdempotencyKey(orderID, eventType string) string {
	sum := sha256.Sum256([]byte(orderID + "|" + eventType))
	return hex.EncodeToString(sum[:])
}
