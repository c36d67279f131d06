package model

import "time"

type BusEventStatus string

const (
	BusEventStatusPending    BusEventStatus = "pending"
	BusEventStatusDispatched BusEventStatus = "dispatched"
	BusEventStatusFailed     BusEventStatus = "failed"
)

// BusEvent is one entry in the append-only domain event log. It decouples
// "billing effect applied" from "who needs to know": new outbound
// subscribers only need bus history, never raw InboundEvents.
type BusEvent struct {
	ID             string // ULID; stable, sortable, reused by receivers for dedup
	InboundEventID string
	Canonical      CanonicalEvent
	Status         BusEventStatus
	RetryCount     int
	CreatedAt      time.Time
	DispatchedAt   *time.Time
}
