package model

import "time"

type EventType string

const (
	EventTypePurchaseApproved    EventType = "purchase_approved"
	EventTypeSubscriptionCreated EventType = "subscription_created"
	EventTypeRefund              EventType = "refund"
	EventTypeChargeback          EventType = "chargeback"
	EventTypeCancellation        EventType = "cancellation"
	// EventTypeUnmapped covers provider events we record but apply no
	// billing effect for (informational pings, shipping updates, ...).
	EventTypeUnmapped EventType = "unmapped"
)

// BillingEffect reports whether processing this event mutates a user's
// billing state. Unmapped events are recorded and discarded.
func (t EventType) BillingEffect() bool {
	switch t {
	case EventTypePurchaseApproved, EventTypeSubscriptionCreated,
		EventTypeRefund, EventTypeChargeback, EventTypeCancellation:
		return true
	}
	return false
}

// CanonicalEvent is the provider-agnostic normalized form of a billing
// notification. Normalization is a pure function of (provider, payload):
// the same input always produces the same CanonicalEvent.
type CanonicalEvent struct {
	EventType       EventType `json:"event_type"`
	CustomerEmail   string    `json:"customer_email"`
	ExternalOrderID string    `json:"external_order_id"`
	PlanIdentifier  string    `json:"plan_identifier"` // provider product/offer code
	Amount          int64     `json:"amount"`          // minor units (cents)
	Currency        string    `json:"currency"`
	OccurredAt      time.Time `json:"occurred_at"`
}
