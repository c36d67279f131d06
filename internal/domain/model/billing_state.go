package model

import "time"

type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "active"
	PlanStatusExpired   PlanStatus = "expired"
	PlanStatusSuspended PlanStatus = "suspended"
)

// UserBillingState is the billing outcome the pipeline writes onto a
// member profile. It is keyed by customer email because providers do
// not share our internal user ids. Mutated exclusively by the event
// processor (or explicit admin override outside the pipeline).
type UserBillingState struct {
	CustomerEmail string
	PlanID        string
	PlanSlug      string
	PlanStatus    PlanStatus
	PlanStartDate *time.Time
	PlanEndDate   *time.Time // nil for lifetime plans
	AutoRenewal   bool
	// LastOrderID is the external order that produced the current state,
	// kept so a reprocessed event can be detected as a no-op.
	LastOrderID string
	UpdatedAt   time.Time
}

// Reflects reports whether the state already carries the outcome of the
// given canonical event: same plan activated by the same external order.
// Used to make re-application after a manual reprocess a safe no-op.
func (s *UserBillingState) Reflects(planID string, ev *CanonicalEvent) bool {
	if s == nil || ev == nil {
		return false
	}
	return s.PlanID == planID &&
		s.LastOrderID == ev.ExternalOrderID &&
		s.PlanStatus == PlanStatusActive
}
