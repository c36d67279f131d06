package model

import (
	"time"

	"membership-billing-pipeline/internal/domain"
)

type PlanInterval string

const (
	PlanIntervalMonthly   PlanInterval = "monthly"
	PlanIntervalQuarterly PlanInterval = "quarterly"
	PlanIntervalYearly    PlanInterval = "yearly"
	PlanIntervalLifetime  PlanInterval = "lifetime"
)

// Duration returns the entitlement length granted by one billing cycle.
// Lifetime plans return 0: the caller leaves the end date open.
func (i PlanInterval) Duration() time.Duration {
	switch i {
	case PlanIntervalMonthly:
		return 30 * 24 * time.Hour
	case PlanIntervalQuarterly:
		return 90 * 24 * time.Hour
	case PlanIntervalYearly:
		return 365 * 24 * time.Hour
	}
	return 0
}

// Plan is a billing tier. The processor consumes plans read-only;
// administrative edits happen outside the pipeline.
type Plan struct {
	ID         string // UUID
	Name       string
	Slug       string // stable identifier, e.g. "vip-mensal"
	PriceCents int64
	Currency   string
	Interval   PlanInterval
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func NewPlan(id, name, slug string, priceCents int64, currency string, interval PlanInterval) (*Plan, error) {
	if id == "" || name == "" || slug == "" || priceCents < 0 {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &Plan{
		ID:         id,
		Name:       name,
		Slug:       slug,
		PriceCents: priceCents,
		Currency:   currency,
		Interval:   interval,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// PlatformProduct maps a provider-specific product/price identifier to
// an internal plan. One plan may be sold under several provider codes.
type PlatformProduct struct {
	ID         string // UUID
	Provider   Provider
	ProductRef string // provider product/offer/price id
	PlanID     string
	CreatedAt  time.Time
}
