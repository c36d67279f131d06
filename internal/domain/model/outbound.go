package model

import (
	"time"

	"membership-billing-pipeline/internal/domain"
)

// OutboundSubscription is a registered third-party automation endpoint.
// Created/edited by administrators; the dispatcher only reads it for
// targeting and bumps the failure counter.
type OutboundSubscription struct {
	ID             string // UUID
	Name           string
	TargetURL      string
	Secret         string // optional; when set the body is HMAC-signed
	Active         bool
	FailuresCount  int64
	LastDeliveryAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewOutboundSubscription(id, name, targetURL, secret string) (*OutboundSubscription, error) {
	if id == "" || name == "" || targetURL == "" {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &OutboundSubscription{
		ID:        id,
		Name:      name,
		TargetURL: targetURL,
		Secret:    secret,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusRetry   DeliveryStatus = "retry"
	DeliveryStatusFailed  DeliveryStatus = "failed" // exhausted; dead-lettered
)

// OutboundDelivery tracks one (bus event, subscription) pair across
// attempts. Attempt numbers are monotonic; success is terminal.
type OutboundDelivery struct {
	ID             string // UUID
	BusEventID     string
	SubscriptionID string
	Attempt        int
	Status         DeliveryStatus
	ResponseCode   int
	ResponseBody   string
	ErrorMessage   string
	NextRetryAt    *time.Time
	DeliveredAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeadLetter is the terminal record for a delivery (or a whole bus
// event) that exhausted retries or aged out. Kept queryable for manual
// inspection and replay; never auto-retried.
type DeadLetter struct {
	ID             string // UUID
	BusEventID     string
	SubscriptionID string // empty when the whole event dead-lettered
	Reason         string
	TotalAttempts  int
	LastError      string
	CreatedAt      time.Time
	ReplayedAt     *time.Time
}
