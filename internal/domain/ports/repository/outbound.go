package repository

import (
	"context"
	"time"

	"membership-billing-pipeline/internal/domain/model"
)

// -----------------------------
// Outbound subscriptions
// -----------------------------

type OutboundSubscriptionRepository interface {
	Save(ctx context.Context, tx Tx, sub *model.OutboundSubscription) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.OutboundSubscription, error)
	ListActive(ctx context.Context, tx Tx) ([]*model.OutboundSubscription, error)
	ListAll(ctx context.Context, tx Tx) ([]*model.OutboundSubscription, error)
	Delete(ctx context.Context, tx Tx, id string) error
	// IncrementFailures bumps failures_count atomically and returns the
	// new value, so callers can apply a deactivation threshold without a
	// read-modify-write race.
	IncrementFailures(ctx context.Context, tx Tx, id string) (int64, error)
	ResetFailures(ctx context.Context, tx Tx, id string) error
	SetActive(ctx context.Context, tx Tx, id string, active bool) error
	TouchLastDelivery(ctx context.Context, tx Tx, id string, at time.Time) error
}

// -----------------------------
// Outbound deliveries
// -----------------------------

type OutboundDeliveryRepository interface {
	Save(ctx context.Context, tx Tx, d *model.OutboundDelivery) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.OutboundDelivery, error)
	Find(ctx context.Context, tx Tx, busEventID, subscriptionID string) (*model.OutboundDelivery, error)
	// RecordAttempt persists the outcome of one attempt: status, response
	// data, next_retry_at and the monotonically increased attempt number.
	RecordAttempt(ctx context.Context, tx Tx, d *model.OutboundDelivery) error
	ListByBusEvent(ctx context.Context, tx Tx, busEventID string) ([]*model.OutboundDelivery, error)
	// ClaimDue atomically flips due retry-state deliveries back to pending
	// and returns them, so only one scanner instance picks each up.
	ClaimDue(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.OutboundDelivery, error)
	CountUnfinishedByBusEvent(ctx context.Context, tx Tx, busEventID string) (int, error)
	// ListUnfinishedOlderThan returns pending/retry deliveries created
	// before the cutoff, for aging undelivered work into the dead-letter
	// sink.
	ListUnfinishedOlderThan(ctx context.Context, tx Tx, cutoff time.Time, limit int) ([]*model.OutboundDelivery, error)
	// Reschedule defers a delivery without consuming an attempt. Used when
	// the target's dispatch lock is held by another worker.
	Reschedule(ctx context.Context, tx Tx, id string, at time.Time) error
	// Reopen puts a terminally failed delivery back to pending with a fresh
	// attempt budget. Only dead-letter replay calls this.
	Reopen(ctx context.Context, tx Tx, id string) error
}

// -----------------------------
// Dead letters
// -----------------------------

type DeadLetterRepository interface {
	Save(ctx context.Context, tx Tx, dl *model.DeadLetter) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.DeadLetter, error)
	List(ctx context.Context, tx Tx, limit int) ([]*model.DeadLetter, error)
	MarkReplayed(ctx context.Context, tx Tx, id string, at time.Time) error
}
