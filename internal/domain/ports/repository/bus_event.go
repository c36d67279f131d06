package repository

import (
	"context"
	"time"

	"membership-billing-pipeline/internal/domain/model"
)

// BusEventRepository is the append-only domain event log.
type BusEventRepository interface {
	Append(ctx context.Context, tx Tx, ev *model.BusEvent) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.BusEvent, error)
	FindByInboundEvent(ctx context.Context, tx Tx, inboundEventID string) ([]*model.BusEvent, error)
	// MarkStatus flips pending -> dispatched|failed.
	MarkStatus(ctx context.Context, tx Tx, id string, status model.BusEventStatus) error
	// IncrementRetry bumps retry_count atomically at the storage layer.
	IncrementRetry(ctx context.Context, tx Tx, id string) error
	ListPending(ctx context.Context, tx Tx, limit int) ([]*model.BusEvent, error)
	ListSince(ctx context.Context, tx Tx, since time.Time, limit int) ([]*model.BusEvent, error)
}
