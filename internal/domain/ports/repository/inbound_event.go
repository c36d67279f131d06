package repository

import (
	"context"
	"time"

	"membership-billing-pipeline/internal/domain/model"
)

// InboundEventRepository is the idempotency ledger. InsertIfNew is the
// single place in the pipeline that needs a strict mutual-exclusion
// guarantee; it relies on the storage uniqueness constraint over
// (provider, idempotency_key), not an application lock.
type InboundEventRepository interface {
	// InsertIfNew atomically records the event. When a concurrent or
	// earlier delivery already holds the key, it returns isNew=false and
	// the id of the existing row.
	InsertIfNew(ctx context.Context, tx Tx, ev *model.InboundEvent) (isNew bool, existingID string, err error)
	FindByID(ctx context.Context, tx Tx, id string) (*model.InboundEvent, error)
	// MarkTerminal writes a processed/discarded status plus canonical
	// payload, only when the current status permits the transition.
	MarkTerminal(ctx context.Context, tx Tx, id string, status model.InboundStatus, canonical *model.CanonicalEvent, errMsg string) (bool, error)
	MarkFailed(ctx context.Context, tx Tx, id string, errMsg string) error
	List(ctx context.Context, tx Tx, status model.InboundStatus, provider model.Provider, limit int) ([]*model.InboundEvent, error)
	// ListStuck returns events still in the received state older than the
	// cutoff, for crash-recovery resumption.
	ListStuck(ctx context.Context, tx Tx, olderThan time.Time, limit int) ([]*model.InboundEvent, error)
}
