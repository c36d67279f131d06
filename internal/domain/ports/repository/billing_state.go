package repository

import (
	"context"

	"membership-billing-pipeline/internal/domain/model"
)

// BillingStateRepository owns UserBillingState rows. The pipeline writes
// them as the last step of a processed transition and reads them only to
// detect no-op re-deliveries.
type BillingStateRepository interface {
	Find(ctx context.Context, tx Tx, customerEmail string) (*model.UserBillingState, error)
	Upsert(ctx context.Context, tx Tx, st *model.UserBillingState) error
}
