package repository

import (
	"context"

	"membership-billing-pipeline/internal/domain/model"
)

// PlanRepository is the port for plan persistence. The processor only
// reads plans; writes happen through the administrative surface.
type PlanRepository interface {
	Save(ctx context.Context, tx Tx, plan *model.Plan) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Plan, error)
	FindBySlug(ctx context.Context, tx Tx, slug string) (*model.Plan, error)
	ListAll(ctx context.Context, tx Tx) ([]*model.Plan, error)
}

// PlatformProductRepository resolves provider product references to plans.
type PlatformProductRepository interface {
	Save(ctx context.Context, tx Tx, pp *model.PlatformProduct) error
	FindByProductRef(ctx context.Context, tx Tx, provider model.Provider, productRef string) (*model.PlatformProduct, error)
}
