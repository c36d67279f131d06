// File: internal/usecase/plan_uc.go
package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/domain/ports/repository"
)

// Compile-time check
var _ PlanUseCase = (*planUC)(nil)

type PlanUseCase interface {
	Create(ctx context.Context, name, slug string, priceCents int64, currency string, interval model.PlanInterval) (*model.Plan, error)
	Get(ctx context.Context, id string) (*model.Plan, error)
	List(ctx context.Context) ([]*model.Plan, error)
	// MapProduct binds a provider product/offer reference to a plan so
	// the processor can resolve incoming events to it.
	MapProduct(ctx context.Context, provider model.Provider, productRef, planID string) (*model.PlatformProduct, error)
}

type planUC struct {
	plans    repository.PlanRepository
	products repository.PlatformProductRepository
	log      *zerolog.Logger
}

func NewPlanUseCase(plans repository.PlanRepository, products repository.PlatformProductRepository, logger *zerolog.Logger) *planUC {
	return &planUC{plans: plans, products: products, log: logger}
}

func (u *planUC) Create(ctx context.Context, name, slug string, priceCents int64, currency string, interval model.PlanInterval) (*model.Plan, error) {
	plan, err := model.NewPlan(uuid.NewString(), name, slug, priceCents, currency, interval)
	if err != nil {
		return nil, err
	}
	if err := u.plans.Save(ctx, nil, plan); err != nil {
		return nil, err
	}
	u.log.Info().Str("plan_id", plan.ID).Str("slug", slug).Msg("plan created")
	return plan, nil
}

func (u *planUC) Get(ctx context.Context, id string) (*model.Plan, error) {
	return u.plans.FindByID(ctx, nil, id)
}

func (u *planUC) List(ctx context.Context) ([]*model.Plan, error) {
	return u.plans.ListAll(ctx, nil)
}

func (u *planUC) MapProduct(ctx context.Context, provider model.Provider, productRef, planID string) (*model.PlatformProduct, error) {
	// Resolve first so a bogus plan id never lands in the mapping table.
	plan, err := u.plans.FindByID(ctx, nil, planID)
	if err != nil {
		return nil, err
	}
	pp := &model.PlatformProduct{
		ID:         uuid.NewString(),
		Provider:   provider,
		ProductRef: productRef,
		PlanID:     plan.ID,
		CreatedAt:  time.Now(),
	}
	if err := u.products.Save(ctx, nil, pp); err != nil {
		return nil, err
	}
	return pp, nil
}
