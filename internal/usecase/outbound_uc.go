// File: internal/usecase/outbound_uc.go
package usecase

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/domain/ports/repository"
)

// Compile-time check
var _ OutboundUseCase = (*outboundUC)(nil)

// UpdateSubscriptionParams carries a partial edit; nil fields stay
// untouched.
type UpdateSubscriptionParams struct {
	Name      *string
	TargetURL *string
	Secret    *string
	Active    *bool
}

type OutboundUseCase interface {
	Register(ctx context.Context, name, targetURL, secret string) (*model.OutboundSubscription, error)
	Update(ctx context.Context, id string, p UpdateSubscriptionParams) (*model.OutboundSubscription, error)
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.OutboundSubscription, error)
	List(ctx context.Context, activeOnly bool) ([]*model.OutboundSubscription, error)
}

type outboundUC struct {
	subs repository.OutboundSubscriptionRepository
	log  *zerolog.Logger
}

func NewOutboundUseCase(subs repository.OutboundSubscriptionRepository, logger *zerolog.Logger) *outboundUC {
	return &outboundUC{subs: subs, log: logger}
}

func (u *outboundUC) Register(ctx context.Context, name, targetURL, secret string) (*model.OutboundSubscription, error) {
	if err := validateTargetURL(targetURL); err != nil {
		return nil, err
	}
	sub, err := model.NewOutboundSubscription(uuid.NewString(), name, targetURL, secret)
	if err != nil {
		return nil, err
	}
	if err := u.subs.Save(ctx, nil, sub); err != nil {
		return nil, err
	}
	u.log.Info().Str("subscription_id", sub.ID).Str("target", targetURL).Msg("outbound subscription registered")
	return sub, nil
}

func (u *outboundUC) Update(ctx context.Context, id string, p UpdateSubscriptionParams) (*model.OutboundSubscription, error) {
	sub, err := u.subs.FindByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		sub.Name = *p.Name
	}
	if p.TargetURL != nil {
		if err := validateTargetURL(*p.TargetURL); err != nil {
			return nil, err
		}
		sub.TargetURL = *p.TargetURL
	}
	if p.Secret != nil {
		sub.Secret = *p.Secret
	}
	if p.Active != nil {
		sub.Active = *p.Active
		if *p.Active {
			// A manual re-activation wipes the failure streak.
			if err := u.subs.ResetFailures(ctx, nil, id); err != nil {
				return nil, err
			}
			sub.FailuresCount = 0
		}
	}
	sub.UpdatedAt = time.Now()
	if err := u.subs.Save(ctx, nil, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (u *outboundUC) Remove(ctx context.Context, id string) error {
	return u.subs.Delete(ctx, nil, id)
}

func (u *outboundUC) Get(ctx context.Context, id string) (*model.OutboundSubscription, error) {
	return u.subs.FindByID(ctx, nil, id)
}

func (u *outboundUC) List(ctx context.Context, activeOnly bool) ([]*model.OutboundSubscription, error) {
	if activeOnly {
		return u.subs.ListActive(ctx, nil)
	}
	return u.subs.ListAll(ctx, nil)
}

func validateTargetURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return domain.ErrInvalidArgument
	}
	return nil
}
