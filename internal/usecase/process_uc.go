// File: internal/usecase/process_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"membership-billing-pipeline/internal/config"
	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/domain/ports/repository"
	"membership-billing-pipeline/internal/infra/logging"
	"membership-billing-pipeline/internal/infra/metrics"
	"membership-billing-pipeline/internal/infra/worker"
	"membership-billing-pipeline/internal/provider"
)

// Compile-time check
var _ ProcessUseCase = (*processUC)(nil)

// ProcessUseCase drives an inbound event through the state machine:
// received -> processed | discarded, with failed as the recoverable
// intermediate. The billing write, terminal status write and bus append
// commit in one transaction, so a crash mid-processing leaves either the
// full outcome or a resumable received/failed event, never a half-applied
// billing effect.
type ProcessUseCase interface {
	Process(ctx context.Context, eventID string) error
	// Reprocess re-enters the state machine for a failed event. Events in
	// a terminal state return domain.ErrTerminalState.
	Reprocess(ctx context.Context, eventID string) error
}

type processUC struct {
	events   repository.InboundEventRepository
	plans    repository.PlanRepository
	products repository.PlatformProductRepository
	states   repository.BillingStateRepository
	bus      repository.BusEventRepository
	txm      repository.TransactionManager

	dispatcher DispatchUseCase
	pool       *worker.Pool

	webhook *config.WebhookConfig
	billing *config.BillingConfig
	log     *zerolog.Logger
}

func NewProcessUseCase(
	events repository.InboundEventRepository,
	plans repository.PlanRepository,
	products repository.PlatformProductRepository,
	states repository.BillingStateRepository,
	bus repository.BusEventRepository,
	txm repository.TransactionManager,
	dispatcher DispatchUseCase,
	pool *worker.Pool,
	webhook *config.WebhookConfig,
	billing *config.BillingConfig,
	logger *zerolog.Logger,
) *processUC {
	return &processUC{
		events: events, plans: plans, products: products, states: states,
		bus: bus, txm: txm, dispatcher: dispatcher, pool: pool,
		webhook: webhook, billing: billing, log: logger,
	}
}

func (u *processUC) Process(ctx context.Context, eventID string) error {
	ctx = logging.WithEventID(ctx, eventID)

	ev, err := u.events.FindByID(ctx, nil, eventID)
	if err != nil {
		return err
	}
	log := logging.With(logging.WithProvider(ctx, string(ev.Provider)), u.log)
	defer logging.TraceDuration(log, "ProcessUC.Process")()

	if ev.Status.Terminal() {
		// Duplicate submission (pool + scanner racing); nothing to do.
		return nil
	}

	if !ev.Verified && !u.webhook.AllowUnverified {
		return u.discard(ctx, ev, nil, "verification failed: "+ev.ErrorMessage, log)
	}

	canonical, err := provider.Normalize(ev.Provider, ev.RawPayload)
	if err != nil {
		return u.discard(ctx, ev, nil, "normalization: "+err.Error(), log)
	}
	if !canonical.EventType.BillingEffect() {
		return u.discard(ctx, ev, canonical, "no billing effect", log)
	}

	var busEventID string
	err = u.txm.WithTx(ctx, pgx.TxOptions{}, func(txCtx context.Context, tx repository.Tx) error {
		plan, err := u.resolvePlan(txCtx, tx, ev.Provider, canonical.PlanIdentifier)
		if err != nil {
			return err
		}

		st, err := u.states.Find(txCtx, tx, canonical.CustomerEmail)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		if st != nil && st.Reflects(plan.ID, canonical) {
			log.Info().Str("customer", canonical.CustomerEmail).Msg("billing state already current, no-op")
		} else {
			next, err := u.applyEffect(txCtx, tx, st, plan, canonical)
			if err != nil {
				return err
			}
			if err := u.states.Upsert(txCtx, tx, next); err != nil {
				return err
			}
		}

		ok, err := u.events.MarkTerminal(txCtx, tx, ev.ID, model.InboundStatusProcessed, canonical, "")
		if err != nil {
			return err
		}
		if !ok {
			// Another worker finished this event first; abort so the
			// billing write above rolls back with the transaction.
			return domain.ErrTerminalState
		}

		be := &model.BusEvent{
			ID:             ulid.Make().String(),
			InboundEventID: ev.ID,
			Canonical:      *canonical,
			Status:         model.BusEventStatusPending,
			CreatedAt:      time.Now(),
		}
		if err := u.bus.Append(txCtx, tx, be); err != nil {
			return err
		}
		busEventID = be.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrTerminalState) {
			return nil
		}
		log.Warn().Err(err).Msg("processing failed, event kept for retry")
		if markErr := u.events.MarkFailed(ctx, nil, ev.ID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Msg("could not flag event failed")
		}
		metrics.IncProcessed(string(ev.Provider), string(model.InboundStatusFailed))
		return err
	}

	metrics.IncProcessed(string(ev.Provider), string(model.InboundStatusProcessed))
	log.Info().Str("bus_event_id", busEventID).Str("type", string(canonical.EventType)).Msg("event processed")

	if err := u.pool.Submit(func(taskCtx context.Context) error {
		return u.dispatcher.DispatchEvent(taskCtx, busEventID)
	}); err != nil {
		// Bus event stays pending; the retry scanner dispatches it.
		log.Warn().Err(err).Str("bus_event_id", busEventID).Msg("dispatch deferred to scanner")
	}
	return nil
}

func (u *processUC) Reprocess(ctx context.Context, eventID string) error {
	ev, err := u.events.FindByID(ctx, nil, eventID)
	if err != nil {
		return err
	}
	if ev.Status.Terminal() {
		return domain.ErrTerminalState
	}
	return u.Process(ctx, eventID)
}

func (u *processUC) discard(ctx context.Context, ev *model.InboundEvent, canonical *model.CanonicalEvent, reason string, log *zerolog.Logger) error {
	ok, err := u.events.MarkTerminal(ctx, nil, ev.ID, model.InboundStatusDiscarded, canonical, reason)
	if err != nil {
		return err
	}
	if ok {
		metrics.IncProcessed(string(ev.Provider), string(model.InboundStatusDiscarded))
		log.Info().Str("reason", reason).Msg("event discarded")
	}
	return nil
}

// resolvePlan maps the provider's product reference to an internal plan:
// first through the explicit platform_products mapping, then by treating
// the identifier as a plan slug (how the generic provider addresses
// plans directly).
func (u *processUC) resolvePlan(ctx context.Context, tx repository.Tx, p model.Provider, identifier string) (*model.Plan, error) {
	if identifier == "" {
		return nil, fmt.Errorf("event carries no plan identifier: %w", domain.ErrPlanMappingMissing)
	}
	if pp, err := u.products.FindByProductRef(ctx, tx, p, identifier); err == nil {
		return u.plans.FindByID(ctx, tx, pp.PlanID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if plan, err := u.plans.FindBySlug(ctx, tx, identifier); err == nil {
		return plan, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return nil, fmt.Errorf("no plan mapped to %s/%s: %w", p, identifier, domain.ErrPlanMappingMissing)
}

// applyEffect computes the next billing state. Activation grants the
// plan for one interval from the event time; refund and chargeback
// suspend (or downgrade to the configured free plan); cancellation only
// stops renewal, the paid period keeps running out.
func (u *processUC) applyEffect(ctx context.Context, tx repository.Tx, st *model.UserBillingState, plan *model.Plan, ev *model.CanonicalEvent) (*model.UserBillingState, error) {
	now := time.Now()
	if st == nil {
		st = &model.UserBillingState{CustomerEmail: ev.CustomerEmail}
	}
	st.UpdatedAt = now

	switch ev.EventType {
	case model.EventTypePurchaseApproved, model.EventTypeSubscriptionCreated:
		start := ev.OccurredAt
		if start.IsZero() {
			start = now
		}
		st.PlanID = plan.ID
		st.PlanSlug = plan.Slug
		st.PlanStatus = model.PlanStatusActive
		st.PlanStartDate = &start
		st.PlanEndDate = nil
		if d := plan.Interval.Duration(); d > 0 {
			end := start.Add(d)
			st.PlanEndDate = &end
		}
		st.AutoRenewal = ev.EventType == model.EventTypeSubscriptionCreated
		st.LastOrderID = ev.ExternalOrderID

	case model.EventTypeRefund, model.EventTypeChargeback:
		st.PlanStatus = model.PlanStatusSuspended
		st.AutoRenewal = false
		st.LastOrderID = ev.ExternalOrderID
		if u.billing.FreePlanSlug != "" {
			free, err := u.plans.FindBySlug(ctx, tx, u.billing.FreePlanSlug)
			if err != nil {
				return nil, fmt.Errorf("free plan %q: %w", u.billing.FreePlanSlug, err)
			}
			st.PlanID = free.ID
			st.PlanSlug = free.Slug
			st.PlanStatus = model.PlanStatusActive
			st.PlanEndDate = nil
		}

	case model.EventTypeCancellation:
		st.AutoRenewal = false
		st.LastOrderID = ev.ExternalOrderID

	default:
		return nil, fmt.Errorf("event type %q has no billing effect: %w", ev.EventType, domain.ErrInvalidArgument)
	}
	return st, nil
}
