// File: internal/usecase/query_uc.go
package usecase

import (
	"context"
	"time"

	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/domain/ports/repository"
)

// Compile-time check
var _ QueryUseCase = (*queryUC)(nil)

// EventDetail is the admin view of one inbound event: the ledger row,
// the domain events it produced and their delivery attempts.
type EventDetail struct {
	Event      *model.InboundEvent
	BusEvents  []*model.BusEvent
	Deliveries []*model.OutboundDelivery
}

// QueryUseCase is the read-only surface behind the admin API. It never
// mutates pipeline state.
type QueryUseCase interface {
	ListEvents(ctx context.Context, status model.InboundStatus, provider model.Provider, limit int) ([]*model.InboundEvent, error)
	EventDetail(ctx context.Context, eventID string) (*EventDetail, error)
	ListDeliveries(ctx context.Context, busEventID string) ([]*model.OutboundDelivery, error)
	// ListBusEvents walks the domain event log from a point in time, in
	// creation order, so a subscriber added later can backfill history.
	ListBusEvents(ctx context.Context, since time.Time, limit int) ([]*model.BusEvent, error)
	BillingState(ctx context.Context, customerEmail string) (*model.UserBillingState, error)
}

type queryUC struct {
	events     repository.InboundEventRepository
	bus        repository.BusEventRepository
	deliveries repository.OutboundDeliveryRepository
	states     repository.BillingStateRepository
}

func NewQueryUseCase(
	events repository.InboundEventRepository,
	bus repository.BusEventRepository,
	deliveries repository.OutboundDeliveryRepository,
	states repository.BillingStateRepository,
) *queryUC {
	return &queryUC{events: events, bus: bus, deliveries: deliveries, states: states}
}

func (u *queryUC) ListEvents(ctx context.Context, status model.InboundStatus, provider model.Provider, limit int) ([]*model.InboundEvent, error) {
	return u.events.List(ctx, nil, status, provider, limit)
}

func (u *queryUC) EventDetail(ctx context.Context, eventID string) (*EventDetail, error) {
	ev, err := u.events.FindByID(ctx, nil, eventID)
	if err != nil {
		return nil, err
	}
	busEvents, err := u.bus.FindByInboundEvent(ctx, nil, eventID)
	if err != nil {
		return nil, err
	}
	detail := &EventDetail{Event: ev, BusEvents: busEvents}
	for _, be := range busEvents {
		ds, err := u.deliveries.ListByBusEvent(ctx, nil, be.ID)
		if err != nil {
			return nil, err
		}
		detail.Deliveries = append(detail.Deliveries, ds...)
	}
	return detail, nil
}

func (u *queryUC) ListDeliveries(ctx context.Context, busEventID string) ([]*model.OutboundDelivery, error) {
	return u.deliveries.ListByBusEvent(ctx, nil, busEventID)
}

func (u *queryUC) ListBusEvents(ctx context.Context, since time.Time, limit int) ([]*model.BusEvent, error) {
	return u.bus.ListSince(ctx, nil, since, limit)
}

func (u *queryUC) BillingState(ctx context.Context, customerEmail string) (*model.UserBillingState, error) {
	return u.states.Find(ctx, nil, customerEmail)
}
