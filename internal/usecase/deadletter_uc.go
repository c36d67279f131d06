// File: internal/usecase/deadletter_uc.go
package usecase

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/domain/ports/repository"
)

// Compile-time check
var _ DeadLetterUseCase = (*deadLetterUC)(nil)

// DeadLetterUseCase is the manual escape hatch: dead letters are never
// retried automatically, an operator inspects and replays them.
type DeadLetterUseCase interface {
	List(ctx context.Context, limit int) ([]*model.DeadLetter, error)
	Get(ctx context.Context, id string) (*model.DeadLetter, error)
	// Replay reopens the underlying delivery (or re-dispatches the whole
	// event) with a fresh attempt budget and marks the entry replayed.
	Replay(ctx context.Context, id string) error
}

type deadLetterUC struct {
	deadLetters repository.DeadLetterRepository
	deliveries  repository.OutboundDeliveryRepository
	bus         repository.BusEventRepository
	dispatcher  DispatchUseCase
	log         *zerolog.Logger
}

func NewDeadLetterUseCase(
	deadLetters repository.DeadLetterRepository,
	deliveries repository.OutboundDeliveryRepository,
	bus repository.BusEventRepository,
	dispatcher DispatchUseCase,
	logger *zerolog.Logger,
) *deadLetterUC {
	return &deadLetterUC{deadLetters: deadLetters, deliveries: deliveries, bus: bus, dispatcher: dispatcher, log: logger}
}

func (u *deadLetterUC) List(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	return u.deadLetters.List(ctx, nil, limit)
}

func (u *deadLetterUC) Get(ctx context.Context, id string) (*model.DeadLetter, error) {
	return u.deadLetters.FindByID(ctx, nil, id)
}

func (u *deadLetterUC) Replay(ctx context.Context, id string) error {
	dl, err := u.deadLetters.FindByID(ctx, nil, id)
	if err != nil {
		return err
	}
	if dl.ReplayedAt != nil {
		return domain.ErrTerminalState
	}

	// The bus event goes back to pending so a settled event can finish
	// again after the replayed delivery terminates.
	if err := u.bus.MarkStatus(ctx, nil, dl.BusEventID, model.BusEventStatusPending); err != nil {
		return err
	}

	if dl.SubscriptionID != "" {
		d, err := u.deliveries.Find(ctx, nil, dl.BusEventID, dl.SubscriptionID)
		if err != nil {
			return err
		}
		if err := u.deliveries.Reopen(ctx, nil, d.ID); err != nil {
			return err
		}
	} else {
		// Event-level entry: every exhausted delivery gets reopened.
		all, err := u.deliveries.ListByBusEvent(ctx, nil, dl.BusEventID)
		if err != nil {
			return err
		}
		for _, d := range all {
			if d.Status != model.DeliveryStatusFailed {
				continue
			}
			if err := u.deliveries.Reopen(ctx, nil, d.ID); err != nil {
				return err
			}
		}
	}

	if err := u.deadLetters.MarkReplayed(ctx, nil, dl.ID, time.Now()); err != nil {
		return err
	}
	u.log.Info().Str("dead_letter_id", dl.ID).Str("bus_event_id", dl.BusEventID).Msg("dead letter replayed")
	return u.dispatcher.DispatchEvent(ctx, dl.BusEventID)
}
