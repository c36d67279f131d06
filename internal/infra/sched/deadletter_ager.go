package sched

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/domain/ports/repository"
	"membership-billing-pipeline/internal/infra/metrics"
)

// DeadLetterAger sweeps deliveries that never reached a terminal state
// within the configured age (endpoint down for days, subscription
// paused mid-retry) into the dead-letter sink, so the retry tables
// cannot grow without bound.
type DeadLetterAger struct {
	deliveries  repository.OutboundDeliveryRepository
	deadLetters repository.DeadLetterRepository

	interval time.Duration
	maxAge   time.Duration
	log      *zerolog.Logger
}

func NewDeadLetterAger(
	deliveries repository.OutboundDeliveryRepository,
	deadLetters repository.DeadLetterRepository,
	interval, maxAge time.Duration,
	logger *zerolog.Logger,
) *DeadLetterAger {
	if interval <= 0 {
		interval = time.Hour
	}
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	return &DeadLetterAger{deliveries: deliveries, deadLetters: deadLetters, interval: interval, maxAge: maxAge, log: logger}
}

func (w *DeadLetterAger) Start(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *DeadLetterAger) tick(ctx context.Context) {
	cutoff := time.Now().Add(-w.maxAge)
	aged, err := w.deliveries.ListUnfinishedOlderThan(ctx, nil, cutoff, 200)
	if err != nil {
		w.log.Error().Err(err).Msg("deadletter-ager: list aged deliveries")
		return
	}
	for _, d := range aged {
		d.Attempt++
		d.Status = model.DeliveryStatusFailed
		d.ErrorMessage = "aged out"
		d.NextRetryAt = nil
		if err := w.deliveries.RecordAttempt(ctx, nil, d); err != nil {
			if errors.Is(err, domain.ErrTerminalState) {
				continue // finished between list and update
			}
			w.log.Error().Err(err).Str("delivery_id", d.ID).Msg("deadletter-ager: fail delivery")
			continue
		}
		dl := &model.DeadLetter{
			ID:             uuid.NewString(),
			BusEventID:     d.BusEventID,
			SubscriptionID: d.SubscriptionID,
			Reason:         "aged out",
			TotalAttempts:  d.Attempt,
			LastError:      "undelivered after " + w.maxAge.String(),
			CreatedAt:      time.Now(),
		}
		if err := w.deadLetters.Save(ctx, nil, dl); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				continue // another writer already recorded this pair
			}
			w.log.Error().Err(err).Str("delivery_id", d.ID).Msg("deadletter-ager: save dead letter")
			continue
		}
		metrics.IncDeadLetter("aged out")
		w.log.Warn().Str("delivery_id", d.ID).Str("bus_event_id", d.BusEventID).Msg("deadletter-ager: delivery aged out")
	}
}
