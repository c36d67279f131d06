package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"membership-billing-pipeline/internal/domain/ports/repository"
	"membership-billing-pipeline/internal/infra/worker"
	"membership-billing-pipeline/internal/usecase"
)

// RetryScanner is the pipeline's crash-recovery loop. Every tick it
//  1. claims due retry deliveries and queues new attempts,
//  2. re-dispatches bus events still pending (fan-out never ran or was
//     interrupted),
//  3. resumes inbound events stuck in the received state, which happens
//     when the process died between receipt and processing or the worker
//     queue was saturated.
//
// All three read durable state, so nothing is lost to a dropped task.
type RetryScanner struct {
	processUC  usecase.ProcessUseCase
	dispatchUC usecase.DispatchUseCase
	events     repository.InboundEventRepository
	bus        repository.BusEventRepository
	deliveries repository.OutboundDeliveryRepository
	pool       *worker.Pool

	interval   time.Duration
	stuckAfter time.Duration
	log        *zerolog.Logger
}

func NewRetryScanner(
	processUC usecase.ProcessUseCase,
	dispatchUC usecase.DispatchUseCase,
	events repository.InboundEventRepository,
	bus repository.BusEventRepository,
	deliveries repository.OutboundDeliveryRepository,
	pool *worker.Pool,
	interval, stuckAfter time.Duration,
	logger *zerolog.Logger,
) *RetryScanner {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if stuckAfter <= 0 {
		stuckAfter = 5 * time.Minute
	}
	return &RetryScanner{
		processUC: processUC, dispatchUC: dispatchUC,
		events: events, bus: bus, deliveries: deliveries, pool: pool,
		interval: interval, stuckAfter: stuckAfter, log: logger,
	}
}

func (w *RetryScanner) Start(ctx context.Context) {
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

func (w *RetryScanner) tick(ctx context.Context) {
	w.claimDueDeliveries(ctx)
	w.dispatchPendingEvents(ctx)
	w.resumeStuckEvents(ctx)
}

func (w *RetryScanner) claimDueDeliveries(ctx context.Context) {
	due, err := w.deliveries.ClaimDue(ctx, nil, time.Now(), 200)
	if err != nil {
		w.log.Error().Err(err).Msg("retry-scanner: claim due deliveries")
		return
	}
	for _, d := range due {
		deliveryID := d.ID
		if err := w.pool.Submit(func(taskCtx context.Context) error {
			return w.dispatchUC.AttemptDelivery(taskCtx, deliveryID)
		}); err != nil {
			// Queue full; the claimed rows are pending now and the next
			// pending sweep of DispatchEvent picks them up.
			w.log.Warn().Err(err).Str("delivery_id", deliveryID).Msg("retry-scanner: submit deferred")
			return
		}
	}
	if len(due) > 0 {
		w.log.Debug().Int("count", len(due)).Msg("retry-scanner: requeued due deliveries")
	}
}

func (w *RetryScanner) dispatchPendingEvents(ctx context.Context) {
	pending, err := w.bus.ListPending(ctx, nil, 100)
	if err != nil {
		w.log.Error().Err(err).Msg("retry-scanner: list pending bus events")
		return
	}
	for _, ev := range pending {
		busEventID := ev.ID
		if err := w.pool.Submit(func(taskCtx context.Context) error {
			return w.dispatchUC.DispatchEvent(taskCtx, busEventID)
		}); err != nil {
			return
		}
	}
}

func (w *RetryScanner) resumeStuckEvents(ctx context.Context) {
	cutoff := time.Now().Add(-w.stuckAfter)
	stuck, err := w.events.ListStuck(ctx, nil, cutoff, 100)
	if err != nil {
		w.log.Error().Err(err).Msg("retry-scanner: list stuck events")
		return
	}
	for _, ev := range stuck {
		eventID := ev.ID
		if err := w.pool.Submit(func(taskCtx context.Context) error {
			return w.processUC.Process(taskCtx, eventID)
		}); err != nil {
			return
		}
		w.log.Info().Str("event_id", eventID).Msg("retry-scanner: resumed stuck event")
	}
}
