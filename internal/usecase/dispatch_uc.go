// File: internal/usecase/dispatch_uc.go
package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"membership-billing-pipeline/internal/config"
	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/domain/ports/repository"
	"membership-billing-pipeline/internal/infra/logging"
	"membership-billing-pipeline/internal/infra/metrics"
	redislock "membership-billing-pipeline/internal/infra/redis"
	"membership-billing-pipeline/internal/infra/security"
	"membership-billing-pipeline/internal/infra/worker"
)

// Compile-time check
var _ DispatchUseCase = (*dispatchUC)(nil)

const (
	signatureHeader = "X-Webhook-Signature"
	eventIDHeader   = "X-Event-Id"
	attemptHeader   = "X-Delivery-Attempt"

	// Response bodies are kept for debugging only; anything longer is
	// truncated before it hits storage.
	maxStoredResponse = 2048
)

// DispatchUseCase fans one bus event out to every active outbound
// subscription and drives individual delivery attempts to a terminal
// state: success, or failed plus a dead letter after the attempt budget
// is spent.
type DispatchUseCase interface {
	DispatchEvent(ctx context.Context, busEventID string) error
	AttemptDelivery(ctx context.Context, deliveryID string) error
}

type dispatchUC struct {
	bus         repository.BusEventRepository
	subs        repository.OutboundSubscriptionRepository
	deliveries  repository.OutboundDeliveryRepository
	deadLetters repository.DeadLetterRepository

	locker redislock.Locker
	httpc  *http.Client
	pool   *worker.Pool

	cfg *config.DispatchConfig
	log *zerolog.Logger
}

func NewDispatchUseCase(
	bus repository.BusEventRepository,
	subs repository.OutboundSubscriptionRepository,
	deliveries repository.OutboundDeliveryRepository,
	deadLetters repository.DeadLetterRepository,
	locker redislock.Locker,
	pool *worker.Pool,
	cfg *config.DispatchConfig,
	logger *zerolog.Logger,
) *dispatchUC {
	return &dispatchUC{
		bus: bus, subs: subs, deliveries: deliveries, deadLetters: deadLetters,
		locker: locker, pool: pool, cfg: cfg, log: logger,
		httpc: &http.Client{Timeout: cfg.Timeout},
	}
}

// deliveryEnvelope is the body sent to subscribers: the canonical event
// plus the bus event id, which receivers use for their own dedup.
type deliveryEnvelope struct {
	EventID string `json:"event_id"`
	model.CanonicalEvent
}

// DispatchEvent ensures one delivery row per active subscription and
// queues the attempts. Creating the rows first makes fan-out idempotent:
// a re-dispatch of the same event never produces double deliveries.
func (u *dispatchUC) DispatchEvent(ctx context.Context, busEventID string) error {
	log := logging.With(ctx, u.log)
	defer logging.TraceDuration(log, "DispatchUC.DispatchEvent")()

	ev, err := u.bus.FindByID(ctx, nil, busEventID)
	if err != nil {
		return err
	}
	if ev.Status != model.BusEventStatusPending {
		return nil
	}

	subs, err := u.subs.ListActive(ctx, nil)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		// Nobody listening; the event is still on the bus for future
		// subscribers reading history.
		return u.bus.MarkStatus(ctx, nil, busEventID, model.BusEventStatusDispatched)
	}

	now := time.Now()
	for _, sub := range subs {
		d := &model.OutboundDelivery{
			ID:             uuid.NewString(),
			BusEventID:     busEventID,
			SubscriptionID: sub.ID,
			Status:         model.DeliveryStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := u.deliveries.Save(ctx, nil, d); err != nil {
			return err
		}
		// Save is a no-op on conflict; fetch the surviving row's id.
		existing, err := u.deliveries.Find(ctx, nil, busEventID, sub.ID)
		if err != nil {
			return err
		}
		if existing.Status != model.DeliveryStatusPending {
			// Terminal rows are settled; retry rows wait for ClaimDue to
			// flip them at next_retry_at. Re-dispatching a pending event
			// must never shortcut the backoff schedule.
			continue
		}

		deliveryID := existing.ID
		if err := u.pool.Submit(func(taskCtx context.Context) error {
			return u.AttemptDelivery(taskCtx, deliveryID)
		}); err != nil {
			// Queue saturated; park the delivery where the scanner finds it.
			if rErr := u.deliveries.Reschedule(ctx, nil, deliveryID, now.Add(u.cfg.BackoffBase)); rErr != nil {
				log.Error().Err(rErr).Str("delivery_id", deliveryID).Msg("could not reschedule delivery")
			}
		}
	}
	return nil
}

// AttemptDelivery performs one HTTP attempt for a delivery, holding the
// subscription's dispatch lock so attempts to a single endpoint never
// interleave and arrive in bus-event order.
func (u *dispatchUC) AttemptDelivery(ctx context.Context, deliveryID string) error {
	d, err := u.deliveries.FindByID(ctx, nil, deliveryID)
	if err != nil {
		return err
	}
	if d.Status == model.DeliveryStatusSuccess || d.Status == model.DeliveryStatusFailed {
		return nil
	}
	if d.NextRetryAt != nil && time.Now().Before(*d.NextRetryAt) {
		// Submitted early (stale queue entry or a re-dispatch race). The
		// scanner claims it once next_retry_at passes.
		return nil
	}

	ctx = logging.WithSubscriptionID(ctx, d.SubscriptionID)
	log := logging.With(ctx, u.log)
	defer logging.TraceDuration(log, "DispatchUC.AttemptDelivery")()

	sub, err := u.subs.FindByID(ctx, nil, d.SubscriptionID)
	if err != nil {
		return err
	}
	if !sub.Active {
		return u.failDelivery(ctx, d, "subscription inactive", log)
	}

	ev, err := u.bus.FindByID(ctx, nil, d.BusEventID)
	if err != nil {
		return err
	}

	lockKey := "dispatch:sub:" + sub.ID
	token, err := u.locker.TryLock(ctx, lockKey, u.cfg.Timeout+5*time.Second)
	if err != nil {
		// Another worker is mid-delivery to this endpoint. Defer without
		// consuming an attempt; lock contention is not an endpoint failure.
		return u.deliveries.Reschedule(ctx, nil, d.ID, time.Now().Add(u.cfg.BackoffBase))
	}
	defer func() {
		if uErr := u.locker.Unlock(context.Background(), lockKey, token); uErr != nil {
			log.Warn().Err(uErr).Msg("dispatch lock release failed")
		}
	}()

	attempt := d.Attempt + 1
	code, respBody, latency, httpErr := u.post(ctx, sub, ev, attempt)
	now := time.Now()

	if httpErr == nil && code >= 200 && code < 300 {
		d.Attempt = attempt
		d.Status = model.DeliveryStatusSuccess
		d.ResponseCode = code
		d.ResponseBody = respBody
		d.ErrorMessage = ""
		d.NextRetryAt = nil
		d.DeliveredAt = &now
		if err := u.deliveries.RecordAttempt(ctx, nil, d); err != nil {
			return err
		}
		if err := u.subs.ResetFailures(ctx, nil, sub.ID); err != nil {
			log.Warn().Err(err).Msg("could not reset failure counter")
		}
		if err := u.subs.TouchLastDelivery(ctx, nil, sub.ID, now); err != nil {
			log.Warn().Err(err).Msg("could not touch last delivery")
		}
		metrics.ObserveDelivery("success", int(latency/time.Millisecond), true)
		log.Info().Int("attempt", attempt).Int("code", code).Dur("latency", latency).Msg("delivery succeeded")
		return u.finishEventIfComplete(ctx, d.BusEventID)
	}

	errMsg := fmt.Sprintf("http %d", code)
	if httpErr != nil {
		errMsg = httpErr.Error()
	}
	if err := u.bus.IncrementRetry(ctx, nil, d.BusEventID); err != nil {
		log.Warn().Err(err).Msg("could not bump event retry count")
	}

	failures, err := u.subs.IncrementFailures(ctx, nil, sub.ID)
	if err != nil {
		log.Warn().Err(err).Msg("could not bump subscription failures")
	} else if u.cfg.DeactivateAfterFailures > 0 && failures >= u.cfg.DeactivateAfterFailures {
		if err := u.subs.SetActive(ctx, nil, sub.ID, false); err != nil {
			log.Warn().Err(err).Msg("could not deactivate subscription")
		} else {
			log.Warn().Int64("failures", failures).Msg("subscription auto-deactivated")
		}
	}

	if attempt >= u.cfg.MaxAttempts {
		d.Attempt = attempt
		d.Status = model.DeliveryStatusFailed
		d.ResponseCode = code
		d.ResponseBody = respBody
		d.ErrorMessage = errMsg
		d.NextRetryAt = nil
		if err := u.deliveries.RecordAttempt(ctx, nil, d); err != nil {
			return err
		}
		metrics.ObserveDelivery("failed", int(latency/time.Millisecond), false)
		return u.deadLetter(ctx, d, "max attempts exceeded", errMsg, log)
	}

	retryAt := now.Add(NextBackoff(u.cfg.Backoff, u.cfg.BackoffBase, u.cfg.BackoffCap, attempt))
	d.Attempt = attempt
	d.Status = model.DeliveryStatusRetry
	d.ResponseCode = code
	d.ResponseBody = respBody
	d.ErrorMessage = errMsg
	d.NextRetryAt = &retryAt
	if err := u.deliveries.RecordAttempt(ctx, nil, d); err != nil {
		return err
	}
	metrics.ObserveDelivery("retry", int(latency/time.Millisecond), false)
	log.Warn().Int("attempt", attempt).Str("error", errMsg).Time("next_retry_at", retryAt).Msg("delivery attempt failed")
	return nil
}

func (u *dispatchUC) post(ctx context.Context, sub *model.OutboundSubscription, ev *model.BusEvent, attempt int) (int, string, time.Duration, error) {
	body, err := json.Marshal(deliveryEnvelope{EventID: ev.ID, CanonicalEvent: ev.Canonical})
	if err != nil {
		return 0, "", 0, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		return 0, "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventIDHeader, ev.ID)
	req.Header.Set(attemptHeader, strconv.Itoa(attempt))
	if sub.Secret != "" {
		req.Header.Set(signatureHeader, security.SignHMAC(sub.Secret, body))
	}

	start := time.Now()
	resp, err := u.httpc.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, "", latency, err
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxStoredResponse))
	return resp.StatusCode, string(b), latency, nil
}

// failDelivery terminates a delivery without an HTTP attempt (inactive
// subscription). It still dead-letters so the miss is visible.
func (u *dispatchUC) failDelivery(ctx context.Context, d *model.OutboundDelivery, reason string, log *zerolog.Logger) error {
	d.Attempt++
	d.Status = model.DeliveryStatusFailed
	d.ErrorMessage = reason
	d.NextRetryAt = nil
	if err := u.deliveries.RecordAttempt(ctx, nil, d); err != nil {
		return err
	}
	return u.deadLetter(ctx, d, reason, reason, log)
}

func (u *dispatchUC) deadLetter(ctx context.Context, d *model.OutboundDelivery, reason, lastErr string, log *zerolog.Logger) error {
	dl := &model.DeadLetter{
		ID:             uuid.NewString(),
		BusEventID:     d.BusEventID,
		SubscriptionID: d.SubscriptionID,
		Reason:         reason,
		TotalAttempts:  d.Attempt,
		LastError:      lastErr,
		CreatedAt:      time.Now(),
	}
	if err := u.deadLetters.Save(ctx, nil, dl); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return err
		}
		// A racing settler already wrote this pair; still settle the event.
		return u.finishEventIfComplete(ctx, d.BusEventID)
	}
	metrics.IncDeadLetter(reason)
	log.Error().Str("bus_event_id", d.BusEventID).Int("attempts", d.Attempt).Str("reason", reason).Msg("delivery dead-lettered")
	return u.finishEventIfComplete(ctx, d.BusEventID)
}

// finishEventIfComplete settles the bus event once no pending/retry
// deliveries remain: dispatched when at least one subscriber got it,
// failed when every delivery exhausted.
func (u *dispatchUC) finishEventIfComplete(ctx context.Context, busEventID string) error {
	n, err := u.deliveries.CountUnfinishedByBusEvent(ctx, nil, busEventID)
	if err != nil || n > 0 {
		return err
	}
	all, err := u.deliveries.ListByBusEvent(ctx, nil, busEventID)
	if err != nil {
		return err
	}
	for _, d := range all {
		if d.Status == model.DeliveryStatusSuccess {
			return u.bus.MarkStatus(ctx, nil, busEventID, model.BusEventStatusDispatched)
		}
	}
	if err := u.bus.MarkStatus(ctx, nil, busEventID, model.BusEventStatusFailed); err != nil {
		return err
	}
	dl := &model.DeadLetter{
		ID:            uuid.NewString(),
		BusEventID:    busEventID,
		Reason:        "all subscriptions exhausted",
		TotalAttempts: sumAttempts(all),
		CreatedAt:     time.Now(),
	}
	if err := u.deadLetters.Save(ctx, nil, dl); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil
		}
		return err
	}
	metrics.IncDeadLetter("all subscriptions exhausted")
	return nil
}

func sumAttempts(deliveries []*model.OutboundDelivery) int {
	var n int
	for _, d := range deliveries {
		n += d.Attempt
	}
	return n
}
