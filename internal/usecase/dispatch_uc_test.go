//go:build !integration

package usecase_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"membership-billing-pipeline/internal/config"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/infra/security"
	"membership-billing-pipeline/internal/infra/worker"
	"membership-billing-pipeline/internal/usecase"
)

type dispatchUCTestDeps struct {
	bus         *MockBusEventRepo
	subs        *MockOutboundSubscriptionRepo
	deliveries  *MockOutboundDeliveryRepo
	deadLetters *MockDeadLetterRepo
	locker      *MockLocker
	cfg         *config.DispatchConfig
}

func newDispatchUCDeps() *dispatchUCTestDeps {
	return &dispatchUCTestDeps{
		bus:         NewMockBusEventRepo(),
		subs:        NewMockOutboundSubscriptionRepo(),
		deliveries:  NewMockOutboundDeliveryRepo(),
		deadLetters: NewMockDeadLetterRepo(),
		locker:      NewMockLocker(),
		cfg: &config.DispatchConfig{
			Workers: 2, Timeout: 2 * time.Second, MaxAttempts: 5,
			Backoff: "exponential", BackoffBase: time.Second, BackoffCap: 5 * time.Minute,
		},
	}
}

func (d *dispatchUCTestDeps) build() usecase.DispatchUseCase {
	logger := newTestLogger()
	pool := worker.NewPool(2, logger)
	return usecase.NewDispatchUseCase(d.bus, d.subs, d.deliveries, d.deadLetters, d.locker, pool, d.cfg, logger)
}

func (d *dispatchUCTestDeps) seedBusEvent(t *testing.T, id string) *model.BusEvent {
	t.Helper()
	ev := &model.BusEvent{
		ID:             id,
		InboundEventID: "inbound-1",
		Canonical: model.CanonicalEvent{
			EventType:       model.EventTypePurchaseApproved,
			CustomerEmail:   "ana@example.com",
			ExternalOrderID: "HP123456789",
			PlanIdentifier:  "vip-mensal",
			Amount:          9700,
			Currency:        "BRL",
		},
		Status:    model.BusEventStatusPending,
		CreatedAt: time.Now(),
	}
	if err := d.bus.Append(context.Background(), nil, ev); err != nil {
		t.Fatal(err)
	}
	return ev
}

func (d *dispatchUCTestDeps) seedSubscription(t *testing.T, targetURL, secret string) *model.OutboundSubscription {
	t.Helper()
	sub, err := model.NewOutboundSubscription("sub-1", "crm-sync", targetURL, secret)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.subs.Save(context.Background(), nil, sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

// dispatchAndFind runs the fan-out and returns the created delivery row.
func dispatchAndFind(t *testing.T, uc usecase.DispatchUseCase, deps *dispatchUCTestDeps, busEventID, subID string) *model.OutboundDelivery {
	t.Helper()
	if err := uc.DispatchEvent(context.Background(), busEventID); err != nil {
		t.Fatal(err)
	}
	d, err := deps.deliveries.Find(context.Background(), nil, busEventID, subID)
	if err != nil {
		t.Fatalf("expected a delivery row: %v", err)
	}
	return d
}

func TestDispatchUseCase_AttemptDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("a flaky endpoint recovers within the retry budget", func(t *testing.T) {
		// Endpoint answers 500 three times, then 200: the fourth attempt
		// lands and the event settles as dispatched.
		var calls int32
		var lastSig, lastBody string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&calls, 1)
			lastSig = r.Header.Get("X-Webhook-Signature")
			buf, _ := io.ReadAll(r.Body)
			lastBody = string(buf)
			if n <= 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		deps := newDispatchUCDeps()
		deps.seedBusEvent(t, "01J0000000000000000000001")
		deps.seedSubscription(t, srv.URL, "shh")
		uc := deps.build()
		d := dispatchAndFind(t, uc, deps, "01J0000000000000000000001", "sub-1")

		wantBackoff := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
		for i := 0; i < 3; i++ {
			before := time.Now()
			if err := uc.AttemptDelivery(ctx, d.ID); err != nil {
				t.Fatalf("attempt %d: %v", i+1, err)
			}
			got, _ := deps.deliveries.FindByID(ctx, nil, d.ID)
			if got.Status != model.DeliveryStatusRetry {
				t.Fatalf("attempt %d: expected retry, got %s", i+1, got.Status)
			}
			if got.Attempt != i+1 {
				t.Fatalf("attempt %d: expected attempt counter %d, got %d", i+1, i+1, got.Attempt)
			}
			if got.NextRetryAt == nil {
				t.Fatalf("attempt %d: expected a next retry time", i+1)
			}
			delay := got.NextRetryAt.Sub(before)
			if delay < wantBackoff[i]-200*time.Millisecond || delay > wantBackoff[i]+2*time.Second {
				t.Errorf("attempt %d: expected ~%s backoff, got %s", i+1, wantBackoff[i], delay)
			}
			// Simulate the scanner flipping the due delivery back.
			_ = deps.deliveries.Reschedule(ctx, nil, d.ID, time.Now())
			claimed, _ := deps.deliveries.ClaimDue(ctx, nil, time.Now().Add(time.Millisecond), 10)
			if len(claimed) != 1 {
				t.Fatalf("attempt %d: expected to claim the delivery back", i+1)
			}
		}

		if err := uc.AttemptDelivery(ctx, d.ID); err != nil {
			t.Fatalf("final attempt: %v", err)
		}
		got, _ := deps.deliveries.FindByID(ctx, nil, d.ID)
		if got.Status != model.DeliveryStatusSuccess {
			t.Fatalf("expected success, got %s", got.Status)
		}
		if got.Attempt != 4 {
			t.Errorf("expected 4 attempts total, got %d", got.Attempt)
		}
		if got.DeliveredAt == nil {
			t.Error("expected a delivery timestamp")
		}
		if lastSig != security.SignHMAC("shh", []byte(lastBody)) {
			t.Error("delivery body must be HMAC-signed with the subscription secret")
		}

		ev, _ := deps.bus.FindByID(ctx, nil, "01J0000000000000000000001")
		if ev.Status != model.BusEventStatusDispatched {
			t.Errorf("expected dispatched bus event, got %s", ev.Status)
		}
		if ev.RetryCount != 3 {
			t.Errorf("expected retry count 3, got %d", ev.RetryCount)
		}
		sub, _ := deps.subs.FindByID(ctx, nil, "sub-1")
		if sub.FailuresCount != 0 {
			t.Errorf("success must reset the failure streak, got %d", sub.FailuresCount)
		}
		if deps.deadLetters.Count() != 0 {
			t.Error("nothing should be dead-lettered")
		}
	})

	t.Run("a dead endpoint dead-letters after exactly max attempts", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		deps := newDispatchUCDeps()
		deps.cfg.MaxAttempts = 3
		deps.seedBusEvent(t, "01J0000000000000000000002")
		deps.seedSubscription(t, srv.URL, "")
		uc := deps.build()
		d := dispatchAndFind(t, uc, deps, "01J0000000000000000000002", "sub-1")

		for i := 0; i < 3; i++ {
			if err := uc.AttemptDelivery(ctx, d.ID); err != nil {
				t.Fatalf("attempt %d: %v", i+1, err)
			}
			_ = deps.deliveries.Reschedule(ctx, nil, d.ID, time.Now())
			_, _ = deps.deliveries.ClaimDue(ctx, nil, time.Now().Add(time.Millisecond), 10)
		}

		got, _ := deps.deliveries.FindByID(ctx, nil, d.ID)
		if got.Status != model.DeliveryStatusFailed {
			t.Fatalf("expected failed after the budget, got %s", got.Status)
		}
		if got.Attempt != 3 {
			t.Errorf("expected exactly 3 attempts, got %d", got.Attempt)
		}
		if deps.deadLetters.Count() != 2 {
			// One entry for the delivery, one for the fully exhausted event.
			t.Errorf("expected delivery plus event dead letters, got %d", deps.deadLetters.Count())
		}

		// A further attempt is a no-op and never reaches the endpoint.
		before := atomic.LoadInt32(&calls)
		if err := uc.AttemptDelivery(ctx, d.ID); err != nil {
			t.Fatal(err)
		}
		if atomic.LoadInt32(&calls) != before {
			t.Error("a terminal delivery must never be retried")
		}

		ev, _ := deps.bus.FindByID(ctx, nil, "01J0000000000000000000002")
		if ev.Status != model.BusEventStatusFailed {
			t.Errorf("expected failed bus event, got %s", ev.Status)
		}
	})

	t.Run("settling never duplicates the event-level dead letter", func(t *testing.T) {
		// Two deliveries can settle an exhausted event back to back; the
		// second writer must land on the existing entry, not add another.
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		deps := newDispatchUCDeps()
		deps.cfg.MaxAttempts = 1
		deps.seedBusEvent(t, "01J0000000000000000000010")
		deps.seedSubscription(t, srv.URL, "")
		uc := deps.build()
		d := dispatchAndFind(t, uc, deps, "01J0000000000000000000010", "sub-1")

		// A concurrent settler already wrote the event-level entry.
		pre := &model.DeadLetter{ID: "dl-pre", BusEventID: "01J0000000000000000000010",
			Reason: "all subscriptions exhausted", CreatedAt: time.Now()}
		if err := deps.deadLetters.Save(ctx, nil, pre); err != nil {
			t.Fatal(err)
		}

		if err := uc.AttemptDelivery(ctx, d.ID); err != nil {
			t.Fatalf("exhausting the budget is not an error: %v", err)
		}
		if n := deps.deadLetters.Count(); n != 2 {
			// The delivery's own entry plus the pre-existing event entry.
			t.Errorf("expected 2 dead letters, got %d", n)
		}
		ev, _ := deps.bus.FindByID(ctx, nil, "01J0000000000000000000010")
		if ev.Status != model.BusEventStatusFailed {
			t.Errorf("expected the event settled as failed, got %s", ev.Status)
		}
	})

	t.Run("lock contention defers without consuming an attempt", func(t *testing.T) {
		deps := newDispatchUCDeps()
		deps.seedBusEvent(t, "01J0000000000000000000003")
		deps.seedSubscription(t, "http://example.invalid", "")
		uc := deps.build()
		d := dispatchAndFind(t, uc, deps, "01J0000000000000000000003", "sub-1")

		if _, err := deps.locker.TryLock(ctx, "dispatch:sub:sub-1", time.Minute); err != nil {
			t.Fatal(err)
		}
		if err := uc.AttemptDelivery(ctx, d.ID); err != nil {
			t.Fatalf("lock contention is not an error: %v", err)
		}
		got, _ := deps.deliveries.FindByID(ctx, nil, d.ID)
		if got.Attempt != 0 {
			t.Errorf("contention must not consume an attempt, got %d", got.Attempt)
		}
		if got.Status != model.DeliveryStatusRetry || got.NextRetryAt == nil {
			t.Errorf("expected a deferred delivery, got %+v", got)
		}
	})

	t.Run("failure streak deactivates the subscription when configured", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		deps := newDispatchUCDeps()
		deps.cfg.DeactivateAfterFailures = 2
		deps.seedBusEvent(t, "01J0000000000000000000004")
		deps.seedSubscription(t, srv.URL, "")
		uc := deps.build()
		d := dispatchAndFind(t, uc, deps, "01J0000000000000000000004", "sub-1")

		for i := 0; i < 2; i++ {
			if err := uc.AttemptDelivery(ctx, d.ID); err != nil {
				t.Fatal(err)
			}
			_ = deps.deliveries.Reschedule(ctx, nil, d.ID, time.Now())
			_, _ = deps.deliveries.ClaimDue(ctx, nil, time.Now().Add(time.Millisecond), 10)
		}
		sub, _ := deps.subs.FindByID(ctx, nil, "sub-1")
		if sub.Active {
			t.Error("expected the subscription to be auto-deactivated")
		}
	})
}

func TestDispatchUseCase_DispatchEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("no active subscriptions settles the event immediately", func(t *testing.T) {
		deps := newDispatchUCDeps()
		deps.seedBusEvent(t, "01J0000000000000000000005")
		uc := deps.build()

		if err := uc.DispatchEvent(ctx, "01J0000000000000000000005"); err != nil {
			t.Fatal(err)
		}
		ev, _ := deps.bus.FindByID(ctx, nil, "01J0000000000000000000005")
		if ev.Status != model.BusEventStatusDispatched {
			t.Errorf("expected dispatched, got %s", ev.Status)
		}
	})

	t.Run("re-dispatch respects the backoff schedule", func(t *testing.T) {
		// A pending event gets re-scanned every tick while its delivery
		// backs off. Neither the fan-out nor a directly executed attempt
		// may reach the endpoint before next_retry_at.
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		deps := newDispatchUCDeps()
		deps.cfg.BackoffBase = time.Hour
		deps.cfg.BackoffCap = 2 * time.Hour
		deps.seedBusEvent(t, "01J0000000000000000000009")
		deps.seedSubscription(t, srv.URL, "")
		uc := deps.build()
		d := dispatchAndFind(t, uc, deps, "01J0000000000000000000009", "sub-1")

		if err := uc.AttemptDelivery(ctx, d.ID); err != nil {
			t.Fatal(err)
		}
		got, _ := deps.deliveries.FindByID(ctx, nil, d.ID)
		if got.Status != model.DeliveryStatusRetry || got.NextRetryAt == nil {
			t.Fatalf("expected a scheduled retry, got %+v", got)
		}

		// Scanner tick: the event is still pending, so it is re-dispatched.
		if err := uc.DispatchEvent(ctx, "01J0000000000000000000009"); err != nil {
			t.Fatal(err)
		}
		// Even an attempt that reaches a worker must hold until the
		// schedule says the delivery is due.
		if err := uc.AttemptDelivery(ctx, d.ID); err != nil {
			t.Fatal(err)
		}

		if n := atomic.LoadInt32(&calls); n != 1 {
			t.Fatalf("expected one endpoint hit before the backoff expires, got %d", n)
		}
		got, _ = deps.deliveries.FindByID(ctx, nil, d.ID)
		if got.Attempt != 1 {
			t.Errorf("expected the attempt budget untouched, got %d", got.Attempt)
		}
		if got.Status != model.DeliveryStatusRetry {
			t.Errorf("expected the delivery to stay scheduled, got %s", got.Status)
		}
	})

	t.Run("re-dispatch never duplicates delivery rows", func(t *testing.T) {
		deps := newDispatchUCDeps()
		deps.seedBusEvent(t, "01J0000000000000000000006")
		deps.seedSubscription(t, "http://example.invalid", "")
		uc := deps.build()

		if err := uc.DispatchEvent(ctx, "01J0000000000000000000006"); err != nil {
			t.Fatal(err)
		}
		if err := uc.DispatchEvent(ctx, "01J0000000000000000000006"); err != nil {
			t.Fatal(err)
		}
		rows, _ := deps.deliveries.ListByBusEvent(ctx, nil, "01J0000000000000000000006")
		if len(rows) != 1 {
			t.Errorf("expected one delivery row per subscription, got %d", len(rows))
		}
	})
}
