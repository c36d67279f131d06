//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/usecase"
)

func TestDeadLetterUseCase_Replay(t *testing.T) {
	ctx := context.Background()

	t.Run("replaying grants a fresh budget and can succeed", func(t *testing.T) {
		// Endpoint is dead until the operator replays, then healthy.
		healthy := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !healthy {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		deps := newDispatchUCDeps()
		deps.cfg.MaxAttempts = 2
		deps.seedBusEvent(t, "01J0000000000000000000007")
		deps.seedSubscription(t, srv.URL, "")
		dispatchUC := deps.build()
		d := dispatchAndFind(t, dispatchUC, deps, "01J0000000000000000000007", "sub-1")

		for i := 0; i < 2; i++ {
			if err := dispatchUC.AttemptDelivery(ctx, d.ID); err != nil {
				t.Fatal(err)
			}
			_ = deps.deliveries.Reschedule(ctx, nil, d.ID, time.Now())
			_, _ = deps.deliveries.ClaimDue(ctx, nil, time.Now().Add(time.Millisecond), 10)
		}
		if deps.deadLetters.Count() == 0 {
			t.Fatal("expected a dead letter after exhaustion")
		}
		entries, _ := deps.deadLetters.List(ctx, nil, 0)
		var deliveryDL *model.DeadLetter
		for _, e := range entries {
			if e.SubscriptionID != "" {
				deliveryDL = e
			}
		}
		if deliveryDL == nil {
			t.Fatal("expected a delivery-level dead letter")
		}

		healthy = true
		deadUC := usecase.NewDeadLetterUseCase(deps.deadLetters, deps.deliveries, deps.bus, dispatchUC, newTestLogger())
		if err := deadUC.Replay(ctx, deliveryDL.ID); err != nil {
			t.Fatalf("replay: %v", err)
		}

		// The replayed delivery sits pending; run the attempt like the
		// dispatcher pool would.
		got, _ := deps.deliveries.FindByID(ctx, nil, d.ID)
		if got.Status != model.DeliveryStatusPending || got.Attempt != 0 {
			t.Fatalf("expected a reopened delivery, got %+v", got)
		}
		if err := dispatchUC.AttemptDelivery(ctx, d.ID); err != nil {
			t.Fatal(err)
		}
		got, _ = deps.deliveries.FindByID(ctx, nil, d.ID)
		if got.Status != model.DeliveryStatusSuccess {
			t.Fatalf("expected success after replay, got %s", got.Status)
		}

		replayed, _ := deps.deadLetters.FindByID(ctx, nil, deliveryDL.ID)
		if replayed.ReplayedAt == nil {
			t.Error("expected the dead letter to be marked replayed")
		}
	})

	t.Run("an entry replays only once", func(t *testing.T) {
		deps := newDispatchUCDeps()
		deps.seedBusEvent(t, "01J0000000000000000000008")
		deps.seedSubscription(t, "http://example.invalid", "")
		dispatchUC := deps.build()
		d := dispatchAndFind(t, dispatchUC, deps, "01J0000000000000000000008", "sub-1")

		// Force the delivery terminal and dead-letter it by hand.
		d.Attempt = 1
		d.Status = model.DeliveryStatusFailed
		if err := deps.deliveries.RecordAttempt(ctx, nil, d); err != nil {
			t.Fatal(err)
		}
		dl := &model.DeadLetter{ID: "dl-1", BusEventID: d.BusEventID, SubscriptionID: d.SubscriptionID,
			Reason: "max attempts exceeded", TotalAttempts: 1, CreatedAt: time.Now()}
		_ = deps.deadLetters.Save(ctx, nil, dl)

		deadUC := usecase.NewDeadLetterUseCase(deps.deadLetters, deps.deliveries, deps.bus, dispatchUC, newTestLogger())
		if err := deadUC.Replay(ctx, "dl-1"); err != nil {
			t.Fatalf("first replay: %v", err)
		}
		if err := deadUC.Replay(ctx, "dl-1"); !errors.Is(err, domain.ErrTerminalState) {
			t.Fatalf("expected ErrTerminalState on second replay, got: %v", err)
		}
	})
}
