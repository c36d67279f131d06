package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/infra/security"
)

// Kiwify signs the raw body with HMAC-SHA256 and reports amounts as
// integer minor units (cents).

const kiwifySignatureHeader = "X-Kiwify-Signature"

type kiwifyPayload struct {
	WebhookEventID   string `json:"webhook_event_id"` // stable delivery id
	WebhookEventType string `json:"webhook_event_type"`
	OrderID          string `json:"order_id"`
	OrderAmount      int64  `json:"order_amount"` // cents
	Currency         string `json:"currency"`
	CreatedAt        string `json:"created_at"` // RFC 3339
	Product          struct {
		ProductID string `json:"product_id"`
	} `json:"Product"`
	Customer struct {
		Email string `json:"email"`
	} `json:"Customer"`
}

func verifyKiwify(headers map[string]string, body []byte, secret string) VerificationResult {
	sig := header(headers, kiwifySignatureHeader)
	if sig == "" {
		return failMissing("missing " + kiwifySignatureHeader + " header")
	}
	if !security.VerifyHMAC(secret, body, sig) {
		return fail("body signature mismatch")
	}
	return ok()
}

var kiwifyEventTypes = map[string]model.EventType{
	"order_approved":        model.EventTypePurchaseApproved,
	"subscription_approved": model.EventTypeSubscriptionCreated,
	"order_refunded":        model.EventTypeRefund,
	"chargeback":            model.EventTypeChargeback,
	"subscription_canceled": model.EventTypeCancellation,
}

func normalizeKiwify(payload []byte) (*model.CanonicalEvent, error) {
	var p kiwifyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("kiwify payload: %v: %w", err, domain.ErrNormalization)
	}
	if p.WebhookEventType == "" || p.OrderID == "" {
		return nil, fmt.Errorf("kiwify payload missing event type/order id: %w", domain.ErrNormalization)
	}

	eventType, mapped := kiwifyEventTypes[strings.ToLower(p.WebhookEventType)]
	if !mapped {
		eventType = model.EventTypeUnmapped
	}

	var occurred time.Time
	if p.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
			occurred = t.UTC()
		}
	}

	return &model.CanonicalEvent{
		EventType:       eventType,
		CustomerEmail:   strings.ToLower(p.Customer.Email),
		ExternalOrderID: p.OrderID,
		PlanIdentifier:  p.Product.ProductID,
		Amount:          p.OrderAmount, // already minor units
		Currency:        defaultCurrency(p.Currency),
		OccurredAt:      occurred,
	}, nil
}

func idempotencyKeyKiwify(payload []byte) (string, error) {
	var p kiwifyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("kiwify payload: %v: %w", err, domain.ErrNormalization)
	}
	if p.WebhookEventID != "" {
		return p.WebhookEventID, nil
	}
	if p.OrderID == "" {
		return "", fmt.Errorf("kiwify payload has no order id: %w", domain.ErrNormalization)
	}
	return model.FallbackIdempotencyKey(p.OrderID, p.WebhookEventType), nil
}
