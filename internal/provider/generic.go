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

// The generic endpoint accepts payloads already close to the canonical
// shape, HMAC-signed like outbound deliveries. It exists for platforms
// without a dedicated adapter and for synthetic admin test events.

const genericSignatureHeader = "X-Webhook-Signature"

type genericPayload struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Email       string `json:"email"`
	OrderID     string `json:"order_id"`
	Plan        string `json:"plan"` // plan slug or provider product ref
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	OccurredAt  string `json:"occurred_at"` // RFC 3339
}

func verifyGeneric(headers map[string]string, body []byte, secret string) VerificationResult {
	sig := header(headers, genericSignatureHeader)
	if sig == "" {
		return failMissing("missing " + genericSignatureHeader + " header")
	}
	if !security.VerifyHMAC(secret, body, sig) {
		return fail("body signature mismatch")
	}
	return ok()
}

func normalizeGeneric(payload []byte) (*model.CanonicalEvent, error) {
	var p genericPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("generic payload: %v: %w", err, domain.ErrNormalization)
	}
	if p.Type == "" || p.OrderID == "" {
		return nil, fmt.Errorf("generic payload missing type/order id: %w", domain.ErrNormalization)
	}

	eventType := model.EventType(strings.ToLower(p.Type))
	if !eventType.BillingEffect() {
		eventType = model.EventTypeUnmapped
	}

	var occurred time.Time
	if p.OccurredAt != "" {
		if t, err := time.Parse(time.RFC3339, p.OccurredAt); err == nil {
			occurred = t.UTC()
		}
	}

	return &model.CanonicalEvent{
		EventType:       eventType,
		CustomerEmail:   strings.ToLower(p.Email),
		ExternalOrderID: p.OrderID,
		PlanIdentifier:  p.Plan,
		Amount:          p.AmountCents,
		Currency:        defaultCurrency(p.Currency),
		OccurredAt:      occurred,
	}, nil
}

func idempotencyKeyGeneric(payload []byte) (string, error) {
	var p genericPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("generic payload: %v: %w", err, domain.ErrNormalization)
	}
	if p.ID != "" {
		return p.ID, nil
	}
	if p.OrderID == "" {
		return "", fmt.Errorf("generic payload has no order id: %w", domain.ErrNormalization)
	}
	return model.FallbackIdempotencyKey(p.OrderID, p.Type), nil
}
