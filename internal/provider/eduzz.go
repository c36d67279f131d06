package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/infra/security"
)

// Eduzz signs the raw body with HMAC-SHA256. Amounts come as decimal
// strings and there is no stable delivery id, so the idempotency key is
// always the deterministic fallback hash.

const eduzzSignatureHeader = "X-Eduzz-Signature"

type eduzzPayload struct {
	TransCod        int64       `json:"trans_cod"` // invoice number
	EventName       string      `json:"event_name"`
	TransValue      json.Number `json:"trans_value"`
	TransCurrency   string      `json:"trans_currency"`
	TransCreateDate string      `json:"trans_createdate"` // "2006-01-02 15:04:05"
	CusEmail        string      `json:"cus_email"`
	ProductCod      int64       `json:"product_cod"`
}

func verifyEduzz(headers map[string]string, body []byte, secret string) VerificationResult {
	sig := header(headers, eduzzSignatureHeader)
	if sig == "" {
		return failMissing("missing " + eduzzSignatureHeader + " header")
	}
	if !security.VerifyHMAC(secret, body, sig) {
		return fail("body signature mismatch")
	}
	return ok()
}

var eduzzEventTypes = map[string]model.EventType{
	"invoice_paid":       model.EventTypePurchaseApproved,
	"contract_created":   model.EventTypeSubscriptionCreated,
	"invoice_refunded":   model.EventTypeRefund,
	"invoice_chargeback": model.EventTypeChargeback,
	"contract_canceled":  model.EventTypeCancellation,
	"invoice_canceled":   model.EventTypeCancellation,
}

func normalizeEduzz(payload []byte) (*model.CanonicalEvent, error) {
	var p eduzzPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("eduzz payload: %v: %w", err, domain.ErrNormalization)
	}
	if p.EventName == "" || p.TransCod == 0 {
		return nil, fmt.Errorf("eduzz payload missing event name/invoice: %w", domain.ErrNormalization)
	}

	eventType, mapped := eduzzEventTypes[strings.ToLower(p.EventName)]
	if !mapped {
		eventType = model.EventTypeUnmapped
	}

	var cents int64
	if raw := p.TransValue.String(); raw != "" {
		var err error
		if cents, err = decimalToCents(raw); err != nil {
			return nil, err
		}
	}

	var occurred time.Time
	if p.TransCreateDate != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", p.TransCreateDate); err == nil {
			occurred = t.UTC()
		}
	}

	return &model.CanonicalEvent{
		EventType:       eventType,
		CustomerEmail:   strings.ToLower(p.CusEmail),
		ExternalOrderID: strconv.FormatInt(p.TransCod, 10),
		PlanIdentifier:  strconv.FormatInt(p.ProductCod, 10),
		Amount:          cents,
		Currency:        defaultCurrency(p.TransCurrency),
		OccurredAt:      occurred,
	}, nil
}

func idempotencyKeyEduzz(payload []byte) (string, error) {
	var p eduzzPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("eduzz payload: %v: %w", err, domain.ErrNormalization)
	}
	if p.TransCod == 0 {
		return "", fmt.Errorf("eduzz payload has no invoice number: %w", domain.ErrNormalization)
	}
	return model.FallbackIdempotencyKey(strconv.FormatInt(p.TransCod, 10), p.EventName), nil
}
