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

// Hotmart authenticates with a static shared token ("hottok") header and
// reports amounts as decimal currency units.

const hotmartTokenHeader = "X-Hotmart-Hottok"

type hotmartPayload struct {
	ID           string `json:"id"` // delivery id, stable across resends
	Event        string `json:"event"`
	CreationDate int64  `json:"creation_date"` // epoch millis
	Data         struct {
		Purchase struct {
			Transaction string `json:"transaction"`
			Price       struct {
				Value         json.Number `json:"value"`
				CurrencyValue string      `json:"currency_value"`
			} `json:"price"`
			Offer struct {
				Code string `json:"code"`
			} `json:"offer"`
		} `json:"purchase"`
		Buyer struct {
			Email string `json:"email"`
		} `json:"buyer"`
	} `json:"data"`
}

func verifyHotmart(headers map[string]string, secret string) VerificationResult {
	tok := header(headers, hotmartTokenHeader)
	if tok == "" {
		return failMissing("missing " + hotmartTokenHeader + " header")
	}
	if !security.EqualToken(secret, tok) {
		return fail("hottok mismatch")
	}
	return ok()
}

var hotmartEventTypes = map[string]model.EventType{
	"PURCHASE_APPROVED":         model.EventTypePurchaseApproved,
	"PURCHASE_COMPLETE":         model.EventTypePurchaseApproved,
	"SUBSCRIPTION_CREATED":      model.EventTypeSubscriptionCreated,
	"PURCHASE_REFUNDED":         model.EventTypeRefund,
	"PURCHASE_CHARGEBACK":       model.EventTypeChargeback,
	"SUBSCRIPTION_CANCELLATION": model.EventTypeCancellation,
	"PURCHASE_CANCELED":         model.EventTypeCancellation,
}

func normalizeHotmart(payload []byte) (*model.CanonicalEvent, error) {
	var p hotmartPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("hotmart payload: %v: %w", err, domain.ErrNormalization)
	}
	if p.Event == "" || p.Data.Purchase.Transaction == "" {
		return nil, fmt.Errorf("hotmart payload missing event/transaction: %w", domain.ErrNormalization)
	}

	eventType, mapped := hotmartEventTypes[strings.ToUpper(p.Event)]
	if !mapped {
		eventType = model.EventTypeUnmapped
	}

	var cents int64
	if raw := p.Data.Purchase.Price.Value.String(); raw != "" {
		var err error
		if cents, err = decimalToCents(raw); err != nil {
			return nil, err
		}
	}

	var occurred time.Time
	if p.CreationDate > 0 {
		occurred = time.UnixMilli(p.CreationDate).UTC()
	}

	return &model.CanonicalEvent{
		EventType:       eventType,
		CustomerEmail:   strings.ToLower(p.Data.Buyer.Email),
		ExternalOrderID: p.Data.Purchase.Transaction,
		PlanIdentifier:  p.Data.Purchase.Offer.Code,
		Amount:          cents,
		Currency:        defaultCurrency(p.Data.Purchase.Price.CurrencyValue),
		OccurredAt:      occurred,
	}, nil
}

func idempotencyKeyHotmart(payload []byte) (string, error) {
	var p hotmartPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("hotmart payload: %v: %w", err, domain.ErrNormalization)
	}
	if p.ID != "" {
		return p.ID, nil
	}
	if p.Data.Purchase.Transaction == "" {
		return "", fmt.Errorf("hotmart payload has no transaction: %w", domain.ErrNormalization)
	}
	return model.FallbackIdempotencyKey(p.Data.Purchase.Transaction, p.Event), nil
}

func defaultCurrency(c string) string {
	if c == "" {
		return "BRL"
	}
	return strings.ToUpper(c)
}
