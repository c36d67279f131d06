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

// Monetizze authenticates with a static postback token carried inside
// the payload ("chave_unica") rather than a header, and reports amounts
// as comma-decimal strings. Postback type codes follow the platform's
// numeric scheme.

type monetizzePayload struct {
	ChaveUnica   string `json:"chave_unica"`
	TipoPostback struct {
		Codigo    int    `json:"codigo"`
		Descricao string `json:"descricao"`
	} `json:"tipo_postback"`
	Venda struct {
		Codigo         string `json:"codigo"`
		Valor          string `json:"valor"` // "97,00"
		DataFinalizada string `json:"dataFinalizada"`
	} `json:"venda"`
	Comprador struct {
		Email string `json:"email"`
	} `json:"comprador"`
	Produto struct {
		Codigo int64 `json:"codigo"`
	} `json:"produto"`
}

func verifyMonetizze(body []byte, secret string) VerificationResult {
	var p monetizzePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fail("unreadable payload")
	}
	if p.ChaveUnica == "" {
		return failMissing("missing chave_unica in payload")
	}
	if !security.EqualToken(secret, p.ChaveUnica) {
		return fail("chave_unica mismatch")
	}
	return ok()
}

// Monetizze postback codes: 2 = completed purchase, 4 = refund,
// 5 = chargeback, 6 = cancellation. Everything else carries no billing
// effect here.
var monetizzeEventTypes = map[int]model.EventType{
	2: model.EventTypePurchaseApproved,
	4: model.EventTypeRefund,
	5: model.EventTypeChargeback,
	6: model.EventTypeCancellation,
}

func normalizeMonetizze(payload []byte) (*model.CanonicalEvent, error) {
	var p monetizzePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("monetizze payload: %v: %w", err, domain.ErrNormalization)
	}
	if p.Venda.Codigo == "" {
		return nil, fmt.Errorf("monetizze payload missing sale code: %w", domain.ErrNormalization)
	}

	eventType, mapped := monetizzeEventTypes[p.TipoPostback.Codigo]
	if !mapped {
		eventType = model.EventTypeUnmapped
	}

	var cents int64
	if p.Venda.Valor != "" {
		var err error
		if cents, err = decimalToCents(p.Venda.Valor); err != nil {
			return nil, err
		}
	}

	var occurred time.Time
	if p.Venda.DataFinalizada != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", p.Venda.DataFinalizada); err == nil {
			occurred = t.UTC()
		}
	}

	return &model.CanonicalEvent{
		EventType:       eventType,
		CustomerEmail:   strings.ToLower(p.Comprador.Email),
		ExternalOrderID: p.Venda.Codigo,
		PlanIdentifier:  strconv.FormatInt(p.Produto.Codigo, 10),
		Amount:          cents,
		Currency:        "BRL",
		OccurredAt:      occurred,
	}, nil
}

func idempotencyKeyMonetizze(payload []byte) (string, error) {
	var p monetizzePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("monetizze payload: %v: %w", err, domain.ErrNormalization)
	}
	if p.Venda.Codigo == "" {
		return "", fmt.Errorf("monetizze payload has no sale code: %w", domain.ErrNormalization)
	}
	return model.FallbackIdempotencyKey(p.Venda.Codigo, strconv.Itoa(p.TipoPostback.Codigo)), nil
}
