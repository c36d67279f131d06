// Package provider verifies and normalizes webhook payloads from the
// supported e-commerce platforms. Both operations are pure: verification
// is CPU-bound HMAC/token checking, and normalization is a deterministic
// mapping from (provider, raw payload) to the canonical event shape.
package provider

import (
	"fmt"
	"net/textproto"
	"strconv"
	"strings"

	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
)

// VerificationResult carries the outcome of signature/token checking.
// A failed verification is data, not an error: the caller flags the
// event discarded with the reason. Missing marks deliveries that carry
// no credential at all, which the endpoint rejects outright instead of
// recording.
type VerificationResult struct {
	Verified bool
	Missing  bool
	Reason   string
}

func ok() VerificationResult { return VerificationResult{Verified: true} }

func fail(reason string) VerificationResult {
	return VerificationResult{Verified: false, Reason: reason}
}

func failMissing(reason string) VerificationResult {
	return VerificationResult{Verified: false, Missing: true, Reason: reason}
}

// Verify dispatches to the provider-specific scheme. HMAC providers sign
// the raw body; token providers present a static shared credential.
func Verify(p model.Provider, headers map[string]string, body []byte, secret string) VerificationResult {
	if secret == "" {
		return failMissing("no secret configured for provider " + string(p))
	}
	switch p {
	case model.ProviderHotmart:
		return verifyHotmart(headers, secret)
	case model.ProviderKiwify:
		return verifyKiwify(headers, body, secret)
	case model.ProviderEduzz:
		return verifyEduzz(headers, body, secret)
	case model.ProviderMonetizze:
		return verifyMonetizze(body, secret)
	case model.ProviderGeneric:
		return verifyGeneric(headers, body, secret)
	}
	return fail("unknown provider " + string(p))
}

// Normalize maps a raw provider payload into the canonical event shape.
// Unknown provider event types normalize to EventTypeUnmapped rather
// than failing; only structurally unreadable payloads return an error.
func Normalize(p model.Provider, payload []byte) (*model.CanonicalEvent, error) {
	switch p {
	case model.ProviderHotmart:
		return normalizeHotmart(payload)
	case model.ProviderKiwify:
		return normalizeKiwify(payload)
	case model.ProviderEduzz:
		return normalizeEduzz(payload)
	case model.ProviderMonetizze:
		return normalizeMonetizze(payload)
	case model.ProviderGeneric:
		return normalizeGeneric(payload)
	}
	return nil, fmt.Errorf("normalize: unknown provider %q: %w", p, domain.ErrInvalidArgument)
}

// IdempotencyKey extracts the provider delivery id, or derives the
// deterministic fallback (hash of order id + event type) for providers
// that omit a stable one.
func IdempotencyKey(p model.Provider, payload []byte) (string, error) {
	switch p {
	case model.ProviderHotmart:
		return idempotencyKeyHotmart(payload)
	case model.ProviderKiwify:
		return idempotencyKeyKiwify(payload)
	case model.ProviderEduzz:
		return idempotencyKeyEduzz(payload)
	case model.ProviderMonetizze:
		return idempotencyKeyMonetizze(payload)
	case model.ProviderGeneric:
		return idempotencyKeyGeneric(payload)
	}
	return "", fmt.Errorf("idempotency key: unknown provider %q: %w", p, domain.ErrInvalidArgument)
}

// header does a case-insensitive lookup in a flattened header map.
func header(headers map[string]string, name string) string {
	if v, found := headers[name]; found {
		return v
	}
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	if v, found := headers[canonical]; found {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// decimalToCents converts a decimal currency string ("97.00", "97,00",
// "97") into integer minor units without going through float64.
func decimalToCents(s string) (int64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return 0, fmt.Errorf("empty amount: %w", domain.ErrNormalization)
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	switch len(frac) {
	case 0:
		frac = "00"
	case 1:
		frac += "0"
	case 2:
	default:
		frac = frac[:2]
	}
	neg := strings.HasPrefix(whole, "-")
	w, err := strconv.ParseInt(strings.TrimPrefix(whole, "-"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, domain.ErrNormalization)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, domain.ErrNormalization)
	}
	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}
