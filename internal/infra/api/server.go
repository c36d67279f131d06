// File: internal/infra/api/server.go
package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/usecase"
)

// Providers keep resending while they see errors, so this endpoint only
// answers non-2xx when the delivery is malformed or carries no
// credential. A payload the pipeline later discards still gets a 200:
// receipt and processing are separate concerns.

// Body size cap; provider payloads are small JSON documents.
const maxWebhookBody = 1 << 20

// Limiter caps webhook intake per provider. A nil Limiter disables the
// check.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Server is the public webhook ingestion surface.
type Server struct {
	ingest  usecase.IngestUseCase
	limiter Limiter
	log     *zerolog.Logger
}

func NewServer(ingest usecase.IngestUseCase, limiter Limiter, logger *zerolog.Logger) *Server {
	return &Server{ingest: ingest, limiter: limiter, log: logger}
}

// Register attaches routes to the router.
func (s *Server) Register(r chi.Router) {
	r.Post("/webhooks/{provider}", s.handleWebhook)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	if s.limiter != nil {
		ok, err := s.limiter.Allow(r.Context(), providerName)
		if err != nil {
			// Allow already failed open; just make the blink visible.
			s.log.Warn().Err(err).Str("provider", providerName).Msg("rate limiter unavailable")
		}
		if !ok {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	res, err := s.ingest.Receive(r.Context(), model.Provider(providerName), headers, body)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidArgument):
			http.Error(w, "unknown provider", http.StatusNotFound)
		case errors.Is(err, domain.ErrVerificationFailed):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		case errors.Is(err, domain.ErrNormalization):
			http.Error(w, "malformed payload", http.StatusBadRequest)
		default:
			// Storage trouble: ask the provider to resend later.
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	dup := "false"
	if res.Duplicate {
		dup = "true"
	}
	_, _ = w.Write([]byte(`{"event_id":"` + res.EventID + `","duplicate":` + dup + `}`))
}
