package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"membership-billing-pipeline/internal/config"
	"membership-billing-pipeline/internal/infra/security"
	"membership-billing-pipeline/internal/usecase"
)

// Server is the operator-facing admin API: inspect the ledger, manage
// outbound subscriptions and plans, replay dead letters. It never sits
// on the provider-facing port.
type Server struct {
	queryUC    usecase.QueryUseCase
	processUC  usecase.ProcessUseCase
	outboundUC usecase.OutboundUseCase
	deadUC     usecase.DeadLetterUseCase
	planUC     usecase.PlanUseCase
	ingestUC   usecase.IngestUseCase

	auth    *AuthManager
	apiKey  string
	webhook *config.WebhookConfig
	log     *zerolog.Logger
}

func NewServer(
	queryUC usecase.QueryUseCase,
	processUC usecase.ProcessUseCase,
	outboundUC usecase.OutboundUseCase,
	deadUC usecase.DeadLetterUseCase,
	planUC usecase.PlanUseCase,
	ingestUC usecase.IngestUseCase,
	auth *AuthManager,
	apiKey string,
	webhook *config.WebhookConfig,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		queryUC: queryUC, processUC: processUC, outboundUC: outboundUC,
		deadUC: deadUC, planUC: planUC, ingestUC: ingestUC,
		auth: auth, apiKey: apiKey, webhook: webhook, log: logger,
	}
}

// Register sets up the routing for the admin API.
func (s *Server) Register(r chi.Router) {
	r.Post("/api/v1/login", s.handleLogin)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handleEventsList)
			r.Get("/{id}", s.handleEventGet)
			r.Post("/{id}/reprocess", s.handleEventReprocess)
		})

		r.Get("/bus-events", s.handleBusEventsList)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", s.handleSubsList)
			r.Post("/", s.handleSubsCreate)
			r.Get("/{id}", s.handleSubsGet)
			r.Put("/{id}", s.handleSubsUpdate)
			r.Delete("/{id}", s.handleSubsDelete)
		})

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", s.handleDeadLettersList)
			r.Get("/{id}", s.handleDeadLetterGet)
			r.Post("/{id}/replay", s.handleDeadLetterReplay)
		})

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", s.handlePlansList)
			r.Post("/", s.handlePlansCreate)
			r.Post("/{id}/products", s.handlePlanMapProduct)
		})

		r.Get("/billing/{email}", s.handleBillingState)
		r.Post("/test-event", s.handleTestEvent)
	})
}

// authMiddleware requires a valid admin JWT on every guarded route.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.ParseFromRequest(r); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleLogin exchanges the bootstrap API key for a session JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.apiKey == "" {
		s.log.Error().Msg("admin API key is not configured")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if !security.EqualToken(s.apiKey, r.Header.Get("X-Api-Key")) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	token, err := s.auth.Mint(w)
	if err != nil {
		http.Error(w, "could not mint token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
