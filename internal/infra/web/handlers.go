package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/infra/security"
	"membership-billing-pipeline/internal/usecase"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidArgument):
		http.Error(w, "invalid request", http.StatusBadRequest)
	case errors.Is(err, domain.ErrTerminalState):
		http.Error(w, "already in a terminal state", http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// ---------- events ----------

func (s *Server) handleEventsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	events, err := s.queryUC.ListEvents(r.Context(),
		model.InboundStatus(q.Get("status")), model.Provider(q.Get("provider")), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventViews(events))
}

func (s *Server) handleEventGet(w http.ResponseWriter, r *http.Request) {
	detail, err := s.queryUC.EventDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Event      *eventView                `json:"event"`
		BusEvents  []*model.BusEvent         `json:"bus_events"`
		Deliveries []*model.OutboundDelivery `json:"deliveries"`
	}{eventView1(detail.Event), detail.BusEvents, detail.Deliveries})
}

func (s *Server) handleEventReprocess(w http.ResponseWriter, r *http.Request) {
	if err := s.processUC.Reprocess(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reprocessed"})
}

// eventView hides raw headers (they can carry credentials) and trims
// the payload out of list responses.
type eventView struct {
	ID             string                `json:"id"`
	Provider       model.Provider        `json:"provider"`
	IdempotencyKey string                `json:"idempotency_key"`
	Verified       bool                  `json:"verified"`
	Status         model.InboundStatus   `json:"status"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	Canonical      *model.CanonicalEvent `json:"canonical,omitempty"`
	ReceivedAt     time.Time             `json:"received_at"`
	ProcessedAt    *time.Time            `json:"processed_at,omitempty"`
}

func eventView1(ev *model.InboundEvent) *eventView {
	return &eventView{
		ID: ev.ID, Provider: ev.Provider, IdempotencyKey: ev.IdempotencyKey,
		Verified: ev.Verified, Status: ev.Status, ErrorMessage: ev.ErrorMessage,
		Canonical: ev.Canonical, ReceivedAt: ev.ReceivedAt, ProcessedAt: ev.ProcessedAt,
	}
}

func eventViews(events []*model.InboundEvent) []*eventView {
	out := make([]*eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, eventView1(ev))
	}
	return out
}

// ---------- bus event history ----------

// handleBusEventsList pages the domain event log from a point in time,
// for backfilling a subscriber that was registered after the fact.
func (s *Server) handleBusEventsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since := time.Time{}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = t
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	events, err := s.queryUC.ListBusEvents(r.Context(), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// ---------- outbound subscriptions ----------

type subscriptionRequest struct {
	Name      *string `json:"name"`
	TargetURL *string `json:"target_url"`
	Secret    *string `json:"secret"`
	Active    *bool   `json:"active"`
}

func (s *Server) handleSubsList(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	subs, err := s.outboundUC.List(r.Context(), activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleSubsCreate(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == nil || req.TargetURL == nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	secret := ""
	if req.Secret != nil {
		secret = *req.Secret
	}
	sub, err := s.outboundUC.Register(r.Context(), *req.Name, *req.TargetURL, secret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleSubsGet(w http.ResponseWriter, r *http.Request) {
	sub, err := s.outboundUC.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleSubsUpdate(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sub, err := s.outboundUC.Update(r.Context(), chi.URLParam(r, "id"), usecase.UpdateSubscriptionParams{
		Name: req.Name, TargetURL: req.TargetURL, Secret: req.Secret, Active: req.Active,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleSubsDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.outboundUC.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- dead letters ----------

func (s *Server) handleDeadLettersList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.deadUC.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDeadLetterGet(w http.ResponseWriter, r *http.Request) {
	dl, err := s.deadUC.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, r *http.Request) {
	if err := s.deadUC.Replay(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "replayed"})
}

// ---------- plans ----------

type planCreateRequest struct {
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
	Interval   string `json:"interval"`
}

func (s *Server) handlePlansList(w http.ResponseWriter, r *http.Request) {
	plans, err := s.planUC.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handlePlansCreate(w http.ResponseWriter, r *http.Request) {
	var req planCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	plan, err := s.planUC.Create(r.Context(), req.Name, req.Slug, req.PriceCents, req.Currency, model.PlanInterval(req.Interval))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

type mapProductRequest struct {
	Provider   string `json:"provider"`
	ProductRef string `json:"product_ref"`
}

func (s *Server) handlePlanMapProduct(w http.ResponseWriter, r *http.Request) {
	var req mapProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	pp, err := s.planUC.MapProduct(r.Context(), model.Provider(req.Provider), req.ProductRef, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pp)
}

// ---------- billing state ----------

func (s *Server) handleBillingState(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(chi.URLParam(r, "email"))
	st, err := s.queryUC.BillingState(r.Context(), email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ---------- test event ----------

type testEventRequest struct {
	Type        string `json:"type"`
	Email       string `json:"email"`
	Plan        string `json:"plan"`
	AmountCents int64  `json:"amount_cents"`
}

// handleTestEvent pushes a synthetic, properly signed generic webhook
// through the real ingestion path, so the full verify/normalize/process
// chain is exercised end to end.
func (s *Server) handleTestEvent(w http.ResponseWriter, r *http.Request) {
	var req testEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Plan == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = string(model.EventTypePurchaseApproved)
	}

	payload, err := json.Marshal(map[string]any{
		"id":           "test-" + uuid.NewString(),
		"type":         req.Type,
		"email":        req.Email,
		"order_id":     "TEST-" + strings.ToUpper(uuid.NewString()[:8]),
		"plan":         req.Plan,
		"amount_cents": req.AmountCents,
		"currency":     "BRL",
		"occurred_at":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	headers := map[string]string{
		"X-Webhook-Signature": security.SignHMAC(s.webhook.Secrets.Generic, payload),
	}
	res, err := s.ingestUC.Receive(r.Context(), model.ProviderGeneric, headers, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}
