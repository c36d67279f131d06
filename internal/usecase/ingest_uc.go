// File: internal/usecase/ingest_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"membership-billing-pipeline/internal/config"
	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/domain/ports/repository"
	"membership-billing-pipeline/internal/infra/logging"
	"membership-billing-pipeline/internal/infra/metrics"
	"membership-billing-pipeline/internal/infra/worker"
	"membership-billing-pipeline/internal/provider"
)

// Compile-time check
var _ IngestUseCase = (*ingestUC)(nil)

// ReceiveResult tells the HTTP layer how a delivery was taken in. A
// Duplicate receipt is still acknowledged with success: the provider
// must stop resending.
type ReceiveResult struct {
	EventID   string
	Duplicate bool
	Verified  bool
}

type IngestUseCase interface {
	// Receive verifies and durably records one provider delivery, then
	// queues asynchronous processing. It returns domain.ErrNormalization
	// for payloads too malformed to derive an idempotency key and
	// domain.ErrVerificationFailed for deliveries carrying no credential
	// at all; both mean the delivery was NOT recorded.
	Receive(ctx context.Context, p model.Provider, headers map[string]string, body []byte) (*ReceiveResult, error)
}

type ingestUC struct {
	events    repository.InboundEventRepository
	processor ProcessUseCase
	pool      *worker.Pool
	webhook   *config.WebhookConfig
	log       *zerolog.Logger
}

func NewIngestUseCase(
	events repository.InboundEventRepository,
	processor ProcessUseCase,
	pool *worker.Pool,
	webhook *config.WebhookConfig,
	logger *zerolog.Logger,
) *ingestUC {
	return &ingestUC{events: events, processor: processor, pool: pool, webhook: webhook, log: logger}
}

func (u *ingestUC) Receive(ctx context.Context, p model.Provider, headers map[string]string, body []byte) (*ReceiveResult, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown provider %q: %w", p, domain.ErrInvalidArgument)
	}
	log := logging.With(logging.WithProvider(ctx, string(p)), u.log)
	defer logging.TraceDuration(log, "IngestUC.Receive")()

	// The idempotency key must be derivable before anything is stored;
	// a payload that cannot yield one is malformed and gets a 4xx.
	idemKey, err := provider.IdempotencyKey(p, body)
	if err != nil {
		metrics.IncReceived(string(p), "rejected")
		return nil, err
	}

	vr := provider.Verify(p, headers, body, u.webhook.Secret(string(p)))
	if vr.Missing {
		// No credential presented at all. Recording these would let
		// anyone fill the ledger, so receipt is refused outright.
		metrics.IncReceived(string(p), "rejected")
		return nil, fmt.Errorf("%s: %w", vr.Reason, domain.ErrVerificationFailed)
	}

	ev, err := model.NewInboundEvent(uuid.NewString(), p, idemKey, headers, body)
	if err != nil {
		return nil, err
	}
	ev.Verified = vr.Verified
	if !vr.Verified {
		ev.ErrorMessage = vr.Reason
	}

	isNew, existingID, err := u.events.InsertIfNew(ctx, nil, ev)
	if err != nil {
		return nil, err
	}
	if !isNew {
		// Lost the race or plain re-delivery: acknowledge and point at
		// the surviving row. No second processing is queued; whoever
		// inserted the row owns it.
		log.Debug().Str("event_id", existingID).Msg("duplicate delivery acknowledged")
		metrics.IncReceived(string(p), "duplicate")
		return &ReceiveResult{EventID: existingID, Duplicate: true, Verified: vr.Verified}, nil
	}

	metrics.IncReceived(string(p), "new")
	log.Info().Str("event_id", ev.ID).Bool("verified", vr.Verified).Msg("webhook recorded")

	eventID := ev.ID
	if err := u.pool.Submit(func(taskCtx context.Context) error {
		return u.processor.Process(taskCtx, eventID)
	}); err != nil {
		// Not fatal: the event is durable in the received state and the
		// retry scanner resumes stuck events from storage.
		log.Warn().Err(err).Str("event_id", eventID).Msg("processing deferred to scanner")
	}

	return &ReceiveResult{EventID: ev.ID, Verified: vr.Verified}, nil
}

// IsReceiptRejection reports whether a Receive error means the delivery
// was refused before being recorded (as opposed to an internal failure).
func IsReceiptRejection(err error) bool {
	return errors.Is(err, domain.ErrNormalization) ||
		errors.Is(err, domain.ErrVerificationFailed) ||
		errors.Is(err, domain.ErrInvalidArgument)
}
