package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/domain/ports/repository"
)

var _ repository.InboundEventRepository = (*inboundEventRepo)(nil)

type inboundEventRepo struct{ pool *pgxpool.Pool }

func NewInboundEventRepo(pool *pgxpool.Pool) *inboundEventRepo {
	return &inboundEventRepo{pool: pool}
}

const inboundEventColumns = `id, provider, idempotency_key, raw_headers, raw_payload, verified, canonical_event, status, error_message, received_at, processed_at`

// InsertIfNew relies on the UNIQUE (provider, idempotency_key) constraint:
// concurrent duplicate deliveries collapse to exactly one row, and the
// losing writer gets the winner's id back. No application-level lock.
func (r *inboundEventRepo) InsertIfNew(ctx context.Context, tx repository.Tx, ev *model.InboundEvent) (bool, string, error) {
	headers, err := json.Marshal(ev.RawHeaders)
	if err != nil {
		return false, "", domain.ErrInvalidArgument
	}

	const q = `
INSERT INTO inbound_events (` + inboundEventColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,NULL,$7,$8,$9,NULL)
ON CONFLICT (provider, idempotency_key) DO NOTHING;`

	cmd, err := execSQL(ctx, r.pool, tx, q,
		ev.ID, ev.Provider, ev.IdempotencyKey, headers, ev.RawPayload,
		ev.Verified, ev.Status, ev.ErrorMessage, ev.ReceivedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return false, "", err
		}
		return false, "", domain.ErrOperationFailed
	}
	if cmd.RowsAffected() == 1 {
		return true, ev.ID, nil
	}

	const sel = `SELECT id FROM inbound_events WHERE provider=$1 AND idempotency_key=$2;`
	row, err := pickRow(ctx, r.pool, tx, sel, ev.Provider, ev.IdempotencyKey)
	if err != nil {
		return false, "", err
	}
	var existingID string
	if err := row.Scan(&existingID); err != nil {
		return false, "", domain.ErrReadDatabaseRow
	}
	return false, existingID, nil
}

func (r *inboundEventRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.InboundEvent, error) {
	q := `SELECT ` + inboundEventColumns + ` FROM inbound_events WHERE id=$1`
	if _, isTx := tx.(pgx.Tx); isTx {
		q += " FOR UPDATE"
	}
	q += ";"
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanInboundEvent(row)
}

// MarkTerminal writes a processed/discarded status only when the event is
// not terminal yet, enforcing at most one terminal transition per event.
func (r *inboundEventRepo) MarkTerminal(ctx context.Context, tx repository.Tx, id string, status model.InboundStatus, canonical *model.CanonicalEvent, errMsg string) (bool, error) {
	if !status.Terminal() {
		return false, domain.ErrInvalidArgument
	}
	var canonicalJSON interface{}
	if canonical != nil {
		b, err := json.Marshal(canonical)
		if err != nil {
			return false, domain.ErrInvalidArgument
		}
		canonicalJSON = b
	}

	const q = `
UPDATE inbound_events
   SET status = $2,
       canonical_event = COALESCE($3, canonical_event),
       error_message = $4,
       processed_at = NOW()
 WHERE id = $1
   AND status IN ('received','failed');`

	cmd, err := execSQL(ctx, r.pool, tx, q, id, status, canonicalJSON, errMsg)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return false, err
		}
		return false, domain.ErrOperationFailed
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *inboundEventRepo) MarkFailed(ctx context.Context, tx repository.Tx, id string, errMsg string) error {
	const q = `UPDATE inbound_events SET status='failed', error_message=$2 WHERE id=$1 AND status IN ('received','failed');`
	_, err := execSQL(ctx, r.pool, tx, q, id, errMsg)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *inboundEventRepo) List(ctx context.Context, tx repository.Tx, status model.InboundStatus, provider model.Provider, limit int) ([]*model.InboundEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + inboundEventColumns + ` FROM inbound_events
 WHERE ($1 = '' OR status = $1)
   AND ($2 = '' OR provider = $2)
 ORDER BY received_at DESC
 LIMIT $3;`
	rows, err := queryRows(ctx, r.pool, tx, q, string(status), string(provider), limit)
	if err != nil {
		return nil, mapQueryErr(err)
	}
	defer rows.Close()
	return scanInboundEvents(rows)
}

func (r *inboundEventRepo) ListStuck(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.InboundEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + inboundEventColumns + ` FROM inbound_events
 WHERE status = 'received' AND received_at < $1
 ORDER BY received_at ASC
 LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, olderThan, limit)
	if err != nil {
		return nil, mapQueryErr(err)
	}
	defer rows.Close()
	return scanInboundEvents(rows)
}

func scanInboundEvent(row pgx.Row) (*model.InboundEvent, error) {
	ev := &model.InboundEvent{}
	var headers, canonical []byte
	if err := row.Scan(&ev.ID, &ev.Provider, &ev.IdempotencyKey, &headers, &ev.RawPayload,
		&ev.Verified, &canonical, &ev.Status, &ev.ErrorMessage, &ev.ReceivedAt, &ev.ProcessedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &ev.RawHeaders)
	}
	if len(canonical) > 0 {
		ev.Canonical = &model.CanonicalEvent{}
		_ = json.Unmarshal(canonical, ev.Canonical)
	}
	return ev, nil
}

func scanInboundEvents(rows pgx.Rows) ([]*model.InboundEvent, error) {
	var out []*model.InboundEvent
	for rows.Next() {
		ev, err := scanInboundEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func mapQueryErr(err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrNotFound
	case err == domain.ErrInvalidArgument, err == domain.ErrInvalidExecContext:
		return err
	default:
		return domain.ErrOperationFailed
	}
}
