package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/domain/ports/repository"
)

var _ repository.OutboundDeliveryRepository = (*outboundDeliveryRepo)(nil)

type outboundDeliveryRepo struct{ pool *pgxpool.Pool }

func NewOutboundDeliveryRepo(pool *pgxpool.Pool) *outboundDeliveryRepo {
	return &outboundDeliveryRepo{pool: pool}
}

const deliveryColumns = `id, bus_event_id, subscription_id, attempt, status, response_code, response_body, error_message, next_retry_at, delivered_at, created_at, updated_at`

func (r *outboundDeliveryRepo) Save(ctx context.Context, tx repository.Tx, d *model.OutboundDelivery) error {
	const q = `
INSERT INTO outbound_deliveries (` + deliveryColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (bus_event_id, subscription_id) DO NOTHING;`

	_, err := execSQL(ctx, r.pool, tx, q,
		d.ID, d.BusEventID, d.SubscriptionID, d.Attempt, d.Status,
		d.ResponseCode, d.ResponseBody, d.ErrorMessage,
		d.NextRetryAt, d.DeliveredAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *outboundDeliveryRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.OutboundDelivery, error) {
	const q = `SELECT ` + deliveryColumns + ` FROM outbound_deliveries WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanDelivery(row)
}

func (r *outboundDeliveryRepo) Find(ctx context.Context, tx repository.Tx, busEventID, subscriptionID string) (*model.OutboundDelivery, error) {
	const q = `SELECT ` + deliveryColumns + ` FROM outbound_deliveries WHERE bus_event_id=$1 AND subscription_id=$2 LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, busEventID, subscriptionID)
	if err != nil {
		return nil, err
	}
	return scanDelivery(row)
}

// RecordAttempt persists one attempt outcome. The guard on the current
// status enforces that a terminal success is never overwritten and that
// attempt numbers only move forward.
func (r *outboundDeliveryRepo) RecordAttempt(ctx context.Context, tx repository.Tx, d *model.OutboundDelivery) error {
	const q = `
UPDATE outbound_deliveries
   SET attempt=$2, status=$3, response_code=$4, response_body=$5,
       error_message=$6, next_retry_at=$7, delivered_at=$8, updated_at=NOW()
 WHERE id=$1
   AND status <> 'success'
   AND attempt < $2;`

	cmd, err := execSQL(ctx, r.pool, tx, q,
		d.ID, d.Attempt, d.Status, d.ResponseCode, d.ResponseBody,
		d.ErrorMessage, d.NextRetryAt, d.DeliveredAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrTerminalState
	}
	return nil
}

func (r *outboundDeliveryRepo) ListByBusEvent(ctx context.Context, tx repository.Tx, busEventID string) ([]*model.OutboundDelivery, error) {
	const q = `SELECT ` + deliveryColumns + ` FROM outbound_deliveries WHERE bus_event_id=$1 ORDER BY created_at ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q, busEventID)
	if err != nil {
		return nil, mapQueryErr(err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// ClaimDue atomically flips due retry-state deliveries back to pending so
// concurrent scanner instances never double-claim one.
func (r *outboundDeliveryRepo) ClaimDue(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.OutboundDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
UPDATE outbound_deliveries
   SET status='pending', next_retry_at=NULL, updated_at=NOW()
 WHERE id IN (
       SELECT id FROM outbound_deliveries
        WHERE status='retry' AND next_retry_at <= $1
        ORDER BY next_retry_at ASC
        LIMIT $2
        FOR UPDATE SKIP LOCKED
 )
RETURNING ` + deliveryColumns + `;`

	rows, err := queryRows(ctx, r.pool, tx, q, now, limit)
	if err != nil {
		return nil, mapQueryErr(err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (r *outboundDeliveryRepo) CountUnfinishedByBusEvent(ctx context.Context, tx repository.Tx, busEventID string) (int, error) {
	const q = `SELECT COUNT(*) FROM outbound_deliveries WHERE bus_event_id=$1 AND status IN ('pending','retry');`
	row, err := pickRow(ctx, r.pool, tx, q, busEventID)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return n, nil
}

func (r *outboundDeliveryRepo) ListUnfinishedOlderThan(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.OutboundDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + deliveryColumns + ` FROM outbound_deliveries
 WHERE status IN ('pending','retry') AND created_at < $1
 ORDER BY created_at ASC
 LIMIT $2;`

	rows, err := queryRows(ctx, r.pool, tx, q, cutoff, limit)
	if err != nil {
		return nil, mapQueryErr(err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (r *outboundDeliveryRepo) Reschedule(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	const q = `
UPDATE outbound_deliveries
   SET status='retry', next_retry_at=$2, updated_at=NOW()
 WHERE id=$1 AND status IN ('pending','retry');`

	if _, err := execSQL(ctx, r.pool, tx, q, id, at); err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

// Reopen resets a failed delivery for manual replay. The attempt counter
// restarts so the replayed delivery gets the full retry budget again.
func (r *outboundDeliveryRepo) Reopen(ctx context.Context, tx repository.Tx, id string) error {
	const q = `
UPDATE outbound_deliveries
   SET status='pending', attempt=0, next_retry_at=NULL, error_message='', updated_at=NOW()
 WHERE id=$1 AND status='failed';`

	cmd, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrTerminalState
	}
	return nil
}

func scanDelivery(row pgx.Row) (*model.OutboundDelivery, error) {
	d := &model.OutboundDelivery{}
	if err := row.Scan(&d.ID, &d.BusEventID, &d.SubscriptionID, &d.Attempt, &d.Status,
		&d.ResponseCode, &d.ResponseBody, &d.ErrorMessage,
		&d.NextRetryAt, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return d, nil
}

func scanDeliveries(rows pgx.Rows) ([]*model.OutboundDelivery, error) {
	var out []*model.OutboundDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
