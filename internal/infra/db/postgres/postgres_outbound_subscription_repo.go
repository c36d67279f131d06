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

var _ repository.OutboundSubscriptionRepository = (*outboundSubscriptionRepo)(nil)

type outboundSubscriptionRepo struct{ pool *pgxpool.Pool }

func NewOutboundSubscriptionRepo(pool *pgxpool.Pool) *outboundSubscriptionRepo {
	return &outboundSubscriptionRepo{pool: pool}
}

const outboundSubColumns = `id, name, target_url, secret, active, failures_count, last_delivery_at, created_at, updated_at`

func (r *outboundSubscriptionRepo) Save(ctx context.Context, tx repository.Tx, sub *model.OutboundSubscription) error {
	const q = `
INSERT INTO outbound_subscriptions (` + outboundSubColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  name=$2, target_url=$3, secret=$4, active=$5, updated_at=NOW();`

	_, err := execSQL(ctx, r.pool, tx, q,
		sub.ID, sub.Name, sub.TargetURL, sub.Secret, sub.Active,
		sub.FailuresCount, sub.LastDeliveryAt, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *outboundSubscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.OutboundSubscription, error) {
	const q = `SELECT ` + outboundSubColumns + ` FROM outbound_subscriptions WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanOutboundSub(row)
}

func (r *outboundSubscriptionRepo) ListActive(ctx context.Context, tx repository.Tx) ([]*model.OutboundSubscription, error) {
	const q = `SELECT ` + outboundSubColumns + ` FROM outbound_subscriptions WHERE active ORDER BY created_at ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, mapQueryErr(err)
	}
	defer rows.Close()
	return scanOutboundSubs(rows)
}

func (r *outboundSubscriptionRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.OutboundSubscription, error) {
	const q = `SELECT ` + outboundSubColumns + ` FROM outbound_subscriptions ORDER BY created_at ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, mapQueryErr(err)
	}
	defer rows.Close()
	return scanOutboundSubs(rows)
}

func (r *outboundSubscriptionRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	const q = `DELETE FROM outbound_subscriptions WHERE id=$1;`
	cmd, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IncrementFailures is a storage-side atomic increment returning the new
// counter value, so the deactivation threshold check never races.
func (r *outboundSubscriptionRepo) IncrementFailures(ctx context.Context, tx repository.Tx, id string) (int64, error) {
	const q = `UPDATE outbound_subscriptions SET failures_count = failures_count + 1, updated_at=NOW() WHERE id=$1 RETURNING failures_count;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, domain.ErrReadDatabaseRow
	}
	return n, nil
}

func (r *outboundSubscriptionRepo) ResetFailures(ctx context.Context, tx repository.Tx, id string) error {
	const q = `UPDATE outbound_subscriptions SET failures_count = 0, updated_at=NOW() WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *outboundSubscriptionRepo) SetActive(ctx context.Context, tx repository.Tx, id string, active bool) error {
	const q = `UPDATE outbound_subscriptions SET active=$2, updated_at=NOW() WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, tx, q, id, active)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *outboundSubscriptionRepo) TouchLastDelivery(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	const q = `UPDATE outbound_subscriptions SET last_delivery_at=$2, updated_at=NOW() WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, tx, q, id, at)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func scanOutboundSub(row pgx.Row) (*model.OutboundSubscription, error) {
	s := &model.OutboundSubscription{}
	if err := row.Scan(&s.ID, &s.Name, &s.TargetURL, &s.Secret, &s.Active,
		&s.FailuresCount, &s.LastDeliveryAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return s, nil
}

func scanOutboundSubs(rows pgx.Rows) ([]*model.OutboundSubscription, error) {
	var out []*model.OutboundSubscription
	for rows.Next() {
		s, err := scanOutboundSub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
