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

var _ repository.DeadLetterRepository = (*deadLetterRepo)(nil)

type deadLetterRepo struct{ pool *pgxpool.Pool }

func NewDeadLetterRepo(pool *pgxpool.Pool) *deadLetterRepo {
	return &deadLetterRepo{pool: pool}
}

const deadLetterColumns = `id, bus_event_id, subscription_id, reason, total_attempts, last_error, created_at, replayed_at`

// Save inserts at most one live dead letter per (event, subscription):
// the partial unique index absorbs racing writers, and the loser gets
// ErrAlreadyExists back.
func (r *deadLetterRepo) Save(ctx context.Context, tx repository.Tx, dl *model.DeadLetter) error {
	const q = `
INSERT INTO dead_letters (` + deadLetterColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,NULL)
ON CONFLICT (bus_event_id, subscription_id) WHERE replayed_at IS NULL DO NOTHING;`

	cmd, err := execSQL(ctx, r.pool, tx, q,
		dl.ID, dl.BusEventID, dl.SubscriptionID, dl.Reason, dl.TotalAttempts, dl.LastError, dl.CreatedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *deadLetterRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.DeadLetter, error) {
	const q = `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanDeadLetter(row)
}

func (r *deadLetterRepo) List(ctx context.Context, tx repository.Tx, limit int) ([]*model.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + deadLetterColumns + ` FROM dead_letters ORDER BY created_at DESC LIMIT $1;`
	rows, err := queryRows(ctx, r.pool, tx, q, limit)
	if err != nil {
		return nil, mapQueryErr(err)
	}
	defer rows.Close()

	var out []*model.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

func (r *deadLetterRepo) MarkReplayed(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	const q = `UPDATE dead_letters SET replayed_at=$2 WHERE id=$1;`
	cmd, err := execSQL(ctx, r.pool, tx, q, id, at)
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

func scanDeadLetter(row pgx.Row) (*model.DeadLetter, error) {
	dl := &model.DeadLetter{}
	if err := row.Scan(&dl.ID, &dl.BusEventID, &dl.SubscriptionID, &dl.Reason,
		&dl.TotalAttempts, &dl.LastError, &dl.CreatedAt, &dl.ReplayedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return dl, nil
}
