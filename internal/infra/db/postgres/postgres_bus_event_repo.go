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

var _ repository.BusEventRepository = (*busEventRepo)(nil)

type busEventRepo struct{ pool *pgxpool.Pool }

func NewBusEventRepo(pool *pgxpool.Pool) *busEventRepo {
	return &busEventRepo{pool: pool}
}

const busEventColumns = `id, inbound_event_id, canonical_event, status, retry_count, created_at, dispatched_at`

func (r *busEventRepo) Append(ctx context.Context, tx repository.Tx, ev *model.BusEvent) error {
	canonical, err := json.Marshal(ev.Canonical)
	if err != nil {
		return domain.ErrInvalidArgument
	}
	const q = `
INSERT INTO bus_events (` + busEventColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,NULL);`

	_, err = execSQL(ctx, r.pool, tx, q, ev.ID, ev.InboundEventID, canonical, ev.Status, ev.RetryCount, ev.CreatedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *busEventRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.BusEvent, error) {
	const q = `SELECT ` + busEventColumns + ` FROM bus_events WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanBusEvent(row)
}

func (r *busEventRepo) FindByInboundEvent(ctx context.Context, tx repository.Tx, inboundEventID string) ([]*model.BusEvent, error) {
	const q = `SELECT ` + busEventColumns + ` FROM bus_events WHERE inbound_event_id=$1 ORDER BY id ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q, inboundEventID)
	if err != nil {
		return nil, mapQueryErr(err)
	}
	defer rows.Close()
	return scanBusEvents(rows)
}

func (r *busEventRepo) MarkStatus(ctx context.Context, tx repository.Tx, id string, status model.BusEventStatus) error {
	const q = `
UPDATE bus_events
   SET status=$2,
       dispatched_at=CASE WHEN $2='dispatched' THEN NOW() ELSE dispatched_at END
 WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, tx, q, id, status)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

// IncrementRetry is a storage-side atomic increment: concurrent delivery
// workers never lose an update to a read-modify-write race.
func (r *busEventRepo) IncrementRetry(ctx context.Context, tx repository.Tx, id string) error {
	const q = `UPDATE bus_events SET retry_count = retry_count + 1 WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *busEventRepo) ListPending(ctx context.Context, tx repository.Tx, limit int) ([]*model.BusEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + busEventColumns + ` FROM bus_events WHERE status='pending' ORDER BY id ASC LIMIT $1;`
	rows, err := queryRows(ctx, r.pool, tx, q, limit)
	if err != nil {
		return nil, mapQueryErr(err)
	}
	defer rows.Close()
	return scanBusEvents(rows)
}

func (r *busEventRepo) ListSince(ctx context.Context, tx repository.Tx, since time.Time, limit int) ([]*model.BusEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + busEventColumns + ` FROM bus_events WHERE created_at >= $1 ORDER BY id ASC LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, since, limit)
	if err != nil {
		return nil, mapQueryErr(err)
	}
	defer rows.Close()
	return scanBusEvents(rows)
}

func scanBusEvent(row pgx.Row) (*model.BusEvent, error) {
	ev := &model.BusEvent{}
	var canonical []byte
	if err := row.Scan(&ev.ID, &ev.InboundEventID, &canonical, &ev.Status, &ev.RetryCount, &ev.CreatedAt, &ev.DispatchedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	if len(canonical) > 0 {
		_ = json.Unmarshal(canonical, &ev.Canonical)
	}
	return ev, nil
}

func scanBusEvents(rows pgx.Rows) ([]*model.BusEvent, error) {
	var out []*model.BusEvent
	for rows.Next() {
		ev, err := scanBusEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
