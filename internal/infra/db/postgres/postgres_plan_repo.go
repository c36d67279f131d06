package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/domain/ports/repository"
)

var _ repository.PlanRepository = (*planRepo)(nil)

type planRepo struct{ pool *pgxpool.Pool }

func NewPlanRepo(pool *pgxpool.Pool) *planRepo {
	return &planRepo{pool: pool}
}

const planColumns = `id, name, slug, price_cents, currency, interval, active, created_at, updated_at`

func (r *planRepo) Save(ctx context.Context, tx repository.Tx, p *model.Plan) error {
	const q = `
INSERT INTO plans (` + planColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  name=$2, slug=$3, price_cents=$4, currency=$5, interval=$6, active=$7, updated_at=NOW();`

	_, err := execSQL(ctx, r.pool, tx, q, p.ID, p.Name, p.Slug, p.PriceCents, p.Currency, p.Interval, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *planRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error) {
	const q = `SELECT ` + planColumns + ` FROM plans WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanPlan(row)
}

func (r *planRepo) FindBySlug(ctx context.Context, tx repository.Tx, slug string) (*model.Plan, error) {
	const q = `SELECT ` + planColumns + ` FROM plans WHERE slug=$1 LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, slug)
	if err != nil {
		return nil, err
	}
	return scanPlan(row)
}

func (r *planRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	const q = `SELECT ` + planColumns + ` FROM plans ORDER BY created_at ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, mapQueryErr(err)
	}
	defer rows.Close()

	var out []*model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func scanPlan(row pgx.Row) (*model.Plan, error) {
	p := &model.Plan{}
	if err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.PriceCents, &p.Currency, &p.Interval, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return p, nil
}

var _ repository.PlatformProductRepository = (*platformProductRepo)(nil)

type platformProductRepo struct{ pool *pgxpool.Pool }

func NewPlatformProductRepo(pool *pgxpool.Pool) *platformProductRepo {
	return &platformProductRepo{pool: pool}
}

func (r *platformProductRepo) Save(ctx context.Context, tx repository.Tx, pp *model.PlatformProduct) error {
	const q = `
INSERT INTO platform_products (id, provider, product_ref, plan_id, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (provider, product_ref) DO UPDATE SET plan_id=$4;`
	_, err := execSQL(ctx, r.pool, tx, q, pp.ID, pp.Provider, pp.ProductRef, pp.PlanID, pp.CreatedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *platformProductRepo) FindByProductRef(ctx context.Context, tx repository.Tx, provider model.Provider, productRef string) (*model.PlatformProduct, error) {
	const q = `SELECT id, provider, product_ref, plan_id, created_at FROM platform_products WHERE provider=$1 AND product_ref=$2 LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, provider, productRef)
	if err != nil {
		return nil, err
	}
	pp := &model.PlatformProduct{}
	if err := row.Scan(&pp.ID, &pp.Provider, &pp.ProductRef, &pp.PlanID, &pp.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return pp, nil
}
