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

var _ repository.BillingStateRepository = (*billingStateRepo)(nil)

type billingStateRepo struct{ pool *pgxpool.Pool }

func NewBillingStateRepo(pool *pgxpool.Pool) *billingStateRepo {
	return &billingStateRepo{pool: pool}
}

const billingStateColumns = `customer_email, plan_id, plan_slug, plan_status, plan_start_date, plan_end_date, auto_renewal, last_order_id, updated_at`

func (r *billingStateRepo) Find(ctx context.Context, tx repository.Tx, customerEmail string) (*model.UserBillingState, error) {
	q := `SELECT ` + billingStateColumns + ` FROM user_billing_states WHERE customer_email=$1`
	if _, isTx := tx.(pgx.Tx); isTx {
		q += " FOR UPDATE"
	}
	q += ";"
	row, err := pickRow(ctx, r.pool, tx, q, customerEmail)
	if err != nil {
		return nil, err
	}

	st := &model.UserBillingState{}
	if err := row.Scan(&st.CustomerEmail, &st.PlanID, &st.PlanSlug, &st.PlanStatus,
		&st.PlanStartDate, &st.PlanEndDate, &st.AutoRenewal, &st.LastOrderID, &st.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return st, nil
}

func (r *billingStateRepo) Upsert(ctx context.Context, tx repository.Tx, st *model.UserBillingState) error {
	const q = `
INSERT INTO user_billing_states (` + billingStateColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (customer_email) DO UPDATE SET
  plan_id=$2, plan_slug=$3, plan_status=$4, plan_start_date=$5,
  plan_end_date=$6, auto_renewal=$7, last_order_id=$8, updated_at=$9;`

	_, err := execSQL(ctx, r.pool, tx, q,
		st.CustomerEmail, st.PlanID, st.PlanSlug, st.PlanStatus,
		st.PlanStartDate, st.PlanEndDate, st.AutoRenewal, st.LastOrderID, st.UpdatedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}
