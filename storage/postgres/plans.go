package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// PlanCatalog implements ledger.PlanCatalog over the plans table
type PlanCatalog struct {
	pool *pgxpool.Pool
}

var _ ledger.PlanCatalog = (*PlanCatalog)(nil)

// NewPlanCatalog creates a catalog on pool
func NewPlanCatalog(pool *pgxpool.Pool) *PlanCatalog {
	return &PlanCatalog{pool: pool}
}

// UpsertPlan creates or replaces a plan
func (c *PlanCatalog) UpsertPlan(ctx context.Context, p ledger.Plan) error {
	if p.ID == "" {
		return fmt.Errorf("plan id is required")
	}
	_, err := c.pool.Exec(ctx,
		`INSERT INTO plans (id, name, external_price_id) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, external_price_id = EXCLUDED.external_price_id`,
		p.ID, p.Name, nullString(p.ExternalPriceID))
	if err != nil {
		return fmt.Errorf("failed to upsert plan: %w", err)
	}
	return nil
}

// PlanByID implements ledger.PlanCatalog
func (c *PlanCatalog) PlanByID(ctx context.Context, id string) (*ledger.Plan, error) {
	return c.one(ctx, `WHERE id = $1`, id)
}

// PlanByPriceID implements ledger.PlanCatalog
func (c *PlanCatalog) PlanByPriceID(ctx context.Context, priceID string) (*ledger.Plan, error) {
	if priceID == "" {
		return nil, ledger.ErrPlanNotFound
	}
	return c.one(ctx, `WHERE external_price_id = $1`, priceID)
}

func (c *PlanCatalog) one(ctx context.Context, where, arg string) (*ledger.Plan, error) {
	var p ledger.Plan
	var priceID *string
	err := c.pool.QueryRow(ctx, `SELECT id, name, external_price_id FROM plans `+where, arg).Scan(&p.ID, &p.Name, &priceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	if priceID != nil {
		p.ExternalPriceID = *priceID
	}
	return &p, nil
}
