package memory

import (
	"context"
	"sync"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// PlanCatalog implements ledger.PlanCatalog over a fixed set of plans.
// It can back any store, since plans are reference data.
type PlanCatalog struct {
	mu      sync.RWMutex
	byID    map[string]ledger.Plan
	byPrice map[string]string
}

// NewPlanCatalog creates a catalog seeded with plans
func NewPlanCatalog(plans ...ledger.Plan) *PlanCatalog {
	c := &PlanCatalog{
		byID:    make(map[string]ledger.Plan),
		byPrice: make(map[string]string),
	}
	for _, p := range plans {
		c.Add(p)
	}
	return c
}

// Add registers or replaces a plan
func (c *PlanCatalog) Add(p ledger.Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.byID[p.ID]; ok {
		delete(c.byPrice, old.ExternalPriceID)
	}
	c.byID[p.ID] = p
	if p.ExternalPriceID != "" {
		c.byPrice[p.ExternalPriceID] = p.ID
	}
}

// PlanByID implements ledger.PlanCatalog
func (c *PlanCatalog) PlanByID(ctx context.Context, id string) (*ledger.Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.byID[id]
	if !ok {
		return nil, ledger.ErrPlanNotFound
	}
	return &p, nil
}

// PlanByPriceID implements ledger.PlanCatalog
func (c *PlanCatalog) PlanByPriceID(ctx context.Context, priceID string) (*ledger.Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byPrice[priceID]
	if !ok {
		return nil, ledger.ErrPlanNotFound
	}
	p := c.byID[id]
	return &p, nil
}
