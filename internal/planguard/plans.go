package planguard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoActivePlan means the tenant has no active plan row. Admission
// treats it the same as a pack-type violation: the tenant cannot run
// anything.
var ErrNoActivePlan = errors.New("planguard: tenant has no active plan")

// planCacheTTL bounds how stale a cached plan may be. Plan changes are
// rare ops actions; thirty seconds of staleness is invisible next to
// the rate-limit window.
const planCacheTTL = 30 * time.Second

type cachedPlan struct {
	plan      *Plan
	fetchedAt time.Time
}

// SQLPlans loads active plans from Postgres with a small in-process
// TTL cache, one entry per tenant.
type SQLPlans struct {
	db    *sql.DB
	nowFn func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPlan
}

// NewSQLPlans creates the production PlanSource.
func NewSQLPlans(db *sql.DB) *SQLPlans {
	return &SQLPlans{
		db:    db,
		nowFn: time.Now,
		cache: make(map[string]cachedPlan),
	}
}

// ActivePlan returns the tenant's single active plan.
func (s *SQLPlans) ActivePlan(ctx context.Context, tenantID string) (*Plan, error) {
	now := s.nowFn()

	s.mu.Lock()
	if entry, ok := s.cache[tenantID]; ok && now.Sub(entry.fetchedAt) < planCacheTTL {
		s.mu.Unlock()
		return entry.plan, nil
	}
	s.mu.Unlock()

	const q = `
		SELECT p.plan_id, p.name, p.features_json, p.limits_json,
		       p.rate_limit_post_per_min, p.rate_limit_get_per_min
		FROM plans p
		JOIN tenant_plans tp ON tp.plan_id = p.plan_id
		WHERE tp.tenant_id = $1 AND tp.status = 'ACTIVE'`

	var (
		plan     Plan
		features []byte
		limits   []byte
	)
	err := s.db.QueryRowContext(ctx, q, tenantID).Scan(
		&plan.PlanID, &plan.Name, &features, &limits,
		&plan.SubmitPerMin, &plan.PollPerMin,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActivePlan
	}
	if err != nil {
		return nil, fmt.Errorf("query active plan: %w", err)
	}

	if err := decodePlanJSON(&plan, features, limits); err != nil {
		return nil, fmt.Errorf("plan %s: %w", plan.PlanID, err)
	}

	s.mu.Lock()
	s.cache[tenantID] = cachedPlan{plan: &plan, fetchedAt: now}
	s.mu.Unlock()

	return &plan, nil
}

func decodePlanJSON(plan *Plan, features, limits []byte) error {
	var f struct {
		AllowedPackTypes []string `json:"allowed_pack_types"`
	}
	if err := json.Unmarshal(features, &f); err != nil {
		return fmt.Errorf("features_json: %w", err)
	}
	plan.AllowedPackTypes = f.AllowedPackTypes

	var l struct {
		PackTypeLimits map[string]struct {
			MaxCostMicros int64 `json:"max_cost_micros"`
		} `json:"pack_type_limits"`
	}
	if err := json.Unmarshal(limits, &l); err != nil {
		return fmt.Errorf("limits_json: %w", err)
	}
	plan.MaxCostMicros = make(map[string]int64, len(l.PackTypeLimits))
	for packType, limit := range l.PackTypeLimits {
		plan.MaxCostMicros[packType] = limit.MaxCostMicros
	}
	return nil
}
