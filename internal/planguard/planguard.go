// Package planguard enforces what a tenant's plan lets it do: which
// pack types it may run, how expensive a single run may be, and how
// fast it may hit the API.
//
// Rate limiting is an INCR-first fixed window on the fast store. The
// counter is incremented before the limit is read, so two racing
// requests can never both observe "room left" and both pass; the loser
// of the race sees a value over the limit and rolls its increment back.
package planguard

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/packforge/dpp/internal/config"
	"github.com/packforge/dpp/internal/metrics"
)

// Violation is a plan rule rejecting a request. The API layer renders
// it as an RFC 9457 problem with v.StatusCode.
type Violation struct {
	StatusCode int
	Code       string
	Title      string
	Detail     string

	// RetryAfter is set only for rate-limit violations.
	RetryAfter time.Duration
}

func (v *Violation) Error() string {
	return fmt.Sprintf("plan violation (%d %s): %s", v.StatusCode, v.Code, v.Detail)
}

// RateSnapshot feeds the X-RateLimit-* response headers.
type RateSnapshot struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Plan is a tenant's active plan, decoded from the plans row.
type Plan struct {
	PlanID           string
	Name             string
	AllowedPackTypes []string
	MaxCostMicros    map[string]int64
	SubmitPerMin     int
	PollPerMin       int
}

// Allows reports whether the plan permits a pack type at all.
func (p *Plan) Allows(packType string) bool {
	for _, t := range p.AllowedPackTypes {
		if t == packType {
			return true
		}
	}
	return false
}

// PlanSource resolves a tenant's active plan. SQLPlans is the
// production implementation.
type PlanSource interface {
	ActivePlan(ctx context.Context, tenantID string) (*Plan, error)
}

// RateStore is the slice of the fast store the rate counter uses. A
// *redis.Client satisfies it.
type RateStore interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Decr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// Guard enforces plan rules. Safe for concurrent use.
type Guard struct {
	kv    RateStore
	plans PlanSource
	log   zerolog.Logger
	nowFn func() time.Time
}

// New wires a Guard.
func New(kv RateStore, plans PlanSource, logger zerolog.Logger) *Guard {
	return &Guard{
		kv:    kv,
		plans: plans,
		log:   logger.With().Str("component", "planguard").Logger(),
		nowFn: time.Now,
	}
}

// EnforceSubmit runs every admission-time plan check in order: submit
// rate, pack-type allow-list, reservation floor, per-pack ceiling. The
// returned snapshot is valid even when the error is a *Violation, so
// rejected responses still carry rate headers.
func (g *Guard) EnforceSubmit(ctx context.Context, tenantID, packType string, reservedMicros int64) (*RateSnapshot, error) {
	plan, err := g.plans.ActivePlan(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load plan for %s: %w", tenantID, err)
	}

	snap, err := g.checkRate(ctx, "post", tenantID, plan.SubmitPerMin)
	if err != nil {
		return snap, err
	}

	if !plan.Allows(packType) {
		return snap, &Violation{
			StatusCode: 400,
			Code:       "pack-type-not-allowed",
			Title:      "Pack type not allowed",
			Detail:     fmt.Sprintf("pack type %q is not included in plan %s", packType, plan.Name),
		}
	}

	if reservedMicros < config.MinReservationMicros {
		return snap, &Violation{
			StatusCode: 400,
			Code:       "reservation-below-minimum",
			Title:      "Reservation below platform minimum",
			Detail:     fmt.Sprintf("reservation must be at least %d micros", int64(config.MinReservationMicros)),
		}
	}

	if ceiling, ok := plan.MaxCostMicros[packType]; ok && reservedMicros > ceiling {
		return snap, &Violation{
			StatusCode: 402,
			Code:       "reservation-exceeds-plan-ceiling",
			Title:      "Reservation exceeds plan ceiling",
			Detail:     fmt.Sprintf("plan %s caps %q at %d micros per run", plan.Name, packType, ceiling),
		}
	}

	return snap, nil
}

// EnforcePoll applies the polling rate ceiling for GET /v1/runs.
func (g *Guard) EnforcePoll(ctx context.Context, tenantID string) (*RateSnapshot, error) {
	plan, err := g.plans.ActivePlan(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load plan for %s: %w", tenantID, err)
	}
	return g.checkRate(ctx, "get", tenantID, plan.PollPerMin)
}

// checkRate is the INCR-first fixed-window counter. The increment
// happens before the limit test on purpose; check-then-set would let
// concurrent requests slip past the ceiling.
func (g *Guard) checkRate(ctx context.Context, scope, tenantID string, limit int) (*RateSnapshot, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", scope, tenantID)

	n, err := g.kv.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("rate counter incr %s: %w", key, err)
	}
	if n == 1 {
		if err := g.kv.Expire(ctx, key, config.RateLimitWindow).Err(); err != nil {
			return nil, fmt.Errorf("rate counter expire %s: %w", key, err)
		}
	}

	ttl, err := g.kv.TTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("rate counter ttl %s: %w", key, err)
	}
	if ttl < 0 {
		// Counter without expiry (lost the race to set it, or manual
		// key surgery); the full window is the safe hint.
		ttl = config.RateLimitWindow
	}
	reset := g.nowFn().Add(ttl)

	if n > int64(limit) {
		if err := g.kv.Decr(ctx, key).Err(); err != nil {
			// Roll-back failed: the slot stays burned until the window
			// expires. Worth a warning, not a request failure.
			g.log.Warn().Err(err).Str("key", key).Msg("rate counter rollback failed")
		}
		metrics.RateLimitRejectsTotal.WithLabelValues(scope).Inc()
		return &RateSnapshot{Limit: limit, Remaining: 0, Reset: reset}, &Violation{
			StatusCode: 429,
			Code:       "rate-limit-exceeded",
			Title:      "Rate limit exceeded",
			Detail:     fmt.Sprintf("limit is %d requests per %s", limit, config.RateLimitWindow),
			RetryAfter: ttl,
		}
	}

	remaining := limit - int(n)
	if remaining < 0 {
		remaining = 0
	}
	return &RateSnapshot{Limit: limit, Remaining: remaining, Reset: reset}, nil
}
