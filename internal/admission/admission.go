// Package admission turns a POST /v1/runs into a queued, funded run.
//
// The order of operations is the whole design: idempotency lookup, plan
// enforcement, run row at version 0, ledger reserve, flip to RESERVED,
// enqueue. Each step that can fail after money moved has a compensation
// path, and the one compensation that can itself fail (refund after a
// dead queue) deliberately leaves the reservation to its TTL where the
// audit job will flag it — admission never invents money movement to
// paper over an outage.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/packforge/dpp/internal/config"
	"github.com/packforge/dpp/internal/finalize"
	"github.com/packforge/dpp/internal/ledger"
	"github.com/packforge/dpp/internal/metrics"
	"github.com/packforge/dpp/internal/money"
	"github.com/packforge/dpp/internal/planguard"
	"github.com/packforge/dpp/internal/queue"
	"github.com/packforge/dpp/internal/runstore"
)

// ErrIdempotencyConflict reports a reused Idempotency-Key with a
// different payload. The API maps it to 409.
var ErrIdempotencyConflict = errors.New("admission: idempotency key reused with a different payload")

// InsufficientBudgetError reports a reserve the balance could not cover.
// The API maps it to 402.
type InsufficientBudgetError struct {
	BalanceMicros   int64
	RequestedMicros int64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("admission: insufficient budget: balance %d micros, requested %d micros",
		e.BalanceMicros, e.RequestedMicros)
}

// RunStore is the slice of the run repository admission uses.
type RunStore interface {
	Create(ctx context.Context, run *runstore.Run) error
	GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*runstore.Run, error)
	UpdateIf(ctx context.Context, runID, tenantID string, expectedVersion int64, set runstore.Changes, require runstore.Conditions) (bool, error)
}

// Ledger is the money operations admission uses.
type Ledger interface {
	Reserve(ctx context.Context, tenantID, runID string, amountMicros int64) (*ledger.ReserveResult, error)
	RefundFull(ctx context.Context, tenantID, runID string) (*ledger.RefundResult, error)
}

// Guard enforces the tenant's plan.
type Guard interface {
	EnforceSubmit(ctx context.Context, tenantID, packType string, reservedMicros int64) (*planguard.RateSnapshot, error)
}

// Queue enqueues the job for the workers.
type Queue interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

// Submission is a validated run request. PayloadHash is the canonical
// hash of the raw request body, computed by the API layer.
type Submission struct {
	TenantID            string
	IdempotencyKey      string
	PackType            string
	Inputs              json.RawMessage
	MaxCostMicros       int64
	TimeboxSec          int
	MinReliabilityScore float64
	TraceID             string
	PayloadHash         string
}

// Receipt is what a successful (or replayed) admission returns. Rate is
// set whenever the plan guard ran, including on violations, so the API
// can always emit rate headers.
type Receipt struct {
	Run      *runstore.Run
	Replayed bool
	Rate     *planguard.RateSnapshot
}

// Service admits runs. Safe for concurrent use.
type Service struct {
	runs  RunStore
	money Ledger
	guard Guard
	queue Queue
	log   zerolog.Logger

	nowFn func() time.Time
	newID func() string
}

// New wires an admission Service.
func New(runs RunStore, money Ledger, guard Guard, q Queue, logger zerolog.Logger) *Service {
	return &Service{
		runs:  runs,
		money: money,
		guard: guard,
		queue: q,
		log:   logger.With().Str("component", "admission").Logger(),
		nowFn: time.Now,
		newID: func() string { return "run_" + uuid.NewString() },
	}
}

// Submit runs the admission algorithm. The loop handles exactly one
// race: two requests with the same fresh idempotency key both miss the
// lookup and both insert; the loser's unique violation sends it back to
// the lookup, where it finds the winner's row and replays it.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.runs.GetByIdempotencyKey(ctx, sub.TenantID, sub.IdempotencyKey)
		if err != nil && !errors.Is(err, runstore.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			if existing.PayloadHash != sub.PayloadHash {
				metrics.AdmissionsTotal.WithLabelValues("conflict").Inc()
				return nil, ErrIdempotencyConflict
			}
			metrics.AdmissionsTotal.WithLabelValues("replayed").Inc()
			s.log.Debug().
				Str("run_id", existing.RunID).
				Str("tenant_id", sub.TenantID).
				Msg("idempotent replay")
			return &Receipt{Run: existing, Replayed: true}, nil
		}

		receipt, retry, err := s.admit(ctx, sub)
		if retry {
			continue
		}
		return receipt, err
	}
	return nil, errors.New("admission: idempotency race did not converge")
}

// admit performs one pass of steps 3-7. retry=true means a concurrent
// racer won the unique index and the caller should go back to lookup.
func (s *Service) admit(ctx context.Context, sub Submission) (receipt *Receipt, retry bool, err error) {
	rate, err := s.guard.EnforceSubmit(ctx, sub.TenantID, sub.PackType, sub.MaxCostMicros)
	if err != nil {
		var violation *planguard.Violation
		if errors.As(err, &violation) {
			metrics.AdmissionsTotal.WithLabelValues("plan_violation").Inc()
			return &Receipt{Rate: rate}, false, err
		}
		return nil, false, err
	}

	now := s.nowFn()
	retention := now.Add(config.RetentionDays * 24 * time.Hour)
	run := &runstore.Run{
		RunID:                    s.newID(),
		TenantID:                 sub.TenantID,
		PackType:                 sub.PackType,
		Status:                   runstore.StatusQueued,
		MoneyState:               runstore.MoneyNone,
		Version:                  0,
		IdempotencyKey:           &sub.IdempotencyKey,
		PayloadHash:              sub.PayloadHash,
		ReservationMaxCostMicros: sub.MaxCostMicros,
		MinimumFeeMicros:         money.MinimumFee(sub.MaxCostMicros),
		TimeboxSec:               sub.TimeboxSec,
		MinReliabilityScore:      sub.MinReliabilityScore,
		Inputs:                   sub.Inputs,
		RetentionUntil:           &retention,
	}
	if sub.TraceID != "" {
		run.TraceID = &sub.TraceID
	}

	if err := s.runs.Create(ctx, run); err != nil {
		if errors.Is(err, runstore.ErrDuplicateIdempotencyKey) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("create run: %w", err)
	}

	reserved, err := s.money.Reserve(ctx, sub.TenantID, run.RunID, sub.MaxCostMicros)
	if err != nil {
		// Reserve state unknown (the reply was lost, or the script
		// never ran). The row stays QUEUED/NONE and unfunded; workers
		// refuse it, the reservation TTL and audit cover the rest.
		return nil, false, fmt.Errorf("reserve: %w", err)
	}

	switch reserved.Code {
	case ledger.ReserveInsufficient:
		s.abandonRun(ctx, run, 0, finalize.ReasonInsufficientBudget)
		metrics.AdmissionsTotal.WithLabelValues("insufficient").Inc()
		return &Receipt{Rate: rate}, false, &InsufficientBudgetError{
			BalanceMicros:   reserved.BalanceMicros,
			RequestedMicros: sub.MaxCostMicros,
		}

	case ledger.ReserveAlreadyReserved:
		// A reservation under a brand-new run id means a previous
		// attempt's reply was lost. Do not touch it; it funds exactly
		// this run, so continue as if this reserve had succeeded.
		s.log.Warn().
			Str("run_id", run.RunID).
			Msg("reservation already present for fresh run, continuing")
	}

	ok, err := s.runs.UpdateIf(ctx, run.RunID, sub.TenantID, 0,
		runstore.Changes{"money_state": runstore.MoneyReserved}, nil)
	if err != nil || !ok {
		// Nothing else may touch a version-0 run; a lost CAS here means
		// state we do not understand. Give the money back and fail.
		s.compensate(ctx, run, 1, finalize.ReasonAdmissionVersionConflict)
		if err == nil {
			err = fmt.Errorf("admission: version conflict funding run %s", run.RunID)
		}
		return nil, false, err
	}
	run.MoneyState = runstore.MoneyReserved
	run.Version = 1

	msg := queue.Message{
		RunID:         run.RunID,
		TenantID:      sub.TenantID,
		PackType:      sub.PackType,
		EnqueuedAt:    now,
		SchemaVersion: queue.SchemaVersion,
		TraceID:       sub.TraceID,
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		s.compensate(ctx, run, 1, finalize.ReasonQueueEnqueueFailed)
		metrics.AdmissionsTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("enqueue run %s: %w", run.RunID, err)
	}

	metrics.AdmissionsTotal.WithLabelValues("accepted").Inc()
	s.log.Info().
		Str("run_id", run.RunID).
		Str("tenant_id", sub.TenantID).
		Str("pack_type", sub.PackType).
		Int64("reserved_micros", sub.MaxCostMicros).
		Int64("minimum_fee_micros", run.MinimumFeeMicros).
		Msg("run admitted")

	return &Receipt{Run: run, Rate: rate}, false, nil
}

// compensate refunds the reservation and abandons the run. If the
// refund itself fails there is nothing safe left to do automatically:
// log loudly and let the reservation TTL plus the audit job surface it.
func (s *Service) compensate(ctx context.Context, run *runstore.Run, expectedVersion int64, reason string) {
	refunded, err := s.money.RefundFull(ctx, run.TenantID, run.RunID)
	if err != nil {
		s.log.Error().
			Err(err).
			Str("run_id", run.RunID).
			Str("tenant_id", run.TenantID).
			Str("reason", reason).
			Msg("compensation refund failed, reservation left to TTL for audit")
	} else if refunded.Code == ledger.RefundNoReserve {
		s.log.Warn().
			Str("run_id", run.RunID).
			Msg("compensation found no reservation to refund")
	}
	s.abandonRun(ctx, run, expectedVersion, reason)
}

// abandonRun flips a never-executed run to FAILED/REFUNDED. Best
// effort: a lost CAS here leaves a QUEUED row that no worker will fund.
func (s *Service) abandonRun(ctx context.Context, run *runstore.Run, expectedVersion int64, reason string) {
	ok, err := s.runs.UpdateIf(ctx, run.RunID, run.TenantID, expectedVersion,
		runstore.Changes{
			"status":                 runstore.StatusFailed,
			"money_state":            runstore.MoneyRefunded,
			"finalize_stage":         runstore.StageCommitted,
			"last_error_reason_code": reason,
			"completed_at":           s.nowFn(),
		}, nil)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", run.RunID).Msg("abandon run failed")
	} else if !ok {
		s.log.Warn().Str("run_id", run.RunID).Msg("abandon run lost its CAS")
	}
}
