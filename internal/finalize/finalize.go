// Package finalize implements the two-phase exactly-once terminal
// transition for runs.
//
// Phase A (claim) is a pure database CAS: it grants one actor — worker,
// reaper, or reconciler — the exclusive right to finish the run. No side
// effect is allowed before a won claim. Phase B (commit) settles the
// ledger and then writes the terminal row under the claim token.
//
// The dangerous window is between settle and commit: the ledger has
// moved but the row still says CLAIMED. The settle script writes a
// receipt atomically with consumption of the reservation, so the
// reconciler can always prove whether money moved. Nothing in this
// package ever retries a settle; a worker that loses track of where it
// was stops, and the reconciler converges the row from the receipt.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/packforge/dpp/internal/ledger"
	"github.com/packforge/dpp/internal/metrics"
	"github.com/packforge/dpp/internal/money"
	"github.com/packforge/dpp/internal/runstore"
)

// Reason codes recorded on failed terminal runs.
const (
	ReasonPackExecutionFailed      = "PACK_EXECUTION_FAILED"
	ReasonWorkerTimeout            = "WORKER_TIMEOUT"
	ReasonWorkerCrashDuringFinal   = "WORKER_CRASH_DURING_FINALIZE"
	ReasonNoSettlementReceipt      = "NO_SETTLEMENT_RECEIPT"
	ReasonQueueEnqueueFailed       = "QUEUE_ENQUEUE_FAILED"
	ReasonInsufficientBudget       = "INSUFFICIENT_BUDGET"
	ReasonAdmissionVersionConflict = "ADMISSION_VERSION_CONFLICT"
)

// ErrNoReserve reports that a commit found the reservation already gone.
// The caller must stop immediately: the receipt, not a retry, decides
// what actually happened, and reading it is the reconciler's job.
var ErrNoReserve = errors.New("finalize: reservation gone, recovery belongs to the reconciler")

// RunStore is the slice of the run repository the protocol mutates
// through. *runstore.Store satisfies it.
type RunStore interface {
	UpdateIf(ctx context.Context, runID, tenantID string, expectedVersion int64, set runstore.Changes, require runstore.Conditions) (bool, error)
}

// Ledger settles reservations. *ledger.Ledger satisfies it.
type Ledger interface {
	Settle(ctx context.Context, tenantID, runID string, requestedChargeMicros int64) (*ledger.SettleResult, error)
}

// UsageRecorder rolls a terminal run into the tenant's daily totals.
type UsageRecorder interface {
	RecordCompletion(ctx context.Context, tenantID string, day time.Time, success bool, actualMicros, reservedMicros int64) error
}

// Protocol runs two-phase finalization. Safe for concurrent use.
type Protocol struct {
	runs  RunStore
	money Ledger
	usage UsageRecorder
	log   zerolog.Logger

	nowFn    func() time.Time
	newToken func() string
}

// New wires a Protocol. usage may be nil for paths that must not touch
// rollups (none in production; some tests).
func New(runs RunStore, money Ledger, usage UsageRecorder, logger zerolog.Logger) *Protocol {
	return &Protocol{
		runs:     runs,
		money:    money,
		usage:    usage,
		log:      logger.With().Str("component", "finalize").Logger(),
		nowFn:    time.Now,
		newToken: uuid.NewString,
	}
}

// Identity is the predicate that proves the claimant's right to
// finalize: a worker proves it still holds the lease, a reaper proves
// the lease is dead.
type Identity interface {
	conditions(now time.Time) runstore.Conditions
	name() string
}

// WorkerIdentity claims on behalf of the worker holding the lease.
type WorkerIdentity struct{ LeaseToken string }

func (w WorkerIdentity) conditions(time.Time) runstore.Conditions {
	return runstore.Conditions{"lease_token": w.LeaseToken}
}
func (WorkerIdentity) name() string { return "worker" }

// ExpiredLeaseIdentity claims on behalf of the reaper: nobody may hold
// a live lease on the run.
type ExpiredLeaseIdentity struct{}

func (ExpiredLeaseIdentity) conditions(now time.Time) runstore.Conditions {
	return runstore.Conditions{"lease_expires_at": runstore.Before{Time: now}}
}
func (ExpiredLeaseIdentity) name() string { return "reaper" }

// ClaimOutcome is the result of Phase A. Lost claims are expected under
// contention and carry no token.
type ClaimOutcome struct {
	Won     bool
	Token   string
	Version int64
}

// Claim attempts Phase A against the caller's snapshot of the run. At
// most one actor wins for a given run: the version check plus the
// finalize_stage IS NULL predicate make the CAS exclusive.
func (p *Protocol) Claim(ctx context.Context, run *runstore.Run, identity Identity) (ClaimOutcome, error) {
	now := p.nowFn()
	token := p.newToken()

	require := runstore.Conditions{
		"status":         runstore.StatusProcessing,
		"finalize_stage": nil,
	}
	for col, val := range identity.conditions(now) {
		require[col] = val
	}

	won, err := p.runs.UpdateIf(ctx, run.RunID, run.TenantID, run.Version,
		runstore.Changes{
			"finalize_stage":      runstore.StageClaimed,
			"finalize_token":      token,
			"finalize_claimed_at": now,
		},
		require,
	)
	if err != nil {
		return ClaimOutcome{}, fmt.Errorf("claim run %s: %w", run.RunID, err)
	}
	if !won {
		metrics.ClaimRacesLost.Inc()
		p.log.Debug().
			Str("run_id", run.RunID).
			Str("identity", identity.name()).
			Int64("expected_version", run.Version).
			Msg("finalize claim lost")
		return ClaimOutcome{}, nil
	}

	p.log.Debug().
		Str("run_id", run.RunID).
		Str("identity", identity.name()).
		Str("finalize_token", token).
		Msg("finalize claim won")

	return ClaimOutcome{Won: true, Token: token, Version: run.Version + 1}, nil
}

// ResumeClaim reconstructs the claim held by a stuck CLAIMED run so the
// reconciler can commit under the original token.
func ResumeClaim(run *runstore.Run) (ClaimOutcome, error) {
	if run.FinalizeStage == nil || *run.FinalizeStage != runstore.StageClaimed || run.FinalizeToken == nil {
		return ClaimOutcome{}, fmt.Errorf("run %s is not mid-claim", run.RunID)
	}
	return ClaimOutcome{Won: true, Token: *run.FinalizeToken, Version: run.Version}, nil
}

// Result points at a durably uploaded artifact.
type Result struct {
	Bucket string
	Key    string
	SHA256 string
}

// Terminal describes the terminal row a commit writes.
type Terminal struct {
	Status       runstore.Status
	MoneyState   runstore.MoneyState // zero value means SETTLED
	ChargeMicros int64
	Result       *Result
	ReasonCode   string
	Detail       string
}

// Commit runs Phase B: settle the ledger for the (clamped) charge, then
// write the terminal row under the claim token. Returns false when the
// final CAS found the claim already resolved by someone else.
//
// If settle succeeds and the process dies before the row write, the run
// stays CLAIMED with a receipt in the ledger; the reconciler's Case B
// converges it. That is by far the most important failure mode in the
// system and the reason this method never retries anything.
func (p *Protocol) Commit(ctx context.Context, run *runstore.Run, claim ClaimOutcome, t Terminal) (bool, error) {
	if !claim.Won {
		return false, errors.New("finalize: commit without a won claim")
	}

	charge := money.Clamp(t.ChargeMicros, run.ReservationMaxCostMicros)

	settled, err := p.money.Settle(ctx, run.TenantID, run.RunID, charge)
	if err != nil {
		return false, fmt.Errorf("settle run %s: %w", run.RunID, err)
	}
	if settled.Code == ledger.SettleNoReserve {
		return false, fmt.Errorf("settle run %s: %w", run.RunID, ErrNoReserve)
	}

	t.ChargeMicros = settled.ChargedMicros
	committed, err := p.CommitSettled(ctx, run, claim, t)
	if err != nil {
		return false, err
	}

	p.log.Info().
		Str("run_id", run.RunID).
		Str("tenant_id", run.TenantID).
		Str("status", string(t.Status)).
		Int64("charged_micros", settled.ChargedMicros).
		Int64("refunded_micros", settled.RefundedMicros).
		Bool("committed", committed).
		Msg("run settled")

	return committed, nil
}

// CommitSettled writes the terminal row without touching the ledger.
// Used by Commit after its settle, and directly by the reconciler when
// the ledger already moved (receipt present) or must not move (audit).
// The CAS is guarded, not forced: a run already committed by another
// recovery path is skipped, reported as false.
func (p *Protocol) CommitSettled(ctx context.Context, run *runstore.Run, claim ClaimOutcome, t Terminal) (bool, error) {
	if !claim.Won {
		return false, errors.New("finalize: commit without a won claim")
	}
	if !t.Status.Terminal() {
		return false, fmt.Errorf("finalize: %s is not a terminal status", t.Status)
	}

	moneyState := t.MoneyState
	if moneyState == "" {
		moneyState = runstore.MoneySettled
	}

	now := p.nowFn()
	set := runstore.Changes{
		"status":             t.Status,
		"money_state":        moneyState,
		"actual_cost_micros": t.ChargeMicros,
		"finalize_stage":     runstore.StageCommitted,
		"completed_at":       now,
	}
	if t.Result != nil {
		set["result_bucket"] = t.Result.Bucket
		set["result_key"] = t.Result.Key
		set["result_sha256"] = t.Result.SHA256
	}
	if t.ReasonCode != "" {
		set["last_error_reason_code"] = t.ReasonCode
		set["last_error_detail"] = t.Detail
	}

	committed, err := p.runs.UpdateIf(ctx, run.RunID, run.TenantID, claim.Version, set,
		runstore.Conditions{
			"finalize_token": claim.Token,
			"finalize_stage": runstore.StageClaimed,
		},
	)
	if err != nil {
		return false, fmt.Errorf("commit run %s: %w", run.RunID, err)
	}
	if !committed {
		p.log.Warn().
			Str("run_id", run.RunID).
			Str("finalize_token", claim.Token).
			Msg("terminal commit lost its CAS, run already resolved")
		return false, nil
	}

	p.recordUsage(ctx, run, t, now)
	return true, nil
}

// Failure finalizes a run whose execution failed, charging the minimum
// fee. Claim and commit in one call; the worker still holds its lease.
// A lost claim returns (false, nil): someone else already finished it.
func (p *Protocol) Failure(ctx context.Context, run *runstore.Run, reasonCode, detail string) (bool, error) {
	if run.LeaseToken == nil {
		return false, fmt.Errorf("finalize failure for %s: run has no lease", run.RunID)
	}

	claim, err := p.Claim(ctx, run, WorkerIdentity{LeaseToken: *run.LeaseToken})
	if err != nil || !claim.Won {
		return false, err
	}

	committed, err := p.Commit(ctx, run, claim, Terminal{
		Status:       runstore.StatusFailed,
		ChargeMicros: run.MinimumFeeMicros,
		ReasonCode:   reasonCode,
		Detail:       detail,
	})
	if committed {
		metrics.FinalizeCommitsTotal.WithLabelValues("failure").Inc()
	}
	return committed, err
}

// Timeout finalizes a run whose lease expired, charging the minimum
// fee. Only callable once the lease is dead; the temporal predicate in
// the claim re-checks that under CAS, so a worker that came back to
// life in the meantime wins instead.
func (p *Protocol) Timeout(ctx context.Context, run *runstore.Run) (bool, error) {
	claim, err := p.Claim(ctx, run, ExpiredLeaseIdentity{})
	if err != nil || !claim.Won {
		return false, err
	}

	committed, err := p.Commit(ctx, run, claim, Terminal{
		Status:       runstore.StatusTimedOut,
		ChargeMicros: run.MinimumFeeMicros,
		ReasonCode:   ReasonWorkerTimeout,
		Detail:       "lease expired without a finalize from the owning worker",
	})
	if committed {
		metrics.FinalizeCommitsTotal.WithLabelValues("timeout").Inc()
	}
	return committed, err
}

// recordUsage rolls the terminal run into daily usage. Rollup errors are
// logged and swallowed: usage is reporting, and reporting must never
// unwind a committed finalize.
func (p *Protocol) recordUsage(ctx context.Context, run *runstore.Run, t Terminal, now time.Time) {
	if p.usage == nil {
		return
	}
	success := t.Status == runstore.StatusCompleted
	day := now.UTC().Truncate(24 * time.Hour)
	if err := p.usage.RecordCompletion(ctx, run.TenantID, day, success, t.ChargeMicros, run.ReservationMaxCostMicros); err != nil {
		p.log.Warn().
			Err(err).
			Str("run_id", run.RunID).
			Str("tenant_id", run.TenantID).
			Msg("usage rollup failed after commit")
	}
}
