// Package reconciler converges runs stuck mid-finalize.
//
// A run sitting in CLAIMED past the stuck threshold means its finalizer
// died somewhere between claim and commit. The ledger decides what to do:
// the settle script writes its receipt atomically with consumption of
// the reservation, so exactly one of three worlds is true.
//
//	Case A — reservation live, no receipt: money never moved. Settle now,
//	forward to COMPLETED when the artifact made it to storage, back to
//	FAILED for the minimum fee when it did not.
//
//	Case B — receipt present: money moved, only the row write was lost.
//	Re-commit the row for the receipted charge without touching money.
//
//	Case C — neither: the reservation expired unsettled. Close the row
//	as AUDIT_REQUIRED with a zero charge. The reconciler never invents
//	a charge it cannot prove.
//
// All row writes go through the original claim token, so a worker that
// wakes up late loses its CAS instead of double-finalizing.
package reconciler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/packforge/dpp/internal/config"
	"github.com/packforge/dpp/internal/finalize"
	"github.com/packforge/dpp/internal/ledger"
	"github.com/packforge/dpp/internal/metrics"
	"github.com/packforge/dpp/internal/objstore"
	"github.com/packforge/dpp/internal/runstore"
)

// RunStore lists stuck claims. *runstore.Store satisfies it.
type RunStore interface {
	ListStuckClaimed(ctx context.Context, olderThan time.Time, limit int) ([]*runstore.Run, error)
}

// Ledger reads money state. *ledger.Ledger satisfies it.
type Ledger interface {
	GetReservation(ctx context.Context, runID string) (*ledger.Reservation, error)
	GetReceipt(ctx context.Context, runID string) (*ledger.Receipt, error)
}

// Finalizer commits terminal rows. *finalize.Protocol satisfies it.
type Finalizer interface {
	Commit(ctx context.Context, run *runstore.Run, claim finalize.ClaimOutcome, t finalize.Terminal) (bool, error)
	CommitSettled(ctx context.Context, run *runstore.Run, claim finalize.ClaimOutcome, t finalize.Terminal) (bool, error)
}

// ArtifactStore checks whether a result envelope was durably uploaded.
// *objstore.S3Store satisfies it.
type ArtifactStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Metadata(ctx context.Context, key string) (map[string]string, error)
}

// Reconciler periodically recovers stuck finalizes.
type Reconciler struct {
	runs      RunStore
	money     Ledger
	finalizer Finalizer
	artifacts ArtifactStore
	bucket    string
	log       zerolog.Logger

	nowFn func() time.Time
}

// New wires a Reconciler.
func New(runs RunStore, money Ledger, fin Finalizer, artifacts ArtifactStore, bucket string, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		runs:      runs,
		money:     money,
		finalizer: fin,
		artifacts: artifacts,
		bucket:    bucket,
		log:       logger.With().Str("component", "reconciler").Logger(),
		nowFn:     time.Now,
	}
}

// Run sweeps on an interval until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", config.ReconcilerInterval).Msg("reconciler started")

	ticker := time.NewTicker(config.ReconcilerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over stuck claims. Per-run failures are
// logged and skipped; the next sweep retries them.
func (r *Reconciler) Sweep(ctx context.Context) {
	cutoff := r.nowFn().Add(-config.ReconcilerStuckAfter)
	runs, err := r.runs.ListStuckClaimed(ctx, cutoff, config.ReconcilerScanLimit)
	if err != nil {
		r.log.Error().Err(err).Msg("stuck claim scan failed")
		return
	}
	if len(runs) == 0 {
		return
	}

	r.log.Warn().Int("candidates", len(runs)).Msg("recovering stuck finalizes")

	for _, run := range runs {
		if err := r.Reconcile(ctx, run); err != nil {
			r.log.Error().Err(err).
				Str("run_id", run.RunID).
				Str("tenant_id", run.TenantID).
				Msg("reconcile failed, will retry next sweep")
		}
	}
}

// Reconcile converges one stuck run.
func (r *Reconciler) Reconcile(ctx context.Context, run *runstore.Run) error {
	log := r.log.With().Str("run_id", run.RunID).Str("tenant_id", run.TenantID).Logger()

	claim, err := finalize.ResumeClaim(run)
	if err != nil {
		// The scan raced a late commit; nothing left to recover.
		log.Debug().Err(err).Msg("run no longer mid-claim")
		return nil
	}

	receipt, err := r.money.GetReceipt(ctx, run.RunID)
	if err != nil {
		return err
	}
	if receipt != nil {
		return r.commitFromReceipt(ctx, run, claim, receipt, log)
	}

	reservation, err := r.money.GetReservation(ctx, run.RunID)
	if err != nil {
		return err
	}
	if reservation != nil {
		return r.settleLiveReservation(ctx, run, claim, log)
	}

	return r.closeUnsettled(ctx, run, claim, log)
}

// settleLiveReservation is Case A: the claim crashed before its settle.
// Artifact present means the work finished; settle for the uploaded cost
// and complete. Artifact absent means the worker died mid-flight; settle
// for the minimum fee and fail.
func (r *Reconciler) settleLiveReservation(ctx context.Context, run *runstore.Run, claim finalize.ClaimOutcome, log zerolog.Logger) error {
	key := objstore.ArtifactKey(run.TenantID, run.RunID, run.CreatedAt)
	exists, err := r.artifacts.Exists(ctx, key)
	if err != nil {
		return err
	}

	var (
		terminal finalize.Terminal
		caseName string
	)
	if exists {
		charge, sha, err := r.uploadedCost(ctx, run, key)
		if err != nil {
			return err
		}
		terminal = finalize.Terminal{
			Status:       runstore.StatusCompleted,
			ChargeMicros: charge,
			Result:       &finalize.Result{Bucket: r.bucket, Key: key, SHA256: sha},
		}
		caseName = "roll_forward"
	} else {
		terminal = finalize.Terminal{
			Status:       runstore.StatusFailed,
			ChargeMicros: run.MinimumFeeMicros,
			ReasonCode:   finalize.ReasonWorkerCrashDuringFinal,
			Detail:       "finalize claim crashed before settlement and left no artifact",
		}
		caseName = "roll_back"
	}

	committed, err := r.finalizer.Commit(ctx, run, claim, terminal)
	if errors.Is(err, finalize.ErrNoReserve) {
		// The reservation expired between our read and the settle. The
		// next sweep sees Case B or Case C and closes it from there.
		log.Warn().Msg("reservation expired mid-recovery, deferring to next sweep")
		return nil
	}
	if err != nil {
		return err
	}
	if !committed {
		log.Debug().Msg("recovery commit lost its CAS, run resolved elsewhere")
		return nil
	}

	metrics.ReconcilerCasesTotal.WithLabelValues(caseName).Inc()
	metrics.FinalizeCommitsTotal.WithLabelValues("reconciled").Inc()
	log.Info().
		Str("case", caseName).
		Str("status", string(terminal.Status)).
		Int64("charge_micros", terminal.ChargeMicros).
		Msg("stuck claim recovered")
	return nil
}

// commitFromReceipt is Case B: money already moved, only the terminal
// row write was lost. Re-commit the row for exactly the receipted
// charge; the ledger is not touched again.
func (r *Reconciler) commitFromReceipt(ctx context.Context, run *runstore.Run, claim finalize.ClaimOutcome, receipt *ledger.Receipt, log zerolog.Logger) error {
	key := objstore.ArtifactKey(run.TenantID, run.RunID, run.CreatedAt)
	exists, err := r.artifacts.Exists(ctx, key)
	if err != nil {
		return err
	}

	terminal := finalize.Terminal{ChargeMicros: receipt.ChargedMicros}
	if exists {
		_, sha, err := r.uploadedCost(ctx, run, key)
		if err != nil {
			return err
		}
		terminal.Status = runstore.StatusCompleted
		terminal.Result = &finalize.Result{Bucket: r.bucket, Key: key, SHA256: sha}
	} else {
		terminal.Status = runstore.StatusFailed
		terminal.ReasonCode = finalize.ReasonWorkerCrashDuringFinal
		terminal.Detail = "settlement succeeded but the terminal row write was lost"
	}

	committed, err := r.finalizer.CommitSettled(ctx, run, claim, terminal)
	if err != nil {
		return err
	}
	if !committed {
		log.Debug().Msg("receipt commit lost its CAS, run resolved elsewhere")
		return nil
	}

	metrics.ReconcilerCasesTotal.WithLabelValues("receipt_commit").Inc()
	metrics.FinalizeCommitsTotal.WithLabelValues("reconciled").Inc()
	log.Info().
		Str("status", string(terminal.Status)).
		Int64("charge_micros", receipt.ChargedMicros).
		Msg("stuck claim recovered from receipt")
	return nil
}

// closeUnsettled is Case C: no reservation, no receipt. The hold expired
// without a settle, so the tenant was never charged and charging now
// would be inventing money movement the ledger cannot prove. The row
// closes as AUDIT_REQUIRED for a human to look at.
func (r *Reconciler) closeUnsettled(ctx context.Context, run *runstore.Run, claim finalize.ClaimOutcome, log zerolog.Logger) error {
	committed, err := r.finalizer.CommitSettled(ctx, run, claim, finalize.Terminal{
		Status:       runstore.StatusFailed,
		MoneyState:   runstore.MoneyAuditRequired,
		ChargeMicros: 0,
		ReasonCode:   finalize.ReasonNoSettlementReceipt,
		Detail:       "reservation expired with no settlement receipt",
	})
	if err != nil {
		return err
	}
	if !committed {
		log.Debug().Msg("audit commit lost its CAS, run resolved elsewhere")
		return nil
	}

	metrics.ReconcilerCasesTotal.WithLabelValues("audit_required").Inc()
	metrics.FinalizeCommitsTotal.WithLabelValues("reconciled").Inc()
	log.Error().Msg("stuck claim closed as AUDIT_REQUIRED, manual review needed")
	return nil
}

// uploadedCost reads the charge and digest the worker stamped on the
// artifact. A missing or unreadable cost falls back to the full
// reservation: the work provably finished, and the reservation is the
// ceiling the tenant agreed to.
func (r *Reconciler) uploadedCost(ctx context.Context, run *runstore.Run, key string) (int64, string, error) {
	meta, err := r.artifacts.Metadata(ctx, key)
	if err != nil {
		return 0, "", err
	}

	charge := run.ReservationMaxCostMicros
	if raw, ok := meta[objstore.MetadataActualCost]; ok {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed >= 0 {
			charge = parsed
		}
	}
	return charge, meta[objstore.MetadataSHA256], nil
}
