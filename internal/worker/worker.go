// Package worker consumes job messages and executes runs.
//
// One Worker processes one message at a time; a process runs several in
// parallel. Delivery is at-least-once, so every step assumes it may see
// a run some other actor already advanced: the QUEUED→PROCESSING CAS
// elects an owner among duplicate deliveries, and the finalize claim
// elects a finisher among the worker, the reaper and the reconciler.
//
// Message disposal is the subtle part. A message is deleted only when
// the worker knows the run is terminal (its own commit, or a re-read
// showing someone else's). Anything uncertain keeps the message, and
// redelivery plus the supervisors converge it.
package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/packforge/dpp/internal/config"
	"github.com/packforge/dpp/internal/finalize"
	"github.com/packforge/dpp/internal/metrics"
	"github.com/packforge/dpp/internal/objstore"
	"github.com/packforge/dpp/internal/queue"
	"github.com/packforge/dpp/internal/runstore"
)

// RunStore is the slice of the run repository the worker uses.
type RunStore interface {
	Get(ctx context.Context, runID, tenantID string) (*runstore.Run, error)
	ClaimForProcessing(ctx context.Context, runID, tenantID string, expectedVersion int64, leaseToken string, leaseExpiresAt time.Time) (bool, error)
	ExtendLease(ctx context.Context, runID, tenantID string, expectedVersion int64, leaseToken string, newExpiry time.Time) (bool, error)
}

// Finalizer is the two-phase protocol surface the worker drives.
// *finalize.Protocol satisfies it.
type Finalizer interface {
	Claim(ctx context.Context, run *runstore.Run, identity finalize.Identity) (finalize.ClaimOutcome, error)
	Commit(ctx context.Context, run *runstore.Run, claim finalize.ClaimOutcome, t finalize.Terminal) (bool, error)
	Failure(ctx context.Context, run *runstore.Run, reasonCode, detail string) (bool, error)
}

// Worker is one queue-consuming execution slot.
type Worker struct {
	queue     queue.Client
	runs      RunStore
	finalizer Finalizer
	store     objstore.Store
	executors Registry
	bucket    string
	log       zerolog.Logger

	nowFn    func() time.Time
	newToken func() string
}

// New wires a Worker.
func New(q queue.Client, runs RunStore, fin Finalizer, store objstore.Store, executors Registry, bucket string, logger zerolog.Logger) *Worker {
	return &Worker{
		queue:     q,
		runs:      runs,
		finalizer: fin,
		store:     store,
		executors: executors,
		bucket:    bucket,
		log:       logger.With().Str("component", "worker").Logger(),
		nowFn:     time.Now,
		newToken:  uuid.NewString,
	}
}

// Run receives and processes messages until the context is canceled.
// Per-message failures are logged and the loop continues; only context
// cancellation ends it.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Msg("worker started")
	for {
		if ctx.Err() != nil {
			w.log.Info().Msg("worker stopped")
			return ctx.Err()
		}

		delivery, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("receive failed")
			time.Sleep(time.Second)
			continue
		}
		if delivery == nil {
			continue
		}

		w.Process(ctx, delivery)
	}
}

// Process handles one delivery end to end.
func (w *Worker) Process(ctx context.Context, d *queue.Delivery) {
	msg := d.Message
	log := w.log.With().Str("run_id", msg.RunID).Str("tenant_id", msg.TenantID).Logger()

	run, err := w.runs.Get(ctx, msg.RunID, msg.TenantID)
	if errors.Is(err, runstore.ErrNotFound) {
		// A message pointing at no run can never be processed.
		log.Error().Msg("message references unknown run, dropping")
		w.deleteMessage(ctx, d, log)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("load run failed, leaving message for redelivery")
		return
	}

	switch {
	case run.Status.Terminal():
		// Duplicate delivery of finished work.
		log.Debug().Str("status", string(run.Status)).Msg("run already terminal, dropping duplicate")
		w.deleteMessage(ctx, d, log)
		return

	case run.Status == runstore.StatusProcessing:
		// Another worker (or a finalize) is in flight. Step aside
		// briefly; if the run finishes, the redelivered message hits
		// the terminal branch above.
		log.Debug().Msg("run already processing, stepping aside")
		w.extendVisibility(ctx, d, config.VisibilityExtension, log)
		return

	case run.MoneyState != runstore.MoneyReserved:
		// QUEUED but unfunded: the admission reserve reply was lost.
		// Never execute unfunded work; the reservation TTL and the
		// audit job own this state.
		log.Warn().Str("money_state", string(run.MoneyState)).Msg("run not funded, stepping aside")
		w.extendVisibility(ctx, d, config.VisibilityExtension, log)
		return
	}

	leaseToken := w.newToken()
	won, err := w.runs.ClaimForProcessing(ctx, run.RunID, run.TenantID, run.Version, leaseToken, w.nowFn().Add(config.LeaseTTL))
	if err != nil {
		log.Error().Err(err).Msg("processing claim failed, leaving message")
		return
	}
	if !won {
		log.Debug().Msg("another worker owns the run, dropping duplicate")
		w.deleteMessage(ctx, d, log)
		return
	}
	run.Status = runstore.StatusProcessing
	run.LeaseToken = &leaseToken
	run.Version++

	hb := w.startHeartbeat(run.RunID, run.TenantID, leaseToken, d.Handle)

	data, actualCost, execErr := w.execute(ctx, run)

	// The beat bumps the row version on every tick; nothing below may
	// trust the pre-execution snapshot.
	hb.Stop()
	run, err = w.runs.Get(ctx, run.RunID, run.TenantID)
	if err != nil {
		log.Error().Err(err).Msg("reload after execution failed, leaving message")
		return
	}

	if execErr != nil {
		log.Warn().Err(execErr).Msg("pack execution failed")
		committed, err := w.finalizer.Failure(ctx, run, finalize.ReasonPackExecutionFailed, execErr.Error())
		if err != nil {
			log.Error().Err(err).Msg("failure finalize errored, leaving message")
			return
		}
		if !committed {
			w.settleLostClaim(ctx, d, run, log)
			return
		}
		w.deleteMessage(ctx, d, log)
		return
	}

	claim, err := w.finalizer.Claim(ctx, run, finalize.WorkerIdentity{LeaseToken: leaseToken})
	if err != nil {
		log.Error().Err(err).Msg("finalize claim errored, leaving message")
		return
	}
	if !claim.Won {
		w.settleLostClaim(ctx, d, run, log)
		return
	}

	// Upload before settle: the claim has already fenced out every
	// other finalizer, and a crash after upload is exactly what the
	// reconciler's artifact check recovers.
	key := objstore.ArtifactKey(run.TenantID, run.RunID, run.CreatedAt)
	body, sha, err := BuildEnvelope(run, data, actualCost, w.nowFn())
	if err != nil {
		log.Error().Err(err).Msg("envelope build failed, leaving claim for reconciler")
		return
	}
	err = w.store.Put(ctx, key, body, "application/json", map[string]string{
		objstore.MetadataActualCost: strconv.FormatInt(actualCost, 10),
		objstore.MetadataSHA256:     sha,
	})
	if err != nil {
		log.Error().Err(err).Msg("artifact upload failed, leaving claim for reconciler")
		return
	}

	committed, err := w.finalizer.Commit(ctx, run, claim, finalize.Terminal{
		Status:       runstore.StatusCompleted,
		ChargeMicros: actualCost,
		Result:       &finalize.Result{Bucket: w.bucket, Key: key, SHA256: sha},
	})
	if errors.Is(err, finalize.ErrNoReserve) {
		// The reservation vanished under our claim. Stop; the receipt
		// decides what happened and reading it is the reconciler's job.
		log.Warn().Msg("reservation gone mid-commit, leaving run to reconciler")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("commit errored, leaving message")
		return
	}
	if !committed {
		w.settleLostClaim(ctx, d, run, log)
		return
	}

	metrics.FinalizeCommitsTotal.WithLabelValues("success").Inc()
	log.Info().
		Int64("actual_cost_micros", actualCost).
		Str("result_key", key).
		Msg("run completed")
	w.deleteMessage(ctx, d, log)
}

// execute runs the pack under the run's timebox.
func (w *Worker) execute(ctx context.Context, run *runstore.Run) (data []byte, actualCost int64, err error) {
	exec, err := w.executors.Lookup(run.PackType)
	if err != nil {
		return nil, 0, err
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(run.TimeboxSec)*time.Second)
	defer cancel()

	start := w.nowFn()
	data, actualCost, err = exec.Execute(execCtx, run)
	metrics.PackExecutionSeconds.WithLabelValues(run.PackType).Observe(time.Since(start).Seconds())
	return data, actualCost, err
}

// settleLostClaim decides message disposal after a lost finalize race:
// delete only when a re-read proves the run is resolved.
func (w *Worker) settleLostClaim(ctx context.Context, d *queue.Delivery, run *runstore.Run, log zerolog.Logger) {
	latest, err := w.runs.Get(ctx, run.RunID, run.TenantID)
	if err != nil {
		log.Warn().Err(err).Msg("re-read after lost claim failed, leaving message")
		return
	}
	if latest.Status.Terminal() || (latest.FinalizeStage != nil && *latest.FinalizeStage == runstore.StageCommitted) {
		log.Debug().Msg("run resolved by another finalizer, dropping message")
		w.deleteMessage(ctx, d, log)
		return
	}
	log.Debug().Msg("run unresolved after lost claim, leaving message")
}

func (w *Worker) deleteMessage(ctx context.Context, d *queue.Delivery, log zerolog.Logger) {
	if err := w.queue.Delete(ctx, d.Handle); err != nil {
		log.Warn().Err(err).Msg("message delete failed, redelivery will be dropped as duplicate")
	}
}

func (w *Worker) extendVisibility(ctx context.Context, d *queue.Delivery, by time.Duration, log zerolog.Logger) {
	if err := w.queue.ExtendVisibility(ctx, d.Handle, by); err != nil {
		log.Warn().Err(err).Msg("visibility extension failed")
	}
}

