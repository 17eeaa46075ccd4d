// Package reaper finalizes runs whose workers went silent.
//
// A PROCESSING run whose lease expired has a dead or partitioned owner.
// The reaper times it out through the regular finalize protocol: the
// claim's temporal predicate re-checks lease expiry under CAS, so a
// worker whose heartbeat lands between the scan and the claim keeps its
// run and the reaper simply loses the race.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/packforge/dpp/internal/config"
	"github.com/packforge/dpp/internal/metrics"
	"github.com/packforge/dpp/internal/runstore"
)

// RunStore lists candidate runs. *runstore.Store satisfies it.
type RunStore interface {
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*runstore.Run, error)
}

// Finalizer times out a run. *finalize.Protocol satisfies it.
type Finalizer interface {
	Timeout(ctx context.Context, run *runstore.Run) (bool, error)
}

// Reaper periodically sweeps expired leases.
type Reaper struct {
	runs      RunStore
	finalizer Finalizer
	log       zerolog.Logger

	nowFn func() time.Time
}

// New wires a Reaper.
func New(runs RunStore, fin Finalizer, logger zerolog.Logger) *Reaper {
	return &Reaper{
		runs:      runs,
		finalizer: fin,
		log:       logger.With().Str("component", "reaper").Logger(),
		nowFn:     time.Now,
	}
}

// Run sweeps on an interval until the context is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", config.ReaperInterval).Msg("reaper started")

	ticker := time.NewTicker(config.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Per-run failures are logged and skipped so
// one poisoned row cannot starve the rest of the batch.
func (r *Reaper) Sweep(ctx context.Context) {
	runs, err := r.runs.ListExpiredLeases(ctx, r.nowFn(), config.ReaperScanLimit)
	if err != nil {
		r.log.Error().Err(err).Msg("expired lease scan failed")
		return
	}
	if len(runs) == 0 {
		return
	}

	r.log.Info().Int("candidates", len(runs)).Msg("reaping expired leases")

	for _, run := range runs {
		log := r.log.With().Str("run_id", run.RunID).Str("tenant_id", run.TenantID).Logger()

		reaped, err := r.finalizer.Timeout(ctx, run)
		if err != nil {
			log.Error().Err(err).Msg("timeout finalize failed")
			continue
		}
		if !reaped {
			// The worker came back or another supervisor got there first.
			log.Debug().Msg("timeout claim lost, run taken by another actor")
			continue
		}

		metrics.ReaperReapsTotal.Inc()
		log.Warn().
			Int64("minimum_fee_micros", run.MinimumFeeMicros).
			Msg("run timed out, minimum fee charged")
	}
}
