package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/packforge/dpp/internal/config"
	"github.com/packforge/dpp/internal/runstore"
)

// heartbeat keeps one in-flight run alive: every interval it pushes the
// database lease and the queue visibility forward, each tick through a
// fresh connection from the pool — the beat never shares a handle with
// the executing task. It stops itself the moment the lease CAS loses,
// because a lost CAS means the run was reaped or finalized and further
// beats would only fight the winner.
type heartbeat struct {
	stop chan struct{}
	done chan struct{}
}

// startHeartbeat launches the beat for a claimed run.
func (w *Worker) startHeartbeat(runID, tenantID, leaseToken, handle string) *heartbeat {
	hb := &heartbeat{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	log := w.log.With().Str("run_id", runID).Logger()

	go func() {
		defer close(hb.done)
		ticker := time.NewTicker(config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hb.stop:
				return
			case <-ticker.C:
				if !w.beat(runID, tenantID, leaseToken, handle, log) {
					return
				}
			}
		}
	}()

	return hb
}

// Stop halts the beat and waits for an in-flight tick to finish, so no
// beat can land after the caller proceeds to finalize.
func (hb *heartbeat) Stop() {
	close(hb.stop)
	<-hb.done
}

// beat performs one tick. Returns false when the lease is no longer
// ours and the beat should die.
func (w *Worker) beat(runID, tenantID, leaseToken, handle string, log zerolog.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run, err := w.runs.Get(ctx, runID, tenantID)
	if err != nil {
		// Transient read failure: keep beating, the lease has slack for
		// several missed ticks.
		log.Warn().Err(err).Msg("heartbeat read failed")
		return true
	}
	if run.Status != runstore.StatusProcessing || run.LeaseToken == nil || *run.LeaseToken != leaseToken {
		log.Debug().Str("status", string(run.Status)).Msg("heartbeat found lease gone")
		return false
	}

	extended, err := w.runs.ExtendLease(ctx, runID, tenantID, run.Version, leaseToken, w.nowFn().Add(config.LeaseTTL))
	if err != nil {
		log.Warn().Err(err).Msg("heartbeat lease extension failed")
		return true
	}
	if !extended {
		log.Debug().Msg("heartbeat lost its lease CAS")
		return false
	}

	if err := w.queue.ExtendVisibility(ctx, handle, config.LeaseTTL); err != nil {
		// The message may reappear early; the QUEUED→PROCESSING CAS and
		// the finalize claim make the duplicate harmless.
		log.Warn().Err(err).Msg("heartbeat visibility extension failed")
	}

	log.Debug().Msg("lease extended")
	return true
}
