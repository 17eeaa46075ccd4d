package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/packforge/dpp/internal/runstore"
)

// Executor produces a pack's result. Implementations must respect the
// context deadline (the run's timebox) and must never report a cost
// above the run's reservation; the platform clamps anyway, but an
// executor that overruns its budget is a bug.
type Executor interface {
	Execute(ctx context.Context, run *runstore.Run) (data json.RawMessage, actualCostMicros int64, err error)
}

// Registry maps pack types to executors.
type Registry map[string]Executor

// Lookup returns the executor for a pack type.
func (r Registry) Lookup(packType string) (Executor, error) {
	exec, ok := r[packType]
	if !ok {
		return nil, fmt.Errorf("no executor registered for pack type %q", packType)
	}
	return exec, nil
}

// stubCostMicros is what the stub pretends a run costs, bounded by the
// reservation.
const stubCostMicros = 50_000

// StubExecutor echoes the run's inputs back as the result. It stands in
// for real pack bodies in development and in end-to-end tests of the
// money path, which only cares that a cost comes back.
type StubExecutor struct{}

// Execute implements Executor.
func (StubExecutor) Execute(_ context.Context, run *runstore.Run) (json.RawMessage, int64, error) {
	cost := int64(stubCostMicros)
	if cost > run.ReservationMaxCostMicros {
		cost = run.ReservationMaxCostMicros
	}

	data, err := json.Marshal(map[string]interface{}{
		"echo":      run.Inputs,
		"pack_type": run.PackType,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("stub executor: %w", err)
	}
	return data, cost, nil
}
