package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/packforge/dpp/internal/config"
	"github.com/packforge/dpp/internal/runstore"
)

type fakeRuns struct {
	runs    []*runstore.Run
	err     error
	gotNow  time.Time
	gotSize int
}

func (f *fakeRuns) ListExpiredLeases(_ context.Context, now time.Time, limit int) ([]*runstore.Run, error) {
	f.gotNow, f.gotSize = now, limit
	return f.runs, f.err
}

type fakeFinalizer struct {
	results map[string]bool
	errs    map[string]error
	calls   []string
}

func (f *fakeFinalizer) Timeout(_ context.Context, run *runstore.Run) (bool, error) {
	f.calls = append(f.calls, run.RunID)
	if err := f.errs[run.RunID]; err != nil {
		return false, err
	}
	return f.results[run.RunID], nil
}

func expiredRun(id string) *runstore.Run {
	return &runstore.Run{RunID: id, TenantID: "t-1", Status: runstore.StatusProcessing, MinimumFeeMicros: 5_000}
}

func TestSweepTimesOutEveryCandidate(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	runs := &fakeRuns{runs: []*runstore.Run{expiredRun("r-1"), expiredRun("r-2")}}
	fin := &fakeFinalizer{results: map[string]bool{"r-1": true, "r-2": true}}

	r := New(runs, fin, zerolog.Nop())
	r.nowFn = func() time.Time { return now }
	r.Sweep(context.Background())

	assert.Equal(t, now, runs.gotNow)
	assert.Equal(t, config.ReaperScanLimit, runs.gotSize)
	assert.Equal(t, []string{"r-1", "r-2"}, fin.calls)
}

func TestSweepLostClaimIsNotAnError(t *testing.T) {
	runs := &fakeRuns{runs: []*runstore.Run{expiredRun("r-1")}}
	fin := &fakeFinalizer{results: map[string]bool{"r-1": false}}

	New(runs, fin, zerolog.Nop()).Sweep(context.Background())
	assert.Equal(t, []string{"r-1"}, fin.calls)
}

func TestSweepContinuesPastFailingRun(t *testing.T) {
	runs := &fakeRuns{runs: []*runstore.Run{expiredRun("r-1"), expiredRun("r-2")}}
	fin := &fakeFinalizer{
		results: map[string]bool{"r-2": true},
		errs:    map[string]error{"r-1": errors.New("redis down")},
	}

	New(runs, fin, zerolog.Nop()).Sweep(context.Background())
	assert.Equal(t, []string{"r-1", "r-2"}, fin.calls, "failure on one run must not stop the batch")
}

func TestSweepScanFailureSkipsBatch(t *testing.T) {
	runs := &fakeRuns{err: errors.New("pg down")}
	fin := &fakeFinalizer{}

	New(runs, fin, zerolog.Nop()).Sweep(context.Background())
	assert.Empty(t, fin.calls)
}
