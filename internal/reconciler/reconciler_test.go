package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packforge/dpp/internal/finalize"
	"github.com/packforge/dpp/internal/ledger"
	"github.com/packforge/dpp/internal/objstore"
	"github.com/packforge/dpp/internal/runstore"
)

var fixedNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fakeLedger struct {
	reservation *ledger.Reservation
	receipt     *ledger.Receipt
}

func (f *fakeLedger) GetReservation(context.Context, string) (*ledger.Reservation, error) {
	return f.reservation, nil
}
func (f *fakeLedger) GetReceipt(context.Context, string) (*ledger.Receipt, error) {
	return f.receipt, nil
}

type commitCall struct {
	settleOnly bool
	terminal   finalize.Terminal
	claim      finalize.ClaimOutcome
}

type fakeFinalizer struct {
	calls     []commitCall
	committed bool
	err       error
}

func (f *fakeFinalizer) Commit(_ context.Context, _ *runstore.Run, claim finalize.ClaimOutcome, t finalize.Terminal) (bool, error) {
	f.calls = append(f.calls, commitCall{terminal: t, claim: claim})
	return f.committed, f.err
}

func (f *fakeFinalizer) CommitSettled(_ context.Context, _ *runstore.Run, claim finalize.ClaimOutcome, t finalize.Terminal) (bool, error) {
	f.calls = append(f.calls, commitCall{settleOnly: true, terminal: t, claim: claim})
	return f.committed, f.err
}

type fakeArtifacts struct {
	exists   bool
	metadata map[string]string
}

func (f *fakeArtifacts) Exists(context.Context, string) (bool, error) { return f.exists, nil }
func (f *fakeArtifacts) Metadata(context.Context, string) (map[string]string, error) {
	return f.metadata, nil
}

func stuckRun() *runstore.Run {
	tok := "fin-tok"
	stage := runstore.StageClaimed
	claimedAt := fixedNow.Add(-10 * time.Minute)
	return &runstore.Run{
		RunID:                    "r-1",
		TenantID:                 "t-1",
		Status:                   runstore.StatusProcessing,
		MoneyState:               runstore.MoneyReserved,
		Version:                  4,
		ReservationMaxCostMicros: 200_000,
		MinimumFeeMicros:         5_000,
		FinalizeToken:            &tok,
		FinalizeStage:            &stage,
		FinalizeClaimedAt:        &claimedAt,
		CreatedAt:                fixedNow.Add(-time.Hour),
	}
}

func newReconciler(money *fakeLedger, fin *fakeFinalizer, art *fakeArtifacts) *Reconciler {
	r := New(nil, money, fin, art, "dpp-artifacts", zerolog.Nop())
	r.nowFn = func() time.Time { return fixedNow }
	return r
}

func TestReconcileRollsForwardUploadedWork(t *testing.T) {
	money := &fakeLedger{reservation: &ledger.Reservation{TenantID: "t-1", ReservedMicros: 200_000}}
	fin := &fakeFinalizer{committed: true}
	art := &fakeArtifacts{exists: true, metadata: map[string]string{
		objstore.MetadataActualCost: "73000",
		objstore.MetadataSHA256:     "abc123",
	}}

	require.NoError(t, newReconciler(money, fin, art).Reconcile(context.Background(), stuckRun()))

	require.Len(t, fin.calls, 1)
	call := fin.calls[0]
	assert.False(t, call.settleOnly, "a live reservation must be settled")
	assert.Equal(t, runstore.StatusCompleted, call.terminal.Status)
	assert.Equal(t, int64(73_000), call.terminal.ChargeMicros)
	require.NotNil(t, call.terminal.Result)
	assert.Equal(t, "abc123", call.terminal.Result.SHA256)
	assert.Equal(t, "fin-tok", call.claim.Token, "commit must reuse the original claim token")
}

func TestReconcileRollForwardFallsBackToReservation(t *testing.T) {
	money := &fakeLedger{reservation: &ledger.Reservation{ReservedMicros: 200_000}}
	fin := &fakeFinalizer{committed: true}
	art := &fakeArtifacts{exists: true, metadata: map[string]string{}}

	require.NoError(t, newReconciler(money, fin, art).Reconcile(context.Background(), stuckRun()))

	require.Len(t, fin.calls, 1)
	assert.Equal(t, int64(200_000), fin.calls[0].terminal.ChargeMicros)
}

func TestReconcileRollsBackMissingArtifact(t *testing.T) {
	money := &fakeLedger{reservation: &ledger.Reservation{ReservedMicros: 200_000}}
	fin := &fakeFinalizer{committed: true}
	art := &fakeArtifacts{exists: false}

	require.NoError(t, newReconciler(money, fin, art).Reconcile(context.Background(), stuckRun()))

	require.Len(t, fin.calls, 1)
	call := fin.calls[0]
	assert.False(t, call.settleOnly)
	assert.Equal(t, runstore.StatusFailed, call.terminal.Status)
	assert.Equal(t, int64(5_000), call.terminal.ChargeMicros, "roll-back charges the minimum fee")
	assert.Equal(t, finalize.ReasonWorkerCrashDuringFinal, call.terminal.ReasonCode)
}

func TestReconcileCommitsFromReceiptWithoutResettling(t *testing.T) {
	money := &fakeLedger{receipt: &ledger.Receipt{TenantID: "t-1", ChargedMicros: 42_000}}
	fin := &fakeFinalizer{committed: true}
	art := &fakeArtifacts{exists: true, metadata: map[string]string{objstore.MetadataSHA256: "abc123"}}

	require.NoError(t, newReconciler(money, fin, art).Reconcile(context.Background(), stuckRun()))

	require.Len(t, fin.calls, 1)
	call := fin.calls[0]
	assert.True(t, call.settleOnly, "money already moved, the ledger must not be touched again")
	assert.Equal(t, runstore.StatusCompleted, call.terminal.Status)
	assert.Equal(t, int64(42_000), call.terminal.ChargeMicros, "charge comes from the receipt, nothing else")
}

func TestReconcileReceiptWithoutArtifactFails(t *testing.T) {
	money := &fakeLedger{receipt: &ledger.Receipt{ChargedMicros: 5_000}}
	fin := &fakeFinalizer{committed: true}
	art := &fakeArtifacts{exists: false}

	require.NoError(t, newReconciler(money, fin, art).Reconcile(context.Background(), stuckRun()))

	require.Len(t, fin.calls, 1)
	call := fin.calls[0]
	assert.True(t, call.settleOnly)
	assert.Equal(t, runstore.StatusFailed, call.terminal.Status)
	assert.Equal(t, finalize.ReasonWorkerCrashDuringFinal, call.terminal.ReasonCode)
}

func TestReconcileClosesUnsettledAsAudit(t *testing.T) {
	money := &fakeLedger{} // no reservation, no receipt
	fin := &fakeFinalizer{committed: true}

	require.NoError(t, newReconciler(money, fin, &fakeArtifacts{}).Reconcile(context.Background(), stuckRun()))

	require.Len(t, fin.calls, 1)
	call := fin.calls[0]
	assert.True(t, call.settleOnly)
	assert.Equal(t, runstore.StatusFailed, call.terminal.Status)
	assert.Equal(t, runstore.MoneyAuditRequired, call.terminal.MoneyState)
	assert.Zero(t, call.terminal.ChargeMicros, "no receipt means no charge, ever")
	assert.Equal(t, finalize.ReasonNoSettlementReceipt, call.terminal.ReasonCode)
}

func TestReconcileDefersWhenReservationExpiresMidRecovery(t *testing.T) {
	money := &fakeLedger{reservation: &ledger.Reservation{ReservedMicros: 200_000}}
	fin := &fakeFinalizer{err: finalize.ErrNoReserve}
	art := &fakeArtifacts{exists: true, metadata: map[string]string{}}

	assert.NoError(t, newReconciler(money, fin, art).Reconcile(context.Background(), stuckRun()),
		"an expired reservation defers to the next sweep, it is not a failure")
}

func TestReconcileSkipsRunNoLongerMidClaim(t *testing.T) {
	run := stuckRun()
	stage := runstore.StageCommitted
	run.FinalizeStage = &stage
	fin := &fakeFinalizer{}

	require.NoError(t, newReconciler(&fakeLedger{}, fin, &fakeArtifacts{}).Reconcile(context.Background(), run))
	assert.Empty(t, fin.calls)
}

func TestReconcileLostCASIsNotAnError(t *testing.T) {
	money := &fakeLedger{receipt: &ledger.Receipt{ChargedMicros: 42_000}}
	fin := &fakeFinalizer{committed: false}
	art := &fakeArtifacts{exists: true, metadata: map[string]string{}}

	assert.NoError(t, newReconciler(money, fin, art).Reconcile(context.Background(), stuckRun()))
}

type fakeRuns struct {
	runs      []*runstore.Run
	gotCutoff time.Time
}

func (f *fakeRuns) ListStuckClaimed(_ context.Context, olderThan time.Time, _ int) ([]*runstore.Run, error) {
	f.gotCutoff = olderThan
	return f.runs, nil
}

func TestSweepUsesStuckThreshold(t *testing.T) {
	runs := &fakeRuns{runs: []*runstore.Run{stuckRun()}}
	money := &fakeLedger{}
	fin := &fakeFinalizer{committed: true}

	r := New(runs, money, fin, &fakeArtifacts{}, "dpp-artifacts", zerolog.Nop())
	r.nowFn = func() time.Time { return fixedNow }
	r.Sweep(context.Background())

	assert.Equal(t, fixedNow.Add(-5*time.Minute), runs.gotCutoff)
	assert.Len(t, fin.calls, 1)
}

func TestReconcileErrorPropagatesForRetry(t *testing.T) {
	money := &fakeLedger{receipt: &ledger.Receipt{ChargedMicros: 1}}
	fin := &fakeFinalizer{err: errors.New("pg down")}
	art := &fakeArtifacts{exists: true, metadata: map[string]string{}}

	assert.Error(t, newReconciler(money, fin, art).Reconcile(context.Background(), stuckRun()))
}
