package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packforge/dpp/internal/admission"
	"github.com/packforge/dpp/internal/auth"
	"github.com/packforge/dpp/internal/planguard"
	"github.com/packforge/dpp/internal/runstore"
	"github.com/packforge/dpp/internal/usage"
)

var fixedNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fakeAuth struct{ identity *auth.Identity }

func (f *fakeAuth) Authenticate(_ context.Context, authorization string) (*auth.Identity, error) {
	if f.identity == nil || authorization != "Bearer sk_live_good" {
		return nil, auth.ErrUnauthorized
	}
	return f.identity, nil
}

type fakeAdmitter struct {
	receipt *admission.Receipt
	err     error
	gotSub  admission.Submission
}

func (f *fakeAdmitter) Submit(_ context.Context, sub admission.Submission) (*admission.Receipt, error) {
	f.gotSub = sub
	return f.receipt, f.err
}

type fakeRunReader struct {
	run *runstore.Run
	err error
}

func (f *fakeRunReader) Get(context.Context, string, string) (*runstore.Run, error) {
	return f.run, f.err
}

type fakeGuard struct {
	rate *planguard.RateSnapshot
	err  error
}

func (f *fakeGuard) EnforcePoll(context.Context, string) (*planguard.RateSnapshot, error) {
	return f.rate, f.err
}

type fakeSigner struct{ err error }

func (f *fakeSigner) PresignGet(_ context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return "https://example/" + key, fixedNow.Add(ttl), nil
}

type fakeUsage struct{ days []usage.Daily }

func (f *fakeUsage) DailySummary(context.Context, string, time.Time, time.Time) ([]usage.Daily, error) {
	return f.days, nil
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type serverDeps struct {
	admitter *fakeAdmitter
	runs     *fakeRunReader
	guard    *fakeGuard
	signer   *fakeSigner
	pinger   *fakePinger
}

func newTestServer(d *serverDeps) http.Handler {
	s := New(d.admitter, d.runs, d.guard, d.signer, &fakeUsage{},
		&fakeAuth{identity: &auth.Identity{TenantID: "t-1", KeyID: "k-1"}},
		[]Pinger{d.pinger}, zerolog.Nop())
	s.nowFn = func() time.Time { return fixedNow }
	return s.Router()
}

func defaultDeps() *serverDeps {
	return &serverDeps{
		admitter: &fakeAdmitter{},
		runs:     &fakeRunReader{err: runstore.ErrNotFound},
		guard:    &fakeGuard{rate: &planguard.RateSnapshot{Limit: 120, Remaining: 119, Reset: fixedNow.Add(time.Minute)}},
		signer:   &fakeSigner{},
		pinger:   &fakePinger{},
	}
}

func admittedRun() *runstore.Run {
	return &runstore.Run{
		RunID:                    "run_1",
		TenantID:                 "t-1",
		PackType:                 "decision_pack",
		Status:                   runstore.StatusQueued,
		MoneyState:               runstore.MoneyReserved,
		ReservationMaxCostMicros: 250_000,
		MinimumFeeMicros:         5_000,
		CreatedAt:                fixedNow,
	}
}

const validBody = `{
	"pack_type": "decision_pack",
	"inputs": {"question": "expand?"},
	"reservation": {"max_cost_usd": "0.25", "timebox_sec": 60, "min_reliability_score": 0.8}
}`

func doSubmit(t *testing.T, router http.Handler, body, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk_live_good")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAccepted(t *testing.T) {
	deps := defaultDeps()
	deps.admitter.receipt = &admission.Receipt{
		Run:  admittedRun(),
		Rate: &planguard.RateSnapshot{Limit: 60, Remaining: 59, Reset: fixedNow.Add(time.Minute)},
	}
	router := newTestServer(deps)

	rec := doSubmit(t, router, validBody, "idem-key-001")
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, "0.2500", rec.Header().Get("X-DPP-Cost-Reserved"))
	assert.Equal(t, "0.0050", rec.Header().Get("X-DPP-Cost-Minimum-Fee"))
	assert.Empty(t, rec.Header().Get("X-DPP-Cost-Actual"), "no actual cost before settlement")
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body submitReceipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run_1", body.RunID)
	assert.Equal(t, "QUEUED", body.Status)
	assert.Equal(t, "/v1/runs/run_1", body.Poll.URL)
	assert.Equal(t, 1500, body.Poll.IntervalMS)

	// The admission submission carries parsed micros and the hash of
	// the raw body, not client-controlled derivations.
	assert.Equal(t, int64(250_000), deps.admitter.gotSub.MaxCostMicros)
	assert.NotEmpty(t, deps.admitter.gotSub.PayloadHash)
	assert.Equal(t, "t-1", deps.admitter.gotSub.TenantID)
}

func TestSubmitRejectsBadIdempotencyKey(t *testing.T) {
	router := newTestServer(defaultDeps())

	for _, key := range []string{"", "short", strings.Repeat("x", 65), "has space in it"} {
		rec := doSubmit(t, router, validBody, key)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "key %q", key)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	}
}

func TestSubmitRejectsBadAmounts(t *testing.T) {
	router := newTestServer(defaultDeps())

	for _, amount := range []string{"-1", "1.00001", "1e3", "$5", "10001"} {
		body := strings.Replace(validBody, `"0.25"`, `"`+amount+`"`, 1)
		rec := doSubmit(t, router, body, "idem-key-001")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "amount %q", amount)
	}
}

func TestSubmitRejectsBadTimebox(t *testing.T) {
	router := newTestServer(defaultDeps())

	body := strings.Replace(validBody, "60", "91", 1)
	rec := doSubmit(t, router, body, "idem-key-001")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitInsufficientBudget(t *testing.T) {
	deps := defaultDeps()
	deps.admitter.receipt = &admission.Receipt{
		Rate: &planguard.RateSnapshot{Limit: 60, Remaining: 58, Reset: fixedNow.Add(time.Minute)},
	}
	deps.admitter.err = &admission.InsufficientBudgetError{BalanceMicros: 100_000, RequestedMicros: 250_000}
	router := newTestServer(deps)

	rec := doSubmit(t, router, validBody, "idem-key-001")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "58", rec.Header().Get("X-RateLimit-Remaining"), "402 still carries rate headers")

	var p problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Contains(t, p.Type, "insufficient-budget")
	assert.Contains(t, p.Detail, "0.1000")
}

func TestSubmitRateLimited(t *testing.T) {
	deps := defaultDeps()
	deps.admitter.receipt = &admission.Receipt{
		Rate: &planguard.RateSnapshot{Limit: 60, Remaining: 0, Reset: fixedNow.Add(42 * time.Second)},
	}
	deps.admitter.err = &planguard.Violation{
		StatusCode: 429,
		Code:       "rate-limit-exceeded",
		Title:      "Rate limit exceeded",
		RetryAfter: 42 * time.Second,
	}
	router := newTestServer(deps)

	rec := doSubmit(t, router, validBody, "idem-key-001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestSubmitIdempotencyConflict(t *testing.T) {
	deps := defaultDeps()
	deps.admitter.err = admission.ErrIdempotencyConflict
	router := newTestServer(deps)

	rec := doSubmit(t, router, validBody, "idem-key-001")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitReplayOfSettledRunCarriesActualCost(t *testing.T) {
	deps := defaultDeps()
	run := admittedRun()
	run.Status = runstore.StatusCompleted
	actual := int64(73_000)
	run.ActualCostMicros = &actual
	deps.admitter.receipt = &admission.Receipt{Run: run, Replayed: true}
	router := newTestServer(deps)

	rec := doSubmit(t, router, validBody, "idem-key-001")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "0.0730", rec.Header().Get("X-DPP-Cost-Actual"))
}

func TestUnauthorizedIsUniform(t *testing.T) {
	router := newTestServer(defaultDeps())

	for _, header := range []string{"", "Bearer sk_live_wrong", "Basic abc"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(validBody))
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func doGet(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer sk_live_good")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGetRunCompleted(t *testing.T) {
	deps := defaultDeps()
	run := admittedRun()
	run.Status = runstore.StatusCompleted
	run.MoneyState = runstore.MoneySettled
	actual := int64(73_000)
	run.ActualCostMicros = &actual
	key := "dpp/t-1/2026/08/01/run_1/pack_envelope.json"
	sha := "abc123"
	run.ResultKey, run.ResultSHA256 = &key, &sha
	completed := fixedNow.Add(-time.Minute)
	run.CompletedAt = &completed
	deps.runs = &fakeRunReader{run: run}
	router := newTestServer(deps)

	rec := doGet(t, router, "/v1/runs/run_1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.0730", rec.Header().Get("X-DPP-Cost-Actual"))

	var view runView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "COMPLETED", view.Status)
	require.NotNil(t, view.Result)
	assert.Equal(t, "https://example/"+key, view.Result.URL)
	assert.Equal(t, "abc123", view.Result.SHA256)
	require.NotNil(t, view.Cost.UsedUSD)
	assert.Equal(t, "0.0730", *view.Cost.UsedUSD)
	require.NotNil(t, view.Cost.BudgetRemainingUSD)
	assert.Equal(t, "0.1770", *view.Cost.BudgetRemainingUSD)
	assert.Nil(t, view.Error)
}

func TestGetRunFailedCarriesErrorBlock(t *testing.T) {
	deps := defaultDeps()
	run := admittedRun()
	run.Status = runstore.StatusFailed
	run.MoneyState = runstore.MoneySettled
	reason, detail := "PACK_EXECUTION_FAILED", "pack blew up"
	run.LastErrorReasonCode, run.LastErrorDetail = &reason, &detail
	deps.runs = &fakeRunReader{run: run}
	router := newTestServer(deps)

	rec := doGet(t, router, "/v1/runs/run_1")
	require.Equal(t, http.StatusOK, rec.Code)

	var view runView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.NotNil(t, view.Error)
	assert.Equal(t, "PACK_EXECUTION_FAILED", view.Error.ReasonCode)
	assert.Nil(t, view.Result)
}

func TestGetRunStealth404(t *testing.T) {
	// Cross-tenant reads surface from the store as ErrNotFound; the
	// response must be indistinguishable from a nonexistent run.
	router := newTestServer(defaultDeps())

	rec := doGet(t, router, "/v1/runs/run_other")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestGetRunRetentionExpired(t *testing.T) {
	deps := defaultDeps()
	run := admittedRun()
	run.Status = runstore.StatusCompleted
	expired := fixedNow.Add(-time.Hour)
	run.RetentionUntil = &expired
	deps.runs = &fakeRunReader{run: run}
	router := newTestServer(deps)

	rec := doGet(t, router, "/v1/runs/run_1")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestGetRunPollRateLimited(t *testing.T) {
	deps := defaultDeps()
	deps.guard = &fakeGuard{
		rate: &planguard.RateSnapshot{Limit: 120, Remaining: 0, Reset: fixedNow.Add(30 * time.Second)},
		err: &planguard.Violation{
			StatusCode: 429,
			Code:       "rate-limit-exceeded",
			Title:      "Rate limit exceeded",
			RetryAfter: 30 * time.Second,
		},
	}
	router := newTestServer(deps)

	rec := doGet(t, router, "/v1/runs/run_1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestGetRunPresignFailureStillReturnsRun(t *testing.T) {
	deps := defaultDeps()
	run := admittedRun()
	run.Status = runstore.StatusCompleted
	key := "dpp/t-1/2026/08/01/run_1/pack_envelope.json"
	run.ResultKey = &key
	deps.runs = &fakeRunReader{run: run}
	deps.signer = &fakeSigner{err: errors.New("s3 down")}
	router := newTestServer(deps)

	rec := doGet(t, router, "/v1/runs/run_1")
	require.Equal(t, http.StatusOK, rec.Code)

	var view runView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Nil(t, view.Result, "status is served even when the link cannot be signed")
}

func TestHealthAndReadiness(t *testing.T) {
	deps := defaultDeps()
	router := newTestServer(deps)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health needs no auth")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	deps.pinger.err = errors.New("redis down")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPanicBecomesProblem(t *testing.T) {
	deps := defaultDeps()
	// A nil receipt with a nil error is a broken Admitter contract; the
	// handler dereferences it and the recoverer must turn that into 500.
	deps.admitter = &fakeAdmitter{}
	router := newTestServer(deps)

	rec := doSubmit(t, router, validBody, "idem-key-001")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}
