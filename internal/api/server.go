// Package api is the HTTP edge of the platform: request validation,
// authentication, plan-gated polling, and translation between internal
// results and RFC 9457 problems. No business decision lives here; the
// handlers orchestrate admission, the run store and the object store
// and render what comes back.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/packforge/dpp/internal/admission"
	"github.com/packforge/dpp/internal/auth"
	"github.com/packforge/dpp/internal/config"
	"github.com/packforge/dpp/internal/hashing"
	"github.com/packforge/dpp/internal/money"
	"github.com/packforge/dpp/internal/planguard"
	"github.com/packforge/dpp/internal/runstore"
	"github.com/packforge/dpp/internal/usage"
)

// maxBodyBytes caps a submit body. Inputs are structured parameters,
// not payloads; anything bigger belongs in object storage.
const maxBodyBytes = 1 << 20

// Admitter admits runs. *admission.Service satisfies it.
type Admitter interface {
	Submit(ctx context.Context, sub admission.Submission) (*admission.Receipt, error)
}

// RunReader loads runs tenant-scoped. *runstore.Store satisfies it.
type RunReader interface {
	Get(ctx context.Context, runID, tenantID string) (*runstore.Run, error)
}

// Guard rate-gates polling. *planguard.Guard satisfies it.
type Guard interface {
	EnforcePoll(ctx context.Context, tenantID string) (*planguard.RateSnapshot, error)
}

// Presigner signs artifact download URLs. *objstore.S3Store satisfies it.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error)
}

// UsageSource serves the daily roll-up. *usage.Recorder satisfies it.
type UsageSource interface {
	DailySummary(ctx context.Context, tenantID string, from, to time.Time) ([]usage.Daily, error)
}

// Authenticator validates bearer keys. *auth.Authenticator satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (*auth.Identity, error)
}

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server carries the handler dependencies.
type Server struct {
	admitter Admitter
	runs     RunReader
	guard    Guard
	signer   Presigner
	usage    UsageSource
	auth     Authenticator
	readies  []Pinger
	log      zerolog.Logger

	validate *validator.Validate
	nowFn    func() time.Time
}

// New wires a Server. readies are pinged by GET /ready, typically the
// ledger (fast store) and the run store (durable store).
func New(admitter Admitter, runs RunReader, guard Guard, signer Presigner, usageSrc UsageSource, authn Authenticator, readies []Pinger, logger zerolog.Logger) *Server {
	return &Server{
		admitter: admitter,
		runs:     runs,
		guard:    guard,
		signer:   signer,
		usage:    usageSrc,
		auth:     authn,
		readies:  readies,
		log:      logger.With().Str("component", "api").Logger(),
		validate: newValidator(),
		nowFn:    time.Now,
	}
}

// Router builds the chi router with the full middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID, s.requestLog, s.recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/v1/runs", s.handleSubmitRun)
		r.Get("/v1/runs/{runID}", s.handleGetRun)
		r.Get("/v1/usage/daily", s.handleUsageDaily)
	})

	return r
}

// submitReceipt is the 202 body for an admitted (or replayed) run.
type submitReceipt struct {
	RunID      string      `json:"run_id"`
	Status     string      `json:"status"`
	MoneyState string      `json:"money_state"`
	CreatedAt  time.Time   `json:"created_at"`
	Cost       costBlock   `json:"cost"`
	Poll       pollHints   `json:"poll"`
}

type pollHints struct {
	URL        string `json:"url"`
	IntervalMS int    `json:"interval_ms"`
	MaxWaitSec int    `json:"max_wait_sec"`
}

type costBlock struct {
	ReservedUSD        string  `json:"reserved_usd"`
	MinimumFeeUSD      string  `json:"minimum_fee_usd"`
	UsedUSD            *string `json:"used_usd,omitempty"`
	BudgetRemainingUSD *string `json:"budget_remaining_usd,omitempty"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	idemKey := r.Header.Get("Idempotency-Key")
	if !validIdempotencyKey(idemKey) {
		writeProblem(w, r, http.StatusBadRequest, "invalid-idempotency-key",
			"Invalid idempotency key",
			"Idempotency-Key must be 8-64 printable characters")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "unreadable-body", "", "could not read request body")
		return
	}
	if len(raw) > maxBodyBytes {
		writeProblem(w, r, http.StatusBadRequest, "body-too-large", "",
			fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
		return
	}

	var req submitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "malformed-json", "", "request body is not valid JSON")
		return
	}
	if detail := validateSubmit(s.validate, &req); detail != "" {
		writeProblem(w, r, http.StatusBadRequest, "validation-failed", "Validation failed", detail)
		return
	}

	maxCostMicros, err := money.ParseUSD(req.Reservation.MaxCostUSD)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid-amount", "Invalid amount",
			"max_cost_usd must be a decimal string with at most 4 fractional digits, within the platform maximum")
		return
	}

	payloadHash, err := hashing.PayloadHash(raw)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "malformed-json", "", "request body is not valid JSON")
		return
	}

	sub := admission.Submission{
		TenantID:            identity.TenantID,
		IdempotencyKey:      idemKey,
		PackType:            req.PackType,
		Inputs:              req.Inputs,
		MaxCostMicros:       maxCostMicros,
		TimeboxSec:          req.Reservation.TimeboxSec,
		MinReliabilityScore: req.Reservation.MinReliabilityScore,
		PayloadHash:         payloadHash,
	}
	if req.Meta != nil {
		sub.TraceID = req.Meta.TraceID
	}

	receipt, err := s.admitter.Submit(r.Context(), sub)
	if receipt != nil {
		setRateHeaders(w, receipt.Rate)
	}
	if err != nil {
		s.renderSubmitError(w, r, err)
		return
	}

	run := receipt.Run
	setCostHeaders(w, run)
	writeJSON(w, r, http.StatusAccepted, submitReceipt{
		RunID:      run.RunID,
		Status:     string(run.Status),
		MoneyState: string(run.MoneyState),
		CreatedAt:  run.CreatedAt,
		Cost: costBlock{
			ReservedUSD:   money.FormatUSD(run.ReservationMaxCostMicros),
			MinimumFeeUSD: money.FormatUSD(run.MinimumFeeMicros),
		},
		Poll: pollHints{
			URL:        "/v1/runs/" + run.RunID,
			IntervalMS: config.PollIntervalMS,
			MaxWaitSec: int(config.PollMaxWait / time.Second),
		},
	})
}

// renderSubmitError maps admission failures onto problems. Rate headers
// are already set by the caller when the guard produced a snapshot.
func (s *Server) renderSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	var violation *planguard.Violation
	if errors.As(err, &violation) {
		if violation.RetryAfter > 0 {
			writeRetryAfter(w, violation.RetryAfter.Seconds())
		}
		writeProblem(w, r, violation.StatusCode, violation.Code, violation.Title, violation.Detail)
		return
	}

	var insufficient *admission.InsufficientBudgetError
	if errors.As(err, &insufficient) {
		writeProblem(w, r, http.StatusPaymentRequired, "insufficient-budget",
			"Insufficient budget",
			fmt.Sprintf("balance %s USD cannot cover reservation %s USD",
				money.FormatUSD(insufficient.BalanceMicros),
				money.FormatUSD(insufficient.RequestedMicros)))
		return
	}

	if errors.Is(err, admission.ErrIdempotencyConflict) {
		writeProblem(w, r, http.StatusConflict, "idempotency-conflict",
			"Idempotency conflict",
			"this Idempotency-Key was already used with a different payload")
		return
	}

	zerolog.Ctx(r.Context()).Error().Err(err).Msg("admission failed")
	writeProblem(w, r, http.StatusInternalServerError, "internal", "", "an internal error occurred")
}

// runView is the GET /v1/runs/{run_id} body.
type runView struct {
	RunID       string      `json:"run_id"`
	PackType    string      `json:"pack_type"`
	Status      string      `json:"status"`
	MoneyState  string      `json:"money_state"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Cost        costBlock   `json:"cost"`
	Result      *resultView `json:"result,omitempty"`
	Error       *errorView  `json:"error,omitempty"`
}

type resultView struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	SHA256    string    `json:"sha256,omitempty"`
}

type errorView struct {
	ReasonCode string `json:"reason_code"`
	Detail     string `json:"detail,omitempty"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	runID := chi.URLParam(r, "runID")

	rate, err := s.guard.EnforcePoll(r.Context(), identity.TenantID)
	setRateHeaders(w, rate)
	if err != nil {
		var violation *planguard.Violation
		if errors.As(err, &violation) {
			if violation.RetryAfter > 0 {
				writeRetryAfter(w, violation.RetryAfter.Seconds())
			}
			writeProblem(w, r, violation.StatusCode, violation.Code, violation.Title, violation.Detail)
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("poll rate check failed")
		writeProblem(w, r, http.StatusInternalServerError, "internal", "", "an internal error occurred")
		return
	}

	// The tenant-scoped read makes cross-tenant probing and a genuinely
	// unknown run indistinguishable.
	run, err := s.runs.Get(r.Context(), runID, identity.TenantID)
	if errors.Is(err, runstore.ErrNotFound) {
		writeProblem(w, r, http.StatusNotFound, "not-found", "", "run not found")
		return
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("run read failed")
		writeProblem(w, r, http.StatusInternalServerError, "internal", "", "an internal error occurred")
		return
	}

	if run.RetentionUntil != nil && s.nowFn().After(*run.RetentionUntil) {
		writeProblem(w, r, http.StatusGone, "retention-expired", "Retention expired",
			"this run's results are past their retention window")
		return
	}

	setCostHeaders(w, run)

	view := runView{
		RunID:       run.RunID,
		PackType:    run.PackType,
		Status:      string(run.Status),
		MoneyState:  string(run.MoneyState),
		CreatedAt:   run.CreatedAt,
		CompletedAt: run.CompletedAt,
		Cost:        buildCostBlock(run),
	}

	if run.Status == runstore.StatusCompleted && run.ResultKey != nil {
		url, expires, err := s.signer.PresignGet(r.Context(), *run.ResultKey, config.PresignTTL)
		if err != nil {
			// The run itself is fine; only the download link is missing.
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("presign failed")
		} else {
			view.Result = &resultView{URL: url, ExpiresAt: expires}
			if run.ResultSHA256 != nil {
				view.Result.SHA256 = *run.ResultSHA256
			}
		}
	}

	if (run.Status == runstore.StatusFailed || run.Status == runstore.StatusTimedOut) && run.LastErrorReasonCode != nil {
		view.Error = &errorView{ReasonCode: *run.LastErrorReasonCode}
		if run.LastErrorDetail != nil {
			view.Error.Detail = *run.LastErrorDetail
		}
	}

	writeJSON(w, r, http.StatusOK, view)
}

func (s *Server) handleUsageDaily(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	to := s.nowFn().UTC()
	from := to.AddDate(0, 0, -config.RetentionDays)
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse("2006-01-02", raw); err != nil {
			writeProblem(w, r, http.StatusBadRequest, "invalid-date", "", "from must be YYYY-MM-DD")
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse("2006-01-02", raw); err != nil {
			writeProblem(w, r, http.StatusBadRequest, "invalid-date", "", "to must be YYYY-MM-DD")
			return
		}
	}

	days, err := s.usage.DailySummary(r.Context(), identity.TenantID, from, to)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("usage summary failed")
		writeProblem(w, r, http.StatusInternalServerError, "internal", "", "an internal error occurred")
		return
	}

	type dayView struct {
		Date           string `json:"date"`
		RunsCount      int64  `json:"runs_count"`
		SuccessCount   int64  `json:"success_count"`
		FailCount      int64  `json:"fail_count"`
		ActualUSD      string `json:"actual_usd"`
		ReservedUSD    string `json:"reserved_usd"`
	}
	views := make([]dayView, 0, len(days))
	for _, d := range days {
		views = append(views, dayView{
			Date:         d.UsageDate.UTC().Format("2006-01-02"),
			RunsCount:    d.RunsCount,
			SuccessCount: d.SuccessCount,
			FailCount:    d.FailCount,
			ActualUSD:    money.FormatUSD(d.ActualMicros),
			ReservedUSD:  money.FormatUSD(d.ReservedMicros),
		})
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"days": views})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, p := range s.readies {
		if err := p.Ping(ctx); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("readiness dependency down")
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// buildCostBlock renders a run's money as API strings. budget_remaining
// is what is left of the reservation: the full reservation while the
// run is live, reservation minus the settled charge once it is not.
func buildCostBlock(run *runstore.Run) costBlock {
	block := costBlock{
		ReservedUSD:   money.FormatUSD(run.ReservationMaxCostMicros),
		MinimumFeeUSD: money.FormatUSD(run.MinimumFeeMicros),
	}

	used := int64(0)
	if run.ActualCostMicros != nil {
		u := money.FormatUSD(*run.ActualCostMicros)
		block.UsedUSD = &u
		used = *run.ActualCostMicros
	}
	remaining := money.FormatUSD(run.ReservationMaxCostMicros - used)
	block.BudgetRemainingUSD = &remaining
	return block
}

func setCostHeaders(w http.ResponseWriter, run *runstore.Run) {
	w.Header().Set("X-DPP-Cost-Reserved", money.FormatUSD(run.ReservationMaxCostMicros))
	w.Header().Set("X-DPP-Cost-Minimum-Fee", money.FormatUSD(run.MinimumFeeMicros))
	if run.ActualCostMicros != nil {
		w.Header().Set("X-DPP-Cost-Actual", money.FormatUSD(*run.ActualCostMicros))
	}
}

func setRateHeaders(w http.ResponseWriter, rate *planguard.RateSnapshot) {
	if rate == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rate.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rate.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rate.Reset.Unix(), 10))
}
