// Package runstore persists the authoritative Run records in Postgres.
//
// A run row is the single source of truth for a run's lifecycle. It is
// mutated by exactly one actor at a time (admission, a worker, the
// reaper, or the reconciler), and that serialization is enforced by one
// primitive: UpdateIf, a conditional UPDATE that requires the caller's
// expected version plus any extra predicates and reports whether it won.
// Zero rows updated is a normal outcome meaning the caller lost a race,
// not an error.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Run statuses. QUEUED and PROCESSING are live; the rest are terminal.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTimedOut   Status = "TIMED_OUT"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether a status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// MoneyState tracks where the run's funds are.
type MoneyState string

const (
	MoneyNone          MoneyState = "NONE"
	MoneyReserved      MoneyState = "RESERVED"
	MoneySettled       MoneyState = "SETTLED"
	MoneyRefunded      MoneyState = "REFUNDED"
	MoneyAuditRequired MoneyState = "AUDIT_REQUIRED"
)

// FinalizeStage marks progress through the two-phase finalize.
type FinalizeStage string

const (
	StageClaimed   FinalizeStage = "CLAIMED"
	StageCommitted FinalizeStage = "COMMITTED"
)

var (
	// ErrNotFound covers both a missing run and a run owned by another
	// tenant; callers must not be able to tell the difference.
	ErrNotFound = errors.New("runstore: run not found")

	// ErrDuplicateIdempotencyKey reports that another run already holds
	// this tenant's idempotency key. Admission treats it as a signal to
	// re-fetch, never as a failure.
	ErrDuplicateIdempotencyKey = errors.New("runstore: duplicate idempotency key")
)

// Run mirrors one row of the runs table. All money fields are integer
// micros. Pointer fields are nullable columns.
type Run struct {
	RunID    string
	TenantID string
	PackType string

	Status     Status
	MoneyState MoneyState
	Version    int64

	IdempotencyKey *string
	PayloadHash    string

	ReservationMaxCostMicros int64
	ActualCostMicros         *int64
	MinimumFeeMicros         int64

	TimeboxSec          int
	MinReliabilityScore float64
	Inputs              json.RawMessage

	LeaseToken     *string
	LeaseExpiresAt *time.Time

	FinalizeToken     *string
	FinalizeStage     *FinalizeStage
	FinalizeClaimedAt *time.Time

	ResultBucket *string
	ResultKey    *string
	ResultSHA256 *string

	RetentionUntil      *time.Time
	LastErrorReasonCode *string
	LastErrorDetail     *string
	TraceID             *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Changes is the set of columns an UpdateIf writes. version and
// updated_at are managed by the store and must not appear here.
type Changes map[string]interface{}

// Conditions adds predicates to an UpdateIf beyond the version check.
// A nil value means IS NULL; a Before value means column < t; anything
// else is an equality test.
type Conditions map[string]interface{}

// Before is a temporal predicate for Conditions: column < Time. The
// reaper's expired-lease claim is the one user.
type Before struct{ Time time.Time }

// updatableColumns is the whitelist for Changes and Conditions keys.
// Anything else is a programming error, surfaced loudly.
var updatableColumns = map[string]bool{
	"status":                 true,
	"money_state":            true,
	"actual_cost_micros":     true,
	"lease_token":            true,
	"lease_expires_at":       true,
	"finalize_token":         true,
	"finalize_stage":         true,
	"finalize_claimed_at":    true,
	"result_bucket":          true,
	"result_key":             true,
	"result_sha256":          true,
	"last_error_reason_code": true,
	"last_error_detail":      true,
	"completed_at":           true,
}

// Store is the Postgres-backed run repository. Safe for concurrent use;
// the sql pool hands every call its own connection.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New creates a Store on an established database handle.
func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: logger.With().Str("component", "runstore").Logger(),
	}
}

const runColumns = `run_id, tenant_id, pack_type, status, money_state, version,
	idempotency_key, payload_hash,
	reservation_max_cost_micros, actual_cost_micros, minimum_fee_micros,
	timebox_sec, min_reliability_score, inputs,
	lease_token, lease_expires_at,
	finalize_token, finalize_stage, finalize_claimed_at,
	result_bucket, result_key, result_sha256,
	retention_until, last_error_reason_code, last_error_detail, trace_id,
	created_at, updated_at, completed_at`

// Create inserts a fresh run at version 0. A unique violation on the
// per-tenant idempotency index maps to ErrDuplicateIdempotencyKey so
// admission can re-fetch the winner's row.
func (s *Store) Create(ctx context.Context, run *Run) error {
	const q = `
		INSERT INTO runs (
			run_id, tenant_id, pack_type, status, money_state, version,
			idempotency_key, payload_hash,
			reservation_max_cost_micros, minimum_fee_micros,
			timebox_sec, min_reliability_score, inputs,
			retention_until, trace_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now(),now())`

	_, err := s.db.ExecContext(ctx, q,
		run.RunID, run.TenantID, run.PackType, run.Status, run.MoneyState, run.Version,
		run.IdempotencyKey, run.PayloadHash,
		run.ReservationMaxCostMicros, run.MinimumFeeMicros,
		run.TimeboxSec, run.MinReliabilityScore, []byte(run.Inputs),
		run.RetentionUntil, run.TraceID,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("create run: %w", err)
	}

	s.log.Debug().
		Str("run_id", run.RunID).
		Str("tenant_id", run.TenantID).
		Str("pack_type", run.PackType).
		Msg("run created")
	return nil
}

// Get loads a run scoped to its owner. A run belonging to another tenant
// reads as ErrNotFound, which is what keeps cross-tenant probing blind.
func (s *Store) Get(ctx context.Context, runID, tenantID string) (*Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE run_id = $1 AND tenant_id = $2`
	return s.queryOne(ctx, q, runID, tenantID)
}

// GetByIdempotencyKey returns the run holding (tenant, key), if any.
func (s *Store) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE tenant_id = $1 AND idempotency_key = $2`
	return s.queryOne(ctx, q, tenantID, key)
}

// UpdateIf performs the conditional update that serializes all run
// mutation. It matches on run_id, tenant_id, the expected version, and
// every predicate in require; on a match it applies set, bumps version,
// and refreshes updated_at. False means zero rows matched: the caller
// lost the race and must re-read before deciding anything.
func (s *Store) UpdateIf(ctx context.Context, runID, tenantID string, expectedVersion int64, set Changes, require Conditions) (bool, error) {
	query, args, err := buildUpdateIf(runID, tenantID, expectedVersion, set, require)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update run %s: %w", runID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update run %s: rows affected: %w", runID, err)
	}
	if n > 1 {
		// run_id is the primary key; more than one row is corruption.
		return false, fmt.Errorf("update run %s: matched %d rows", runID, n)
	}
	return n == 1, nil
}

// buildUpdateIf assembles the UPDATE statement. Deterministic column
// order keeps the statement cacheable and the tests exact.
func buildUpdateIf(runID, tenantID string, expectedVersion int64, set Changes, require Conditions) (string, []interface{}, error) {
	if len(set) == 0 {
		return "", nil, errors.New("runstore: empty change set")
	}

	var (
		sets  []string
		wheres []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, col := range sortedKeys(set) {
		if !updatableColumns[col] {
			return "", nil, fmt.Errorf("runstore: column %q is not updatable", col)
		}
		sets = append(sets, fmt.Sprintf("%s = %s", col, arg(set[col])))
	}
	sets = append(sets, "version = version + 1", "updated_at = now()")

	wheres = append(wheres,
		fmt.Sprintf("run_id = %s", arg(runID)),
		fmt.Sprintf("tenant_id = %s", arg(tenantID)),
		fmt.Sprintf("version = %s", arg(expectedVersion)),
	)
	for _, col := range sortedKeys(require) {
		if !conditionColumn(col) {
			return "", nil, fmt.Errorf("runstore: column %q is not a valid condition", col)
		}
		switch v := require[col].(type) {
		case nil:
			wheres = append(wheres, fmt.Sprintf("%s IS NULL", col))
		case Before:
			wheres = append(wheres, fmt.Sprintf("%s < %s", col, arg(v.Time)))
		default:
			wheres = append(wheres, fmt.Sprintf("%s = %s", col, arg(v)))
		}
	}

	query := "UPDATE runs SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(wheres, " AND ")
	return query, args, nil
}

func conditionColumn(col string) bool {
	return updatableColumns[col]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ClaimForProcessing moves a queued run into PROCESSING under a fresh
// lease. False means another worker got there first.
func (s *Store) ClaimForProcessing(ctx context.Context, runID, tenantID string, expectedVersion int64, leaseToken string, leaseExpiresAt time.Time) (bool, error) {
	return s.UpdateIf(ctx, runID, tenantID, expectedVersion,
		Changes{
			"status":           StatusProcessing,
			"lease_token":      leaseToken,
			"lease_expires_at": leaseExpiresAt,
		},
		Conditions{"status": StatusQueued},
	)
}

// ExtendLease is the heartbeat write: push lease_expires_at forward,
// but only while this worker still owns the lease and the run is still
// in flight. A lost CAS here means the lease was reaped or finalized.
func (s *Store) ExtendLease(ctx context.Context, runID, tenantID string, expectedVersion int64, leaseToken string, newExpiry time.Time) (bool, error) {
	return s.UpdateIf(ctx, runID, tenantID, expectedVersion,
		Changes{"lease_expires_at": newExpiry},
		Conditions{
			"status":      StatusProcessing,
			"lease_token": leaseToken,
		},
	)
}

// ListExpiredLeases returns runs whose worker has gone quiet: still
// PROCESSING, lease past expiry, no finalize in flight. The reaper's
// claim re-checks every one of these predicates under CAS; this listing
// is only a prefilter.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs
		WHERE status = $1 AND lease_expires_at < $2 AND finalize_stage IS NULL
		ORDER BY lease_expires_at ASC
		LIMIT $3`
	return s.queryMany(ctx, q, StatusProcessing, now, limit)
}

// ListStuckClaimed returns runs that entered the finalize claim but
// never committed, older than the given cutoff. These are crash
// suspects for the reconciler.
func (s *Store) ListStuckClaimed(ctx context.Context, olderThan time.Time, limit int) ([]*Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs
		WHERE status = $1 AND finalize_stage = $2 AND finalize_claimed_at < $3
		ORDER BY finalize_claimed_at ASC
		LIMIT $4`
	return s.queryMany(ctx, q, StatusProcessing, StageClaimed, olderThan, limit)
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) queryOne(ctx context.Context, query string, args ...interface{}) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

func (s *Store) queryMany(ctx context.Context, query string, args ...interface{}) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run    Run
		inputs []byte
		stage  sql.NullString
	)
	err := row.Scan(
		&run.RunID, &run.TenantID, &run.PackType, &run.Status, &run.MoneyState, &run.Version,
		&run.IdempotencyKey, &run.PayloadHash,
		&run.ReservationMaxCostMicros, &run.ActualCostMicros, &run.MinimumFeeMicros,
		&run.TimeboxSec, &run.MinReliabilityScore, &inputs,
		&run.LeaseToken, &run.LeaseExpiresAt,
		&run.FinalizeToken, &stage, &run.FinalizeClaimedAt,
		&run.ResultBucket, &run.ResultKey, &run.ResultSHA256,
		&run.RetentionUntil, &run.LastErrorReasonCode, &run.LastErrorDetail, &run.TraceID,
		&run.CreatedAt, &run.UpdatedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Inputs = json.RawMessage(inputs)
	if stage.Valid {
		fs := FinalizeStage(stage.String)
		run.FinalizeStage = &fs
	}
	return &run, nil
}
