// Package usage maintains the per-tenant daily roll-up of terminal runs.
// One row per (tenant, day), advanced by an atomic upsert so concurrent
// finalizes from any number of workers aggregate correctly.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Daily is one (tenant, day) roll-up row.
type Daily struct {
	TenantID       string
	UsageDate      time.Time
	RunsCount      int64
	SuccessCount   int64
	FailCount      int64
	ActualMicros   int64
	ReservedMicros int64
}

// Recorder writes and reads the roll-up. Safe for concurrent use.
type Recorder struct {
	db  *sql.DB
	log zerolog.Logger
}

// New creates a Recorder.
func New(db *sql.DB, logger zerolog.Logger) *Recorder {
	return &Recorder{
		db:  db,
		log: logger.With().Str("component", "usage").Logger(),
	}
}

// RecordCompletion folds one terminal run into its day's row. The
// ON CONFLICT arithmetic runs inside the database, so two finalizes
// landing on the same row at once both count.
func (r *Recorder) RecordCompletion(ctx context.Context, tenantID string, day time.Time, success bool, actualMicros, reservedMicros int64) error {
	successInc := 0
	failInc := 1
	if success {
		successInc, failInc = 1, 0
	}

	const q = `
		INSERT INTO tenant_usage_daily
			(tenant_id, usage_date, runs_count, success_count, fail_count,
			 actual_micros, reserved_micros, updated_at)
		VALUES ($1, $2, 1, $3, $4, $5, $6, now())
		ON CONFLICT (tenant_id, usage_date) DO UPDATE SET
			runs_count      = tenant_usage_daily.runs_count + 1,
			success_count   = tenant_usage_daily.success_count + EXCLUDED.success_count,
			fail_count      = tenant_usage_daily.fail_count + EXCLUDED.fail_count,
			actual_micros   = tenant_usage_daily.actual_micros + EXCLUDED.actual_micros,
			reserved_micros = tenant_usage_daily.reserved_micros + EXCLUDED.reserved_micros,
			updated_at      = now()`

	_, err := r.db.ExecContext(ctx, q,
		tenantID, day.UTC().Format("2006-01-02"),
		successInc, failInc, actualMicros, reservedMicros,
	)
	if err != nil {
		return fmt.Errorf("record completion for %s: %w", tenantID, err)
	}
	return nil
}

// DailySummary returns the tenant's roll-up rows in [from, to],
// newest first.
func (r *Recorder) DailySummary(ctx context.Context, tenantID string, from, to time.Time) ([]Daily, error) {
	const q = `
		SELECT tenant_id, usage_date, runs_count, success_count, fail_count,
		       actual_micros, reserved_micros
		FROM tenant_usage_daily
		WHERE tenant_id = $1 AND usage_date BETWEEN $2 AND $3
		ORDER BY usage_date DESC`

	rows, err := r.db.QueryContext(ctx, q, tenantID,
		from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("daily summary for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var days []Daily
	for rows.Next() {
		var d Daily
		if err := rows.Scan(&d.TenantID, &d.UsageDate, &d.RunsCount, &d.SuccessCount,
			&d.FailCount, &d.ActualMicros, &d.ReservedMicros); err != nil {
			return nil, fmt.Errorf("daily summary for %s: %w", tenantID, err)
		}
		days = append(days, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("daily summary for %s: %w", tenantID, err)
	}
	return days, nil
}
