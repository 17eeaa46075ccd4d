package runstore

import (
	"context"
	"fmt"
)

// TenantCredit is a tenant's lifetime credited total. The ledger
// provisions live balances from these rows and the audit equation checks
// the live ledger against their sum.
type TenantCredit struct {
	TenantID       string
	CreditedMicros int64
}

// ListTenantCredits returns every active tenant's lifetime credit total.
func (s *Store) ListTenantCredits(ctx context.Context) ([]TenantCredit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, credited_micros FROM tenants WHERE status = 'ACTIVE' ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenant credits: %w", err)
	}
	defer rows.Close()

	var credits []TenantCredit
	for rows.Next() {
		var c TenantCredit
		if err := rows.Scan(&c.TenantID, &c.CreditedMicros); err != nil {
			return nil, fmt.Errorf("list tenant credits: %w", err)
		}
		credits = append(credits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenant credits: %w", err)
	}
	return credits, nil
}

// SumTenantCredits returns the lifetime credited total across all
// tenants, the left-hand side of the reconciliation equation.
func (s *Store) SumTenantCredits(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(credited_micros), 0) FROM tenants`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum tenant credits: %w", err)
	}
	return total, nil
}

// RecordCredit bumps a tenant's lifetime credit total. Called alongside
// the ledger INCRBY so the durable side and the live side move together;
// drift between them is what the audit equation catches.
func (s *Store) RecordCredit(ctx context.Context, tenantID string, micros int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET credited_micros = credited_micros + $1 WHERE tenant_id = $2`,
		micros, tenantID)
	if err != nil {
		return fmt.Errorf("record credit for %s: %w", tenantID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record credit for %s: %w", tenantID, err)
	}
	if n == 0 {
		return fmt.Errorf("record credit: %w", ErrNotFound)
	}
	return nil
}
