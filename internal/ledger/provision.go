package ledger

import (
	"context"
	"fmt"
)

// TenantCredit is a tenant's lifetime credited total as recorded in the
// durable store. The caller reads these rows; the ledger only provisions.
type TenantCredit struct {
	TenantID       string
	CreditedMicros int64
}

// ProvisionBalances writes a balance key for every tenant that does not
// have one yet and reports how many were created.
//
// SetNX is the whole safety story: a live balance already reflects spend
// and must never be overwritten from the credit total. This exists so
// tenants created directly in the durable store (seeding, onboarding)
// get a live balance without a manual credit round trip.
func (l *Ledger) ProvisionBalances(ctx context.Context, credits []TenantCredit) (int, error) {
	created := 0
	for _, c := range credits {
		ok, err := l.kv.SetNX(ctx, balanceKey(c.TenantID), c.CreditedMicros, 0).Result()
		if err != nil {
			return created, fmt.Errorf("provision balance for %s: %w", c.TenantID, err)
		}
		if ok {
			created++
			l.log.Info().
				Str("tenant_id", c.TenantID).
				Int64("balance_micros", c.CreditedMicros).
				Msg("balance provisioned")
		}
	}

	l.log.Debug().
		Int("tenants", len(credits)).
		Int("provisioned", created).
		Msg("balance provisioning pass complete")

	return created, nil
}
