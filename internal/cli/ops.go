package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/packforge/dpp/internal/ledger"
	"github.com/packforge/dpp/internal/money"
	"github.com/packforge/dpp/internal/runstore"
)

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Verify the reconciliation equation against the live ledger",
		Long: "Checks that lifetime credits equal balances plus active reserves plus " +
			"settled receipts, to the micro. Exit 0 when the books balance, 1 on " +
			"drift, 2 when the check itself could not run.",
		Run: func(cmd *cobra.Command, args []string) {
			a, err := newApp("audit")
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			runs := runstore.New(a.db, a.log)
			credited, err := runs.SumTenantCredits(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}

			report, err := ledger.New(a.redis, a.log).VerifyEquation(ctx, credited)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}

			_ = printJSON(map[string]interface{}{
				"credited_micros": report.CreditedMicros,
				"balances_micros": report.BalancesMicros,
				"reserves_micros": report.ReservesMicros,
				"receipts_micros": report.ReceiptsMicros,
				"drift_micros":    report.DriftMicros(),
				"balanced":        report.Balanced(),
				"tenants":         report.TenantCount,
				"reserves":        report.ReserveCount,
				"receipts":        report.ReceiptCount,
			})

			if !report.Balanced() {
				os.Exit(1)
			}
		},
	}
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Apply migrations and development seed data, then provision balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("seed")
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			if err := execSQLFile(ctx, a, "migrations/001_initial_schema.up.sql", false); err != nil {
				// Re-running against an existing schema is the common case
				// in development.
				a.log.Warn().Err(err).Msg("migration apply reported an error, possibly already applied")
			} else {
				a.log.Info().Msg("migrations applied")
			}

			if err := execSQLFile(ctx, a, "test_seed.sql", true); err != nil {
				return err
			}
			a.log.Info().Msg("seed data applied")

			runs := runstore.New(a.db, a.log)
			credits, err := runs.ListTenantCredits(ctx)
			if err != nil {
				return err
			}
			provision := make([]ledger.TenantCredit, 0, len(credits))
			for _, c := range credits {
				provision = append(provision, ledger.TenantCredit{
					TenantID:       c.TenantID,
					CreditedMicros: c.CreditedMicros,
				})
			}
			created, err := ledger.New(a.redis, a.log).ProvisionBalances(ctx, provision)
			if err != nil {
				return err
			}

			a.log.Info().
				Int("tenants", len(provision)).
				Int("provisioned", created).
				Msg("seed complete")
			return nil
		},
	}
}

// execSQLFile applies one SQL file. Statement-by-statement mode splits
// on semicolons so one failed insert does not abort the rest; the seed
// file is plain inserts and never contains function bodies.
func execSQLFile(ctx context.Context, a *app, path string, perStatement bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	if !perStatement {
		if _, err := a.db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("apply %s: %w", path, err)
		}
		return nil
	}

	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = stripSQLComments(stmt)
		if stmt == "" {
			continue
		}
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s: %w", path, err)
		}
	}
	return nil
}

// stripSQLComments drops "--" comment lines so a statement led by a
// comment block still executes.
func stripSQLComments(stmt string) string {
	var kept []string
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func newAdminCmd() *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Operational commands against the live stores",
	}

	balance := &cobra.Command{
		Use:   "balance",
		Short: "Tenant balance operations",
	}
	balance.AddCommand(
		&cobra.Command{
			Use:   "get <tenant_id>",
			Short: "Show a tenant's live balance",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp("admin")
				if err != nil {
					return err
				}
				defer a.close()

				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				micros, err := ledger.New(a.redis, a.log).GetBalance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{
					"tenant_id":      args[0],
					"balance_micros": micros,
					"balance_usd":    money.FormatUSD(micros),
				})
			},
		},
		&cobra.Command{
			Use:   "credit <tenant_id> <amount_usd>",
			Short: "Credit a tenant's balance",
			Long: "Adds funds to the live balance and records the credit on the tenant " +
				"row, keeping both sides of the reconciliation equation in step.",
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				micros, err := money.ParseUSD(args[1])
				if err != nil {
					return err
				}

				a, err := newApp("admin")
				if err != nil {
					return err
				}
				defer a.close()

				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				runs := runstore.New(a.db, a.log)
				if err := runs.RecordCredit(ctx, args[0], micros); err != nil {
					return err
				}
				balance, err := ledger.New(a.redis, a.log).Credit(ctx, args[0], micros)
				if err != nil {
					return fmt.Errorf("durable credit recorded but live credit failed, run audit: %w", err)
				}
				return printJSON(map[string]interface{}{
					"tenant_id":      args[0],
					"credited_usd":   money.FormatUSD(micros),
					"balance_micros": balance,
					"balance_usd":    money.FormatUSD(balance),
				})
			},
		},
	)

	run := &cobra.Command{
		Use:   "run",
		Short: "Run record operations",
	}
	run.AddCommand(&cobra.Command{
		Use:   "get <tenant_id> <run_id>",
		Short: "Show a run row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("admin")
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			record, err := runstore.New(a.db, a.log).Get(ctx, args[1], args[0])
			if err != nil {
				return err
			}
			return printJSON(record)
		},
	})

	admin.AddCommand(balance, run)
	return admin
}
