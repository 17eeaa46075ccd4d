// Package ledger provides atomic tenant budget management on Redis.
//
// This is the money engine of DPP. Every run that enters the platform
// moves funds through this package in a strict reserve → settle/refund
// shape:
//
//  1. Admission RESERVES the run's maximum cost, so concurrent runs from
//     the same tenant can never collectively overspend the balance.
//  2. Finalization SETTLES the actual charge: the charge stays deducted,
//     the remainder is refunded, and a settlement receipt is written in
//     the same atomic step.
//  3. Runs that never execute get a full REFUND of the reservation.
//
// Atomicity comes from server-side Lua: each mutator is one script, and
// the script is the unit of atomicity. The classic check-then-act race
// (two requests both see enough balance and both proceed) cannot happen
// because the check and the act run in the same invocation.
//
// The receipt is load-bearing. A network failure after a script returns
// is indistinguishable from the script never running, so callers that
// lose a settle response must not retry blindly; they look for
// receipt:{run_id}, which exists if and only if settlement happened.
// Crash recovery (reconciler) is built entirely on this property.
//
// Balances live only here. The durable relational store holds run state
// and lifetime credit totals, never live balances; audit tooling checks
// the two against each other to the micro (see Snapshot and
// VerifyEquation).
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/packforge/dpp/internal/config"
)

// Store is the slice of the key/value client the ledger uses. A
// *redis.Client satisfies it; tests substitute scripted fakes.
type Store interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Ledger executes the atomic budget operations.
//
// Thread safety: all methods are safe for concurrent use; the underlying
// client pools connections.
//
// Lifecycle: construct once at startup with New and inject it everywhere
// a component moves money. Scripts are compiled lazily on first use and
// cached by SHA thereafter.
type Ledger struct {
	kv  Store
	log zerolog.Logger

	reserve *redis.Script
	settle  *redis.Script
	refund  *redis.Script
}

// New creates a Ledger on an established key/value client.
func New(kv Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		kv:      kv,
		log:     logger.With().Str("component", "ledger").Logger(),
		reserve: redis.NewScript(reserveScript),
		settle:  redis.NewScript(settleScript),
		refund:  redis.NewScript(refundScript),
	}
}

// ReserveCode classifies the outcome of Reserve.
type ReserveCode int

const (
	ReserveOK ReserveCode = iota
	ReserveAlreadyReserved
	ReserveInsufficient
)

// ReserveResult is the outcome of a reservation attempt. These are
// expected results of contention, not errors; an error return means the
// script itself could not run.
type ReserveResult struct {
	Code ReserveCode

	// BalanceMicros is the post-reserve balance on OK, or the balance
	// that was insufficient. Zero and meaningless on AlreadyReserved.
	BalanceMicros int64
}

// SettleCode classifies the outcome of Settle.
type SettleCode int

const (
	SettleOK SettleCode = iota
	SettleNoReserve
)

// SettleResult is the outcome of consuming a reservation.
type SettleResult struct {
	Code           SettleCode
	ChargedMicros  int64
	RefundedMicros int64
	BalanceMicros  int64
}

// RefundCode classifies the outcome of RefundFull.
type RefundCode int

const (
	RefundOK RefundCode = iota
	RefundNoReserve
)

// RefundResult is the outcome of releasing an unconsumed reservation.
type RefundResult struct {
	Code           RefundCode
	RefundedMicros int64
	BalanceMicros  int64
}

// Reservation is the live hold a run has on its tenant's balance.
type Reservation struct {
	TenantID       string
	ReservedMicros int64
	CreatedAtMS    int64
}

// Receipt proves a run was settled and for how much.
type Receipt struct {
	TenantID      string
	ChargedMicros int64
	SettledAtMS   int64
}

// Reserve atomically holds amountMicros of the tenant's balance for a
// run. The hold expires on its own after the platform reservation TTL;
// everything that consumes it must happen inside that window.
func (l *Ledger) Reserve(ctx context.Context, tenantID, runID string, amountMicros int64) (*ReserveResult, error) {
	start := time.Now()

	keys := []string{balanceKey(tenantID), reserveKey(runID)}
	args := []interface{}{
		amountMicros,
		tenantID,
		time.Now().UnixMilli(),
		int(config.ReservationTTL / time.Second),
	}

	reply, err := l.reserve.Run(ctx, l.kv, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve script failed: %w", err)
	}

	status, nums, err := decodeReply(reply, 1)
	if err != nil {
		return nil, fmt.Errorf("reserve reply: %w", err)
	}

	res := &ReserveResult{BalanceMicros: nums[0]}
	switch status {
	case "OK":
		res.Code = ReserveOK
	case "ERR_ALREADY_RESERVED":
		res.Code = ReserveAlreadyReserved
	case "ERR_INSUFFICIENT":
		res.Code = ReserveInsufficient
	default:
		return nil, fmt.Errorf("reserve reply: unknown status %q", status)
	}

	l.log.Debug().
		Str("tenant_id", tenantID).
		Str("run_id", runID).
		Int64("amount_micros", amountMicros).
		Str("status", status).
		Int64("balance_micros", res.BalanceMicros).
		Dur("duration", time.Since(start)).
		Msg("reserve completed")

	return res, nil
}

// Settle consumes the run's reservation exactly once. The requested
// charge is clamped into [0, reserved] server-side, the remainder is
// refunded, and the settlement receipt is written in the same atomic
// invocation. On SettleNoReserve nothing was changed; the caller must
// check GetReceipt before deciding what really happened.
func (l *Ledger) Settle(ctx context.Context, tenantID, runID string, requestedChargeMicros int64) (*SettleResult, error) {
	start := time.Now()

	keys := []string{balanceKey(tenantID), reserveKey(runID), receiptKey(runID)}
	args := []interface{}{
		requestedChargeMicros,
		time.Now().UnixMilli(),
	}

	reply, err := l.settle.Run(ctx, l.kv, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("settle script failed: %w", err)
	}

	status, nums, err := decodeReply(reply, 3)
	if err != nil {
		return nil, fmt.Errorf("settle reply: %w", err)
	}

	res := &SettleResult{
		ChargedMicros:  nums[0],
		RefundedMicros: nums[1],
		BalanceMicros:  nums[2],
	}
	switch status {
	case "OK":
		res.Code = SettleOK
	case "ERR_NO_RESERVE":
		res.Code = SettleNoReserve
	default:
		return nil, fmt.Errorf("settle reply: unknown status %q", status)
	}

	l.log.Debug().
		Str("tenant_id", tenantID).
		Str("run_id", runID).
		Int64("requested_micros", requestedChargeMicros).
		Str("status", status).
		Int64("charged_micros", res.ChargedMicros).
		Int64("refunded_micros", res.RefundedMicros).
		Dur("duration", time.Since(start)).
		Msg("settle completed")

	return res, nil
}

// RefundFull releases an unconsumed reservation back to the balance and
// writes no receipt. Used by admission compensation when a run is aborted
// before it ever executes.
func (l *Ledger) RefundFull(ctx context.Context, tenantID, runID string) (*RefundResult, error) {
	start := time.Now()

	keys := []string{balanceKey(tenantID), reserveKey(runID)}

	reply, err := l.refund.Run(ctx, l.kv, keys).Result()
	if err != nil {
		return nil, fmt.Errorf("refund script failed: %w", err)
	}

	status, nums, err := decodeReply(reply, 2)
	if err != nil {
		return nil, fmt.Errorf("refund reply: %w", err)
	}

	res := &RefundResult{
		RefundedMicros: nums[0],
		BalanceMicros:  nums[1],
	}
	switch status {
	case "OK":
		res.Code = RefundOK
	case "ERR_NO_RESERVE":
		res.Code = RefundNoReserve
	default:
		return nil, fmt.Errorf("refund reply: unknown status %q", status)
	}

	l.log.Debug().
		Str("tenant_id", tenantID).
		Str("run_id", runID).
		Str("status", status).
		Int64("refunded_micros", res.RefundedMicros).
		Dur("duration", time.Since(start)).
		Msg("refund_full completed")

	return res, nil
}

// GetBalance returns the tenant's live balance. A tenant with no balance
// key reads as zero, which is also what the reserve script assumes.
func (l *Ledger) GetBalance(ctx context.Context, tenantID string) (int64, error) {
	val, err := l.kv.Get(ctx, balanceKey(tenantID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}

	micros, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("get balance: non-integer value %q: %w", val, err)
	}
	return micros, nil
}

// GetReservation returns the live reservation for a run, or nil if none
// exists (never created, already consumed, or expired).
func (l *Ledger) GetReservation(ctx context.Context, runID string) (*Reservation, error) {
	fields, err := l.kv.HGetAll(ctx, reserveKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	r := &Reservation{TenantID: fields["tenant_id"]}
	if r.ReservedMicros, err = parseField(fields, "reserved_micros"); err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	if r.CreatedAtMS, err = parseField(fields, "created_at_ms"); err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// GetReceipt returns the settlement receipt for a run, or nil if the run
// was never settled.
func (l *Ledger) GetReceipt(ctx context.Context, runID string) (*Receipt, error) {
	fields, err := l.kv.HGetAll(ctx, receiptKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	r := &Receipt{TenantID: fields["tenant_id"]}
	if r.ChargedMicros, err = parseField(fields, "charged_micros"); err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	if r.SettledAtMS, err = parseField(fields, "settled_at_ms"); err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return r, nil
}

// Credit adds micros to a tenant's balance and returns the new balance.
// The caller records the credit in the durable store as well; the audit
// equation catches the halves drifting apart.
func (l *Ledger) Credit(ctx context.Context, tenantID string, micros int64) (int64, error) {
	balance, err := l.kv.IncrBy(ctx, balanceKey(tenantID), micros).Result()
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}

	l.log.Info().
		Str("tenant_id", tenantID).
		Int64("credit_micros", micros).
		Int64("balance_micros", balance).
		Msg("balance credited")

	return balance, nil
}

// Ping reports whether the store is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.kv.Ping(ctx).Err()
}

func balanceKey(tenantID string) string { return fmt.Sprintf("balance:%s", tenantID) }
func reserveKey(runID string) string    { return fmt.Sprintf("reserve:%s", runID) }
func receiptKey(runID string) string    { return fmt.Sprintf("receipt:%s", runID) }

// decodeReply unpacks a script reply of the form {status, n1, n2, ...}
// with exactly wantNums numbers after the status.
func decodeReply(reply interface{}, wantNums int) (string, []int64, error) {
	arr, ok := reply.([]interface{})
	if !ok || len(arr) != wantNums+1 {
		return "", nil, fmt.Errorf("unexpected script reply shape: %T len %d", reply, replyLen(reply))
	}

	status, ok := arr[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("unexpected status type %T", arr[0])
	}

	nums := make([]int64, wantNums)
	for i := 0; i < wantNums; i++ {
		n, ok := arr[i+1].(int64)
		if !ok {
			return "", nil, fmt.Errorf("unexpected numeric element %d type %T", i+1, arr[i+1])
		}
		nums[i] = n
	}
	return status, nums, nil
}

func replyLen(reply interface{}) int {
	if arr, ok := reply.([]interface{}); ok {
		return len(arr)
	}
	return -1
}

func parseField(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("missing field %q", name)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", name, err)
	}
	return n, nil
}
