package ledger

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore satisfies Store with canned script replies and in-memory key
// state. Script behavior itself is exercised against a real store by the
// env-gated integration tests; these fakes pin down argument marshaling
// and reply decoding.
type fakeStore struct {
	script func(keys []string, args []interface{}) (interface{}, error)

	values    map[string]string
	hashes    map[string]map[string]string
	scanPages map[string][]string

	lastKeys []string
	lastArgs []interface{}
}

func newFakeStore(reply interface{}) *fakeStore {
	f := &fakeStore{}
	f.script = func([]string, []interface{}) (interface{}, error) { return reply, nil }
	return f
}

func (f *fakeStore) run(keys []string, args []interface{}) *redis.Cmd {
	f.lastKeys = keys
	f.lastArgs = args
	val, err := f.script(keys, args)
	return redis.NewCmdResult(val, err)
}

func (f *fakeStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args)
}

func (f *fakeStore) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args)
}

func (f *fakeStore) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeStore) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("fakesha", nil)
}

func (f *fakeStore) Get(ctx context.Context, key string) *redis.StringCmd {
	if v, ok := f.values[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeStore) HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd {
	return redis.NewStringStringMapResult(f.hashes[key], nil)
}

func (f *fakeStore) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if _, exists := f.values[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	if f.values == nil {
		f.values = map[string]string{}
	}
	f.values[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeStore) IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd {
	if f.values == nil {
		f.values = map[string]string{}
	}
	cur, _ := strconv.ParseInt(f.values[key], 10, 64)
	cur += value
	f.values[key] = strconv.FormatInt(cur, 10)
	return redis.NewIntResult(cur, nil)
}

func (f *fakeStore) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	return redis.NewScanCmdResult(f.scanPages[match], 0, nil)
}

func (f *fakeStore) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func newTestLedger(fake *fakeStore) *Ledger {
	return New(fake, zerolog.Nop())
}

func TestReserveOK(t *testing.T) {
	fake := newFakeStore([]interface{}{"OK", int64(9_800_000)})
	l := newTestLedger(fake)

	res, err := l.Reserve(context.Background(), "t-1", "r-1", 200_000)
	require.NoError(t, err)

	assert.Equal(t, ReserveOK, res.Code)
	assert.Equal(t, int64(9_800_000), res.BalanceMicros)

	assert.Equal(t, []string{"balance:t-1", "reserve:r-1"}, fake.lastKeys)
	assert.Equal(t, int64(200_000), fake.lastArgs[0])
	assert.Equal(t, "t-1", fake.lastArgs[1])
	assert.Equal(t, 3600, fake.lastArgs[3])
}

func TestReserveInsufficient(t *testing.T) {
	fake := newFakeStore([]interface{}{"ERR_INSUFFICIENT", int64(1_000)})
	l := newTestLedger(fake)

	res, err := l.Reserve(context.Background(), "t-1", "r-1", 200_000)
	require.NoError(t, err)

	assert.Equal(t, ReserveInsufficient, res.Code)
	assert.Equal(t, int64(1_000), res.BalanceMicros)
}

func TestReserveAlreadyReserved(t *testing.T) {
	fake := newFakeStore([]interface{}{"ERR_ALREADY_RESERVED", int64(0)})
	l := newTestLedger(fake)

	res, err := l.Reserve(context.Background(), "t-1", "r-1", 200_000)
	require.NoError(t, err)
	assert.Equal(t, ReserveAlreadyReserved, res.Code)
}

func TestReserveRejectsUnknownStatus(t *testing.T) {
	l := newTestLedger(newFakeStore([]interface{}{"WAT", int64(0)}))

	_, err := l.Reserve(context.Background(), "t-1", "r-1", 1)
	assert.Error(t, err)
}

func TestReserveRejectsBadReplyShape(t *testing.T) {
	for _, reply := range []interface{}{
		[]interface{}{"OK"},                          // missing number
		[]interface{}{int64(1), int64(2)},            // status not string
		[]interface{}{"OK", "not-a-number"},          // number not int64
		"OK",                                         // not an array
		[]interface{}{"OK", int64(1), int64(2)},      // too long
	} {
		l := newTestLedger(newFakeStore(reply))
		_, err := l.Reserve(context.Background(), "t-1", "r-1", 1)
		assert.Error(t, err, "reply %#v", reply)
	}
}

func TestSettleOK(t *testing.T) {
	fake := newFakeStore([]interface{}{"OK", int64(150_000), int64(50_000), int64(9_850_000)})
	l := newTestLedger(fake)

	res, err := l.Settle(context.Background(), "t-1", "r-1", 150_000)
	require.NoError(t, err)

	assert.Equal(t, SettleOK, res.Code)
	assert.Equal(t, int64(150_000), res.ChargedMicros)
	assert.Equal(t, int64(50_000), res.RefundedMicros)
	assert.Equal(t, int64(9_850_000), res.BalanceMicros)

	assert.Equal(t, []string{"balance:t-1", "reserve:r-1", "receipt:r-1"}, fake.lastKeys)
	assert.Equal(t, int64(150_000), fake.lastArgs[0])
}

func TestSettleNoReserve(t *testing.T) {
	fake := newFakeStore([]interface{}{"ERR_NO_RESERVE", int64(0), int64(0), int64(0)})
	l := newTestLedger(fake)

	res, err := l.Settle(context.Background(), "t-1", "r-1", 150_000)
	require.NoError(t, err)
	assert.Equal(t, SettleNoReserve, res.Code)
}

func TestRefundFull(t *testing.T) {
	fake := newFakeStore([]interface{}{"OK", int64(200_000), int64(10_000_000)})
	l := newTestLedger(fake)

	res, err := l.RefundFull(context.Background(), "t-1", "r-1")
	require.NoError(t, err)

	assert.Equal(t, RefundOK, res.Code)
	assert.Equal(t, int64(200_000), res.RefundedMicros)
	assert.Equal(t, int64(10_000_000), res.BalanceMicros)
	assert.Equal(t, []string{"balance:t-1", "reserve:r-1"}, fake.lastKeys)
}

func TestRefundFullNoReserve(t *testing.T) {
	fake := newFakeStore([]interface{}{"ERR_NO_RESERVE", int64(0), int64(0)})
	l := newTestLedger(fake)

	res, err := l.RefundFull(context.Background(), "t-1", "r-1")
	require.NoError(t, err)
	assert.Equal(t, RefundNoReserve, res.Code)
}

func TestGetBalance(t *testing.T) {
	fake := &fakeStore{values: map[string]string{"balance:t-1": "12345"}}
	l := newTestLedger(fake)

	got, err := l.GetBalance(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), got)

	// Unknown tenant reads as zero, same as the reserve script assumes.
	got, err = l.GetBalance(context.Background(), "t-unknown")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestGetBalanceRejectsGarbage(t *testing.T) {
	fake := &fakeStore{values: map[string]string{"balance:t-1": "not-money"}}
	l := newTestLedger(fake)

	_, err := l.GetBalance(context.Background(), "t-1")
	assert.Error(t, err)
}

func TestGetReservation(t *testing.T) {
	fake := &fakeStore{hashes: map[string]map[string]string{
		"reserve:r-1": {
			"tenant_id":       "t-1",
			"reserved_micros": "200000",
			"created_at_ms":   "1700000000000",
		},
	}}
	l := newTestLedger(fake)

	r, err := l.GetReservation(context.Background(), "r-1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "t-1", r.TenantID)
	assert.Equal(t, int64(200_000), r.ReservedMicros)
	assert.Equal(t, int64(1_700_000_000_000), r.CreatedAtMS)

	missing, err := l.GetReservation(context.Background(), "r-gone")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetReceipt(t *testing.T) {
	fake := &fakeStore{hashes: map[string]map[string]string{
		"receipt:r-1": {
			"tenant_id":      "t-1",
			"charged_micros": "150000",
			"settled_at_ms":  "1700000000500",
		},
	}}
	l := newTestLedger(fake)

	r, err := l.GetReceipt(context.Background(), "r-1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(150_000), r.ChargedMicros)

	missing, err := l.GetReceipt(context.Background(), "r-unsettled")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCredit(t *testing.T) {
	fake := &fakeStore{values: map[string]string{"balance:t-1": "100"}}
	l := newTestLedger(fake)

	balance, err := l.Credit(context.Background(), "t-1", 900)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), balance)
}

func TestProvisionBalances(t *testing.T) {
	fake := &fakeStore{values: map[string]string{"balance:t-live": "42"}}
	l := newTestLedger(fake)

	created, err := l.ProvisionBalances(context.Background(), []TenantCredit{
		{TenantID: "t-live", CreditedMicros: 10_000_000},
		{TenantID: "t-new", CreditedMicros: 5_000_000},
		{TenantID: "t-new-2", CreditedMicros: 1_000_000},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, created)
	// The live balance reflects spend and must never be reset.
	assert.Equal(t, "42", fake.values["balance:t-live"])
	assert.Equal(t, "5000000", fake.values["balance:t-new"])
}

func TestSnapshotAndEquation(t *testing.T) {
	fake := &fakeStore{
		values: map[string]string{
			"balance:t-1": "9650000",
			"balance:t-2": "1000",
		},
		hashes: map[string]map[string]string{
			"reserve:r-2": {"tenant_id": "t-1", "reserved_micros": "200000", "created_at_ms": "1"},
			"receipt:r-1": {"tenant_id": "t-1", "charged_micros": "150000", "settled_at_ms": "2"},
		},
		scanPages: map[string][]string{
			"balance:*": {"balance:t-1", "balance:t-2"},
			"reserve:*": {"reserve:r-2"},
			"receipt:*": {"receipt:r-1"},
		},
	}
	l := newTestLedger(fake)

	// t-1 was credited 10,000,000: one run settled for 150,000 and one
	// holds 200,000. t-2 was credited 1,000 and never spent.
	report, err := l.VerifyEquation(context.Background(), 10_001_000)
	require.NoError(t, err)

	assert.Equal(t, int64(9_651_000), report.BalancesMicros)
	assert.Equal(t, int64(200_000), report.ReservesMicros)
	assert.Equal(t, int64(150_000), report.ReceiptsMicros)
	assert.Equal(t, 1, report.ReserveCount)
	assert.Equal(t, 1, report.ReceiptCount)
	assert.True(t, report.Balanced())
	assert.Equal(t, int64(0), report.DriftMicros())
}

func TestEquationReportsDrift(t *testing.T) {
	fake := &fakeStore{
		values:    map[string]string{"balance:t-1": "900"},
		scanPages: map[string][]string{"balance:*": {"balance:t-1"}},
	}
	l := newTestLedger(fake)

	report, err := l.VerifyEquation(context.Background(), 1_000)
	require.NoError(t, err)

	assert.False(t, report.Balanced())
	assert.Equal(t, int64(100), report.DriftMicros())
}
