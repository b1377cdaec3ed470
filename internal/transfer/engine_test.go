package transfer_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"transfer-ledger/internal/domain"
	"transfer-ledger/internal/store/memory"
	"transfer-ledger/internal/transfer"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger(t *testing.T, accounts ...domain.Account) *memory.Ledger {
	t.Helper()
	l := memory.New(memory.WithLockTimeout(5 * time.Second))
	for _, acc := range accounts {
		require.NoError(t, l.EnsureAccount(context.Background(), acc))
	}
	return l
}

func account(id, currency, balance string) domain.Account {
	return domain.Account{ID: id, Currency: currency, Balance: dec(balance)}
}

func request(requestID, source, target, currency, amount string) domain.TransferRequest {
	return domain.TransferRequest{
		RequestID:       requestID,
		SourceAccountID: source,
		TargetAccountID: target,
		Currency:        currency,
		Amount:          dec(amount),
	}
}

func balance(t *testing.T, l *memory.Ledger, id string) decimal.Decimal {
	t.Helper()
	acc, err := l.Account(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func assertBalance(t *testing.T, l *memory.Ledger, id, want string) {
	t.Helper()
	got := balance(t, l, id)
	assert.Truef(t, got.Equal(dec(want)), "account %s balance: got %s want %s", id, got, want)
}

func recordCount(t *testing.T, l *memory.Ledger) int {
	t.Helper()
	recs, err := l.Transfers(context.Background())
	require.NoError(t, err)
	return len(recs)
}

func newEngine(t *testing.T, l domain.Ledger, opts ...transfer.Option) *transfer.Engine {
	t.Helper()
	return transfer.New(l, append([]transfer.Option{transfer.WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

func TestScenarioCompleteReplayDeclineDuplicate(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, account("A", "GBP", "1000"), account("B", "GBP", "500"))
	eng := newEngine(t, l)

	first, err := eng.Execute(ctx, request("r1", "A", "B", "GBP", "200"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, first.State)
	assert.NotEmpty(t, first.TransferID)
	assertBalance(t, l, "A", "800")
	assertBalance(t, l, "B", "700")

	replay, err := eng.Execute(ctx, request("r1", "A", "B", "GBP", "200"))
	require.NoError(t, err)
	assert.Equal(t, first, replay)
	assertBalance(t, l, "A", "800")
	assertBalance(t, l, "B", "700")

	declined, err := eng.Execute(ctx, request("r2", "A", "B", "GBP", "5000"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferDeclined, declined.State)
	assert.NotEqual(t, first.TransferID, declined.TransferID)
	assertBalance(t, l, "A", "800")
	assertBalance(t, l, "B", "700")

	_, err = eng.Execute(ctx, request("r1", "A", "B", "GBP", "999"))
	assert.ErrorIs(t, err, domain.ErrDuplicateRequestID)
	assertBalance(t, l, "A", "800")
	assertBalance(t, l, "B", "700")

	assert.Equal(t, 2, recordCount(t, l))
}

func TestCompletedTransferPersistsRecord(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	l := newLedger(t, account("acc-1", "GBP", "756.45"), account("acc-2", "GBP", "54.45"))
	eng := newEngine(t, l,
		transfer.WithClock(func() time.Time { return now }),
		transfer.WithIDGenerator(transfer.IDGeneratorFunc(func() string { return "transfer-1" })),
	)

	req := request("request-1", "acc-1", "acc-2", "GBP", "1.23")
	out, err := eng.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferOutcome{TransferID: "transfer-1", State: domain.TransferCompleted}, out)

	assertBalance(t, l, "acc-1", "755.22")
	assertBalance(t, l, "acc-2", "55.68")

	rec, err := l.TransferByRequestID(ctx, "request-1")
	require.NoError(t, err)
	assert.Equal(t, "transfer-1", rec.ID)
	assert.Equal(t, "acc-1", rec.SourceAccountID)
	assert.Equal(t, "acc-2", rec.TargetAccountID)
	assert.Equal(t, "GBP", rec.Currency)
	assert.True(t, rec.Amount.Equal(dec("1.23")))
	assert.Equal(t, domain.TransferCompleted, rec.State)
	assert.Equal(t, now, rec.CreatedAt)

	wantHash, err := domain.Fingerprint(req)
	require.NoError(t, err)
	assert.Equal(t, wantHash, rec.RequestHash)

	src, err := l.Account(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, now, src.UpdatedAt)
}

func TestDeclineIsPersistedAndReplayStable(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, account("a", "GBP", "10.00"), account("b", "GBP", "0.00"), account("funder", "GBP", "100"))
	eng := newEngine(t, l)

	out, err := eng.Execute(ctx, request("request-2", "a", "b", "GBP", "20.00"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferDeclined, out.State)
	assertBalance(t, l, "a", "10")
	assertBalance(t, l, "b", "0")

	rec, err := l.TransferByRequestID(ctx, "request-2")
	require.NoError(t, err)
	assert.Equal(t, domain.TransferDeclined, rec.State)
	assert.Equal(t, out.TransferID, rec.ID)

	// Funding the source afterwards does not re-evaluate a declined request.
	_, err = eng.Execute(ctx, request("fund", "funder", "a", "GBP", "50"))
	require.NoError(t, err)

	again, err := eng.Execute(ctx, request("request-2", "a", "b", "GBP", "20.00"))
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assertBalance(t, l, "a", "60")
	assertBalance(t, l, "b", "0")
}

func TestTransferOfEntireBalanceCompletes(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, account("a", "GBP", "25.50"), account("b", "GBP", "0"))
	eng := newEngine(t, l)

	out, err := eng.Execute(ctx, request("all", "a", "b", "GBP", "25.5"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, out.State)
	assertBalance(t, l, "a", "0")
	assertBalance(t, l, "b", "25.5")

	out, err = eng.Execute(ctx, request("one-more-cent", "a", "b", "GBP", "0.01"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferDeclined, out.State)
}

func TestDecimalArithmeticIsExact(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, account("a", "USD", "0.3"), account("b", "USD", "0"))
	eng := newEngine(t, l)

	for i := 0; i < 3; i++ {
		out, err := eng.Execute(ctx, request(fmt.Sprintf("tenth-%d", i), "a", "b", "USD", "0.1"))
		require.NoError(t, err)
		require.Equal(t, domain.TransferCompleted, out.State)
	}
	assertBalance(t, l, "a", "0")
	assertBalance(t, l, "b", "0.3")
}

func TestAccountNotFound(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, account("exists", "GBP", "9.99"))
	eng := newEngine(t, l)

	_, err := eng.Execute(ctx, request("request-3", "i-dont-exist", "exists", "GBP", "5"))
	assert.ErrorIs(t, err, domain.ErrSourceAccountNotFound)

	_, err = eng.Execute(ctx, request("request-4", "exists", "i-dont-exist", "GBP", "5"))
	assert.ErrorIs(t, err, domain.ErrTargetAccountNotFound)

	// Lock order puts "aaa" first, but the source is still reported first.
	_, err = eng.Execute(ctx, request("request-5", "zzz", "aaa", "GBP", "5"))
	assert.ErrorIs(t, err, domain.ErrSourceAccountNotFound)

	assertBalance(t, l, "exists", "9.99")
	assert.Equal(t, 0, recordCount(t, l))
}

func TestCurrencyMismatch(t *testing.T) {
	cases := []struct {
		name     string
		srcCur   string
		dstCur   string
		reqCur   string
		amount   string
		expected error
	}{
		{"source", "JPY", "GBP", "GBP", "1.50", domain.ErrSourceAccountCurrencyMismatch},
		{"target", "GBP", "EUR", "GBP", "1.50", domain.ErrTargetAccountCurrencyMismatch},
		{"both, source first", "JPY", "EUR", "GBP", "1.50", domain.ErrSourceAccountCurrencyMismatch},
		{"request differs from both", "GBP", "GBP", "JPY", "1", domain.ErrSourceAccountCurrencyMismatch},
		{"amount above balance", "GBP", "EUR", "GBP", "1000000", domain.ErrTargetAccountCurrencyMismatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, account("src", tc.srcCur, "10"), account("dst", tc.dstCur, "11"))
			eng := newEngine(t, l)

			_, err := eng.Execute(ctx, request("req", "src", "dst", tc.reqCur, tc.amount))
			require.ErrorIs(t, err, tc.expected)
			assert.True(t, domain.IsValidationError(err))

			assertBalance(t, l, "src", "10")
			assertBalance(t, l, "dst", "11")
			assert.Equal(t, 0, recordCount(t, l))
		})
	}
}

func TestCurrencyCheckedBeforeReplay(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, account("a", "GBP", "100"), account("b", "GBP", "0"))
	eng := newEngine(t, l)

	_, err := eng.Execute(ctx, request("r", "a", "b", "GBP", "10"))
	require.NoError(t, err)

	// Same key, wrong currency: structural check wins over the duplicate check.
	_, err = eng.Execute(ctx, request("r", "a", "b", "EUR", "10"))
	assert.ErrorIs(t, err, domain.ErrSourceAccountCurrencyMismatch)
}

func TestDuplicateRequestIDWithDifferentPayload(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, account("a", "GBP", "500"), account("b", "GBP", "500"), account("c", "GBP", "500"))
	eng := newEngine(t, l)

	_, err := eng.Execute(ctx, request("request-8", "a", "b", "GBP", "50"))
	require.NoError(t, err)

	for name, req := range map[string]domain.TransferRequest{
		"amount":    request("request-8", "a", "b", "GBP", "75"),
		"target":    request("request-8", "a", "c", "GBP", "50"),
		"direction": request("request-8", "b", "a", "GBP", "50"),
	} {
		_, err := eng.Execute(ctx, req)
		assert.ErrorIsf(t, err, domain.ErrDuplicateRequestID, "variant %s", name)
	}

	// Same value with a different scale is the same payload.
	out, err := eng.Execute(ctx, request("request-8", "a", "b", "GBP", "50.000"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, out.State)

	assertBalance(t, l, "a", "450")
	assertBalance(t, l, "b", "550")
	assertBalance(t, l, "c", "500")
	assert.Equal(t, 1, recordCount(t, l))
}

func TestInvalidRequestNeverTouchesLedger(t *testing.T) {
	spy := &countingLedger{Ledger: newLedger(t, account("a", "GBP", "10"), account("b", "GBP", "10"))}
	eng := newEngine(t, spy)

	for _, req := range []domain.TransferRequest{
		request("", "a", "b", "GBP", "1"),
		request("r", "a", "a", "GBP", "1"),
		request("r", "a", "b", "gbp", "1"),
		request("r", "a", "b", "GBP", "0"),
		request("r", "a", "b", "GBP", "-5"),
		request("r", "a", "b", "GBP", "0.0000000000000000001"),
		request("r", "a", "b", "GBP", "100000000000000000000"),
	} {
		_, err := eng.Execute(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	}
	assert.Zero(t, spy.calls())
}

func TestExtremeExponentRejectedQuickly(t *testing.T) {
	l := newLedger(t, account("a", "GBP", "10"), account("b", "GBP", "0"))
	eng := newEngine(t, l)

	start := time.Now()
	for i, raw := range []string{"1e-50000000", "1e50000000"} {
		_, err := eng.Execute(context.Background(), request(fmt.Sprintf("exp-%d", i), "a", "b", "GBP", raw))
		require.ErrorIs(t, err, domain.ErrInvalidRequest)
	}
	assert.Less(t, time.Since(start), time.Second)

	assertBalance(t, l, "a", "10")
	assertBalance(t, l, "b", "0")
	assert.Equal(t, 0, recordCount(t, l))
}

func TestLocksAcquiredInAccountIDOrder(t *testing.T) {
	ctx := context.Background()
	inner := newLedger(t, account("acc-1", "GBP", "100"), account("acc-2", "GBP", "100"))
	rec := &recordingLedger{Ledger: inner}
	eng := newEngine(t, rec)

	_, err := eng.Execute(ctx, request("fwd", "acc-1", "acc-2", "GBP", "1"))
	require.NoError(t, err)
	_, err = eng.Execute(ctx, request("rev", "acc-2", "acc-1", "GBP", "1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"acc-1", "acc-2", "acc-1", "acc-2"}, rec.lockOrder())
}

func TestCommitFailureIsTransientAndLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	inner := newLedger(t, account("a", "GBP", "100"), account("b", "GBP", "0"))
	eng := newEngine(t, &failingCommitLedger{Ledger: inner})

	_, err := eng.Execute(ctx, request("r", "a", "b", "GBP", "40"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.False(t, domain.IsValidationError(err))

	assertBalance(t, inner, "a", "100")
	assertBalance(t, inner, "b", "0")
	assert.Equal(t, 0, recordCount(t, inner))

	// A retry with the same request against a healthy ledger applies exactly once.
	healthy := newEngine(t, inner)
	out, err := healthy.Execute(ctx, request("r", "a", "b", "GBP", "40"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, out.State)
	assertBalance(t, inner, "a", "60")
}

func TestLostInsertRaceReplaysWinner(t *testing.T) {
	ctx := context.Background()
	inner := newLedger(t, account("a", "GBP", "100"), account("b", "GBP", "0"))
	winner := domain.TransferRecord{
		ID:              "winner",
		RequestID:       "r",
		SourceAccountID: "a",
		TargetAccountID: "b",
		Currency:        "GBP",
		Amount:          dec("40"),
		State:           domain.TransferCompleted,
		CreatedAt:       time.Now().UTC(),
	}
	racing := &racingLedger{Ledger: inner, competitor: winner, races: 1}
	eng := newEngine(t, racing)

	out, err := eng.Execute(ctx, request("r", "a", "b", "GBP", "40"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferOutcome{TransferID: "winner", State: domain.TransferCompleted}, out)

	// The losing attempt rolled back its own debit.
	assertBalance(t, inner, "a", "100")
	assert.Equal(t, 1, recordCount(t, inner))
}

func TestLostInsertRaceExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	inner := newLedger(t, account("a", "GBP", "100"), account("b", "GBP", "0"))
	eng := newEngine(t, &alwaysConflictLedger{Ledger: inner}, transfer.WithMaxAttempts(2))

	_, err := eng.Execute(ctx, request("r", "a", "b", "GBP", "40"))
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.ErrorIs(t, err, domain.ErrRequestIDConflict)
	assertBalance(t, inner, "a", "100")
}

func TestNotifierSeesCreatedRecordsOnly(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, account("a", "GBP", "100"), account("b", "GBP", "0"))
	n := &collectingNotifier{}
	eng := newEngine(t, l, transfer.WithNotifier(n))

	_, err := eng.Execute(ctx, request("r1", "a", "b", "GBP", "10"))
	require.NoError(t, err)
	_, err = eng.Execute(ctx, request("r1", "a", "b", "GBP", "10"))
	require.NoError(t, err)
	_, err = eng.Execute(ctx, request("r2", "a", "b", "GBP", "1000"))
	require.NoError(t, err)
	_, err = eng.Execute(ctx, request("r3", "a", "b", "EUR", "1"))
	require.Error(t, err)

	got := n.states()
	assert.Equal(t, []domain.TransferState{domain.TransferCompleted, domain.TransferDeclined}, got)
}

func TestNotifierFailureDoesNotFailTransfer(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, account("a", "GBP", "100"), account("b", "GBP", "0"))
	eng := newEngine(t, l, transfer.WithNotifier(&collectingNotifier{err: errors.New("broker down")}))

	out, err := eng.Execute(ctx, request("r1", "a", "b", "GBP", "10"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, out.State)
	assertBalance(t, l, "a", "90")
}

func TestConservationOverRandomTransfers(t *testing.T) {
	ctx := context.Background()
	ids := []string{"acc-1", "acc-2", "acc-3", "acc-4"}
	var accounts []domain.Account
	for _, id := range ids {
		accounts = append(accounts, account(id, "EUR", "250.00"))
	}
	l := newLedger(t, accounts...)
	eng := newEngine(t, l)
	total := dec("1000")

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		src := ids[rng.Intn(len(ids))]
		dst := ids[rng.Intn(len(ids))]
		if src == dst {
			continue
		}
		amount := decimal.New(int64(rng.Intn(20000)+1), -2)
		before := balance(t, l, src).Add(balance(t, l, dst))
		srcBefore := balance(t, l, src)

		out, err := eng.Execute(ctx, domain.TransferRequest{
			RequestID:       fmt.Sprintf("rand-%d", i),
			SourceAccountID: src,
			TargetAccountID: dst,
			Currency:        "EUR",
			Amount:          amount,
		})
		require.NoError(t, err)

		after := balance(t, l, src).Add(balance(t, l, dst))
		require.Truef(t, before.Equal(after), "pair sum changed: %s -> %s", before, after)
		if amount.GreaterThan(srcBefore) {
			require.Equal(t, domain.TransferDeclined, out.State)
		} else {
			require.Equal(t, domain.TransferCompleted, out.State)
		}
		require.False(t, balance(t, l, src).IsNegative())
	}

	sum := decimal.Zero
	for _, id := range ids {
		sum = sum.Add(balance(t, l, id))
	}
	assert.Truef(t, total.Equal(sum), "total %s", sum)
}

// =========================
// Ledger doubles
// =========================

type countingLedger struct {
	domain.Ledger
	mu sync.Mutex
	n  int
}

func (c *countingLedger) RunAtomically(ctx context.Context, fn func(context.Context, domain.LedgerTx) error) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return c.Ledger.RunAtomically(ctx, fn)
}

func (c *countingLedger) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type recordingLedger struct {
	domain.Ledger
	mu    sync.Mutex
	order []string
}

func (r *recordingLedger) RunAtomically(ctx context.Context, fn func(context.Context, domain.LedgerTx) error) error {
	return r.Ledger.RunAtomically(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		return fn(ctx, &recordingTx{LedgerTx: tx, r: r})
	})
}

func (r *recordingLedger) lockOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type recordingTx struct {
	domain.LedgerTx
	r *recordingLedger
}

func (tx *recordingTx) LockAccount(ctx context.Context, id string) (domain.Account, bool, error) {
	tx.r.mu.Lock()
	tx.r.order = append(tx.r.order, id)
	tx.r.mu.Unlock()
	return tx.LedgerTx.LockAccount(ctx, id)
}

var errCommitRejected = errors.New("commit rejected")

// failingCommitLedger runs the unit of work but refuses to commit it.
type failingCommitLedger struct {
	domain.Ledger
}

func (f *failingCommitLedger) RunAtomically(ctx context.Context, fn func(context.Context, domain.LedgerTx) error) error {
	err := f.Ledger.RunAtomically(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return errCommitRejected
	})
	if errors.Is(err, errCommitRejected) {
		return domain.Transient(err)
	}
	return err
}

// racingLedger commits a competitor record for the same request id right
// before the engine inserts its own, for the first `races` attempts.
type racingLedger struct {
	domain.Ledger
	competitor domain.TransferRecord
	races      int
}

func (r *racingLedger) RunAtomically(ctx context.Context, fn func(context.Context, domain.LedgerTx) error) error {
	return r.Ledger.RunAtomically(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		return fn(ctx, &racingTx{LedgerTx: tx, r: r})
	})
}

type racingTx struct {
	domain.LedgerTx
	r *racingLedger
}

func (tx *racingTx) CreateTransferRecord(ctx context.Context, rec domain.TransferRecord) error {
	if tx.r.races > 0 {
		tx.r.races--
		err := tx.r.Ledger.RunAtomically(ctx, func(ctx context.Context, other domain.LedgerTx) error {
			return other.CreateTransferRecord(ctx, tx.r.competitor)
		})
		if err != nil {
			return err
		}
	}
	return tx.LedgerTx.CreateTransferRecord(ctx, rec)
}

type alwaysConflictLedger struct {
	domain.Ledger
}

func (a *alwaysConflictLedger) RunAtomically(ctx context.Context, fn func(context.Context, domain.LedgerTx) error) error {
	return a.Ledger.RunAtomically(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		return fn(ctx, conflictTx{LedgerTx: tx})
	})
}

type conflictTx struct {
	domain.LedgerTx
}

func (conflictTx) CreateTransferRecord(context.Context, domain.TransferRecord) error {
	return domain.ErrRequestIDConflict
}

type collectingNotifier struct {
	mu      sync.Mutex
	records []domain.TransferRecord
	err     error
}

func (c *collectingNotifier) Notify(_ context.Context, rec domain.TransferRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return c.err
}

func (c *collectingNotifier) states() []domain.TransferState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TransferState, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.State)
	}
	return out
}
