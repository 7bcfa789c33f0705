package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"CryptoHub/internal/coordinator"
	"CryptoHub/internal/executor"
	"CryptoHub/internal/notify"
	"CryptoHub/internal/store"
	"CryptoHub/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// --- Test fakes ---

type fakeSwapRecorder struct {
	mu          sync.Mutex
	createErr   error
	finalizeErr error

	created   []store.SwapTransaction
	finalized []finalizeCall
}

type finalizeCall struct {
	ID     uuid.UUID
	Status store.SwapStatus
	TxHash *string
}

func (f *fakeSwapRecorder) Create(ctx context.Context, tx store.SwapTransaction) (*store.SwapTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	tx.ID = uuid.New()
	tx.Status = store.SwapStatusPending
	tx.CreatedAt = time.Now()
	f.created = append(f.created, tx)
	return &tx, nil
}

func (f *fakeSwapRecorder) Finalize(ctx context.Context, id uuid.UUID, status store.SwapStatus,
	txHash *string, fee *decimal.Decimal, toAmount *decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	f.finalized = append(f.finalized, finalizeCall{ID: id, Status: status, TxHash: txHash})
	return nil
}

func (f *fakeSwapRecorder) lastStatus(t *testing.T) store.SwapStatus {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.finalized) == 0 {
		t.Fatal("no finalize calls recorded")
	}
	return f.finalized[len(f.finalized)-1].Status
}

type deltaCall struct {
	UserID uuid.UUID
	Asset  string
	Name   string
	Delta  decimal.Decimal
}

type fakePortfolio struct {
	mu     sync.Mutex
	err    error
	deltas []deltaCall
}

func (f *fakePortfolio) ApplyDelta(ctx context.Context, userID uuid.UUID, asset, symbol, name string, delta decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deltas = append(f.deltas, deltaCall{UserID: userID, Asset: asset, Name: name, Delta: delta})
	return nil
}

type fakeInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeInvalidator) Invalidate(keyOrPrefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, keyOrPrefix)
}

// scriptedExecutor returns a fixed result or error, optionally after a
// delay, and records whether it was invoked.
type scriptedExecutor struct {
	mu      sync.Mutex
	result  *executor.Result
	err     error
	delay   time.Duration
	invoked int
}

func (s *scriptedExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	s.mu.Lock()
	s.invoked++
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *scriptedExecutor) invocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invoked
}

// --- Fixture ---

type swapFixture struct {
	swaps         *fakeSwapRecorder
	portfolio     *fakePortfolio
	exec          *scriptedExecutor
	caches        *fakeInvalidator
	notifications *notify.Store
	coord         *coordinator.SwapCoordinator
}

func newSwapFixture(exec *scriptedExecutor, timeout time.Duration) *swapFixture {
	f := &swapFixture{
		swaps:         &fakeSwapRecorder{},
		portfolio:     &fakePortfolio{},
		exec:          exec,
		caches:        &fakeInvalidator{},
		notifications: notify.NewStore(testutil.NewTestMetrics()),
	}
	f.coord = coordinator.NewSwapCoordinator(
		f.swaps, f.portfolio, f.exec, f.caches,
		f.notifications, nil, testutil.NewTestMetrics(), timeout,
	)
	return f
}

func testSwapRequest(userID uuid.UUID) coordinator.SwapRequest {
	return coordinator.SwapRequest{
		UserID:       userID,
		FromAsset:    "ethereum",
		FromSymbol:   "ETH",
		FromName:     "Ethereum",
		ToAsset:      "usd-coin",
		ToSymbol:     "USDC",
		ToName:       "USD Coin",
		FromAmount:   decimal.NewFromFloat(1.0),
		QuotedTo:     decimal.NewFromFloat(3200.0),
		ExchangeRate: decimal.NewFromFloat(3200.0),
		SlippageBps:  50,
		Protocol:     "1inch",
	}
}

func severityCounts(s *notify.Store) map[notify.Severity]int {
	counts := make(map[notify.Severity]int)
	for _, n := range s.List(0) {
		counts[n.Severity]++
	}
	return counts
}

// ============================================================================
// Test: successful swap
// ============================================================================

func TestExecuteSwap_Success(t *testing.T) {
	filled := decimal.NewFromFloat(3198.5)
	exec := &scriptedExecutor{result: &executor.Result{
		Reference: "0xabc",
		ToAmount:  filled,
		Fee:       decimal.NewFromFloat(0.002),
	}}
	f := newSwapFixture(exec, time.Minute)

	userID := uuid.New()
	record, err := f.coord.ExecuteSwap(context.Background(), testSwapRequest(userID))
	if err != nil {
		t.Fatalf("ExecuteSwap: %v", err)
	}

	if record.Status != store.SwapStatusCompleted {
		t.Errorf("status: got %q, want completed", record.Status)
	}
	if record.TxHash == nil || *record.TxHash != "0xabc" {
		t.Errorf("tx hash: got %v, want 0xabc", record.TxHash)
	}
	if got := f.swaps.lastStatus(t); got != store.SwapStatusCompleted {
		t.Errorf("stored status: got %q, want completed", got)
	}

	// Both holding legs: -1.0 ETH, +filled USDC.
	if len(f.portfolio.deltas) != 2 {
		t.Fatalf("deltas: got %d, want 2", len(f.portfolio.deltas))
	}
	eth, usdc := f.portfolio.deltas[0], f.portfolio.deltas[1]
	if eth.Asset != "ethereum" || !eth.Delta.Equal(decimal.NewFromFloat(-1.0)) {
		t.Errorf("from leg: got %s %s", eth.Asset, eth.Delta)
	}
	if usdc.Asset != "usd-coin" || !usdc.Delta.Equal(filled) {
		t.Errorf("to leg: got %s %s", usdc.Asset, usdc.Delta)
	}
	// The denormalized display name, not the asset id, lands on the row.
	if eth.Name != "Ethereum" || usdc.Name != "USD Coin" {
		t.Errorf("holding names: got %q/%q, want Ethereum/USD Coin", eth.Name, usdc.Name)
	}

	counts := severityCounts(f.notifications)
	if counts[notify.SeveritySuccess] != 1 || len(f.notifications.List(0)) != 1 {
		t.Errorf("notifications: got %v, want exactly one success", counts)
	}

	// Dependent caches invalidated for this user.
	want := map[string]bool{
		"portfolio:" + userID.String(): true,
		"swaps:" + userID.String():     true,
	}
	for _, k := range f.caches.keys {
		delete(want, k)
	}
	if len(want) != 0 {
		t.Errorf("missing invalidations: %v", want)
	}
}

// ============================================================================
// Test: fail-fast on create
// ============================================================================

func TestExecuteSwap_CreateFailureSkipsExecutor(t *testing.T) {
	exec := &scriptedExecutor{result: &executor.Result{Reference: "0xabc"}}
	f := newSwapFixture(exec, time.Minute)
	f.swaps.createErr = &store.RemoteWriteError{Table: "swap_transactions", Op: "create", Err: errors.New("connection refused")}

	_, err := f.coord.ExecuteSwap(context.Background(), testSwapRequest(uuid.New()))

	var remote *store.RemoteWriteError
	if !errors.As(err, &remote) {
		t.Fatalf("got %T (%v), want *store.RemoteWriteError", err, err)
	}
	if exec.invocations() != 0 {
		t.Error("executor invoked despite create failure")
	}
	if len(f.portfolio.deltas) != 0 {
		t.Error("holdings mutated despite create failure")
	}
}

// ============================================================================
// Test: user rejection
// ============================================================================

func TestExecuteSwap_UserRejected(t *testing.T) {
	exec := &scriptedExecutor{err: executor.ErrUserRejected}
	f := newSwapFixture(exec, time.Minute)

	_, err := f.coord.ExecuteSwap(context.Background(), testSwapRequest(uuid.New()))

	var actionErr *coordinator.ExternalActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("got %T (%v), want *coordinator.ExternalActionError", err, err)
	}
	if !actionErr.UserRejected {
		t.Error("UserRejected flag not set")
	}

	if got := f.swaps.lastStatus(t); got != store.SwapStatusFailed {
		t.Errorf("stored status: got %q, want failed", got)
	}
	if len(f.portfolio.deltas) != 0 {
		t.Error("holdings mutated on failed swap")
	}

	counts := severityCounts(f.notifications)
	if counts[notify.SeverityError] != 1 || len(f.notifications.List(0)) != 1 {
		t.Errorf("notifications: got %v, want exactly one error", counts)
	}
}

// ============================================================================
// Test: executor timeout
// ============================================================================

func TestExecuteSwap_Timeout(t *testing.T) {
	exec := &scriptedExecutor{
		result: &executor.Result{Reference: "0xabc"},
		delay:  time.Second,
	}
	f := newSwapFixture(exec, 20*time.Millisecond)

	_, err := f.coord.ExecuteSwap(context.Background(), testSwapRequest(uuid.New()))

	var actionErr *coordinator.ExternalActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("got %T (%v), want *coordinator.ExternalActionError", err, err)
	}
	if !actionErr.Timeout {
		t.Error("Timeout flag not set")
	}
	if got := f.swaps.lastStatus(t); got != store.SwapStatusFailed {
		t.Errorf("stored status: got %q, want failed", got)
	}
}

// ============================================================================
// Test: reconciliation error
// ============================================================================

func TestExecuteSwap_FinalizeFailureIsReconciliationError(t *testing.T) {
	exec := &scriptedExecutor{result: &executor.Result{
		Reference: "0xdeadbeef",
		ToAmount:  decimal.NewFromFloat(3200),
	}}
	f := newSwapFixture(exec, time.Minute)
	f.swaps.finalizeErr = &store.RemoteWriteError{Table: "swap_transactions", Op: "update", Err: errors.New("connection reset")}

	_, err := f.coord.ExecuteSwap(context.Background(), testSwapRequest(uuid.New()))

	var recErr *coordinator.ReconciliationError
	if !errors.As(err, &recErr) {
		t.Fatalf("got %T (%v), want *coordinator.ReconciliationError", err, err)
	}
	if recErr.Reference != "0xdeadbeef" {
		t.Errorf("reference: got %q, want the on-chain hash", recErr.Reference)
	}

	var actionErr *coordinator.ExternalActionError
	if errors.As(err, &actionErr) {
		t.Error("reconciliation failure must not classify as ExternalActionError")
	}
}

func TestExecuteSwap_HoldingsFailureIsReconciliationError(t *testing.T) {
	exec := &scriptedExecutor{result: &executor.Result{
		Reference: "0xabc",
		ToAmount:  decimal.NewFromFloat(3200),
	}}
	f := newSwapFixture(exec, time.Minute)
	f.portfolio.err = &store.RemoteWriteError{Table: "user_portfolios", Op: "upsert", Err: errors.New("connection reset")}

	record, err := f.coord.ExecuteSwap(context.Background(), testSwapRequest(uuid.New()))

	var recErr *coordinator.ReconciliationError
	if !errors.As(err, &recErr) {
		t.Fatalf("got %T (%v), want *coordinator.ReconciliationError (record=%v)", err, err, record)
	}
	if record != nil {
		t.Errorf("record: got %v, want nil on reconciliation failure", record)
	}
	if recErr.Reference != "0xabc" {
		t.Errorf("reference: got %q, want the on-chain hash", recErr.Reference)
	}
	// The record itself was already marked completed.
	if got := f.swaps.lastStatus(t); got != store.SwapStatusCompleted {
		t.Errorf("stored status: got %q, want completed", got)
	}

	// The user must be told their balances are off, never that the
	// swap succeeded.
	counts := severityCounts(f.notifications)
	if counts[notify.SeveritySuccess] != 0 {
		t.Error("success notification emitted despite holdings failure")
	}
	if counts[notify.SeverityWarning] != 1 {
		t.Errorf("notifications: got %v, want exactly one warning", counts)
	}
}

// ============================================================================
// Test: interleaved swaps
// ============================================================================

func TestExecuteSwap_ConcurrentInstancesAllTerminal(t *testing.T) {
	exec := &scriptedExecutor{result: &executor.Result{
		Reference: "0xabc",
		ToAmount:  decimal.NewFromFloat(10),
	}, delay: 5 * time.Millisecond}
	f := newSwapFixture(exec, time.Minute)

	const instances = 8
	var wg sync.WaitGroup
	for i := 0; i < instances; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.coord.ExecuteSwap(context.Background(), testSwapRequest(uuid.New())); err != nil {
				t.Errorf("ExecuteSwap: %v", err)
			}
		}()
	}
	wg.Wait()

	f.swaps.mu.Lock()
	defer f.swaps.mu.Unlock()
	if len(f.swaps.finalized) != instances {
		t.Fatalf("finalized: got %d, want %d", len(f.swaps.finalized), instances)
	}
	for _, call := range f.swaps.finalized {
		if !call.Status.IsTerminal() {
			t.Errorf("swap %s left non-terminal: %q", call.ID, call.Status)
		}
	}
}
