package coordinator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"CryptoHub/internal/coordinator"
	"CryptoHub/internal/store"
	"CryptoHub/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeCreditInputs struct {
	holdings []store.PortfolioHolding
	balances []store.FiatBalance
	swaps    []store.SwapTransaction
}

func (f *fakeCreditInputs) ListHoldings(ctx context.Context, userID uuid.UUID) ([]store.PortfolioHolding, error) {
	return f.holdings, nil
}

func (f *fakeCreditInputs) ListBalances(ctx context.Context, userID uuid.UUID) ([]store.FiatBalance, error) {
	return f.balances, nil
}

func (f *fakeCreditInputs) ListSwaps(ctx context.Context, userID uuid.UUID, limit int) ([]store.SwapTransaction, error) {
	return f.swaps, nil
}

type fakeCreditWriter struct {
	mu      sync.Mutex
	score   int32
	factors []byte
}

func (f *fakeCreditWriter) Upsert(ctx context.Context, userID uuid.UUID, score int32, factors []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.score = score
	f.factors = factors
	return nil
}

func newScorer(inputs *fakeCreditInputs, writer *fakeCreditWriter) *coordinator.CreditScorer {
	return coordinator.NewCreditScorer(inputs, writer, &fakeInvalidator{}, testutil.NewTestMetrics())
}

func completedSwaps(n int) []store.SwapTransaction {
	out := make([]store.SwapTransaction, n)
	for i := range out {
		out[i] = store.SwapTransaction{Status: store.SwapStatusCompleted}
	}
	return out
}

// ============================================================================
// Test: scoring bounds
// ============================================================================

func TestCreditScorer_EmptyAccountIsBase(t *testing.T) {
	writer := &fakeCreditWriter{}
	s := newScorer(&fakeCreditInputs{}, writer)

	score, err := s.Recompute(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if score != 300 {
		t.Errorf("score: got %d, want base 300", score)
	}
}

func TestCreditScorer_CapsAt850(t *testing.T) {
	inputs := &fakeCreditInputs{
		swaps: completedSwaps(50),
		balances: []store.FiatBalance{
			{Currency: "EUR", Balance: decimal.NewFromInt(1_000_000)},
		},
	}
	for i := 0; i < 20; i++ {
		inputs.holdings = append(inputs.holdings, store.PortfolioHolding{
			Asset: "a", Balance: decimal.NewFromInt(1),
		})
	}
	writer := &fakeCreditWriter{}
	s := newScorer(inputs, writer)

	score, err := s.Recompute(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if score != 850 {
		t.Errorf("score: got %d, want cap 850", score)
	}
}

// ============================================================================
// Test: factor composition
// ============================================================================

func TestCreditScorer_Factors(t *testing.T) {
	inputs := &fakeCreditInputs{
		holdings: []store.PortfolioHolding{
			{Asset: "ethereum", Balance: decimal.NewFromInt(2)},
			{Asset: "usd-coin", Balance: decimal.NewFromInt(100)},
			{Asset: "dust", Balance: decimal.Zero}, // not held
		},
		balances: []store.FiatBalance{
			{Currency: "EUR", Balance: decimal.NewFromInt(500)},
		},
		swaps: append(completedSwaps(3), store.SwapTransaction{Status: store.SwapStatusFailed}),
	}
	writer := &fakeCreditWriter{}
	s := newScorer(inputs, writer)

	// 300 base + 2*25 holdings + 500/50 liquidity + (3*10 - 1*5) activity.
	score, err := s.Recompute(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if want := int32(300 + 50 + 10 + 25); score != want {
		t.Errorf("score: got %d, want %d", score, want)
	}

	var factors map[string]interface{}
	if err := json.Unmarshal(writer.factors, &factors); err != nil {
		t.Fatalf("factors not JSON: %v", err)
	}
	if factors["holdings_count"].(float64) != 2 {
		t.Errorf("holdings_count: got %v, want 2 (zero balances excluded)", factors["holdings_count"])
	}
	if factors["swaps_failed"].(float64) != 1 {
		t.Errorf("swaps_failed: got %v, want 1", factors["swaps_failed"])
	}
}

func TestCreditScorer_FailedSwapsNeverNegative(t *testing.T) {
	inputs := &fakeCreditInputs{
		swaps: []store.SwapTransaction{
			{Status: store.SwapStatusFailed},
			{Status: store.SwapStatusFailed},
			{Status: store.SwapStatusFailed},
		},
	}
	writer := &fakeCreditWriter{}
	s := newScorer(inputs, writer)

	score, err := s.Recompute(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if score != 300 {
		t.Errorf("score: got %d, want 300 (activity clamped at zero)", score)
	}
}
