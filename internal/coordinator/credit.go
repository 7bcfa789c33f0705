package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"CryptoHub/internal/observability"
	"CryptoHub/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CreditInputs is the read surface the scorer pulls from.
type CreditInputs interface {
	ListHoldings(ctx context.Context, userID uuid.UUID) ([]store.PortfolioHolding, error)
	ListBalances(ctx context.Context, userID uuid.UUID) ([]store.FiatBalance, error)
	ListSwaps(ctx context.Context, userID uuid.UUID, limit int) ([]store.SwapTransaction, error)
}

// StoreInputs bundles the three concrete stores into CreditInputs.
type StoreInputs struct {
	Portfolio *store.PortfolioStore
	Fiat      *store.FiatStore
	Swaps     *store.SwapStore
}

func (s StoreInputs) ListHoldings(ctx context.Context, userID uuid.UUID) ([]store.PortfolioHolding, error) {
	return s.Portfolio.ListByUser(ctx, userID)
}

func (s StoreInputs) ListBalances(ctx context.Context, userID uuid.UUID) ([]store.FiatBalance, error) {
	return s.Fiat.ListBalances(ctx, userID)
}

func (s StoreInputs) ListSwaps(ctx context.Context, userID uuid.UUID, limit int) ([]store.SwapTransaction, error) {
	return s.Swaps.ListByUser(ctx, userID, limit)
}

// CreditWriter persists scores.
type CreditWriter interface {
	Upsert(ctx context.Context, userID uuid.UUID, score int32, factors []byte) error
}

// creditFactors is the stored breakdown, one component per input.
type creditFactors struct {
	HoldingsCount   int    `json:"holdings_count"`
	FiatTotal       string `json:"fiat_total"`
	SwapsCompleted  int    `json:"swaps_completed"`
	SwapsFailed     int    `json:"swaps_failed"`
	HoldingsPoints  int32  `json:"holdings_points"`
	LiquidityPoints int32  `json:"liquidity_points"`
	ActivityPoints  int32  `json:"activity_points"`
}

// CreditScorer derives a 300-850 score from on-platform activity:
// portfolio breadth, fiat liquidity, swap history. Recomputed after
// mutations, not on read.
type CreditScorer struct {
	inputs  CreditInputs
	scores  CreditWriter
	caches  Invalidator
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewCreditScorer(inputs CreditInputs, scores CreditWriter, caches Invalidator, metrics *observability.Metrics) *CreditScorer {
	return &CreditScorer{
		inputs:  inputs,
		scores:  scores,
		caches:  caches,
		metrics: metrics,
		log:     observability.NewLogger("credit-scorer"),
	}
}

const (
	creditBase = 300
	creditMax  = 850
	swapWindow = 50
)

// Recompute scores one user and persists the result. Each input failure
// aborts: a partial score is worse than a stale one.
func (s *CreditScorer) Recompute(ctx context.Context, userID uuid.UUID) (int32, error) {
	holdings, err := s.inputs.ListHoldings(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("credit inputs: %w", err)
	}
	balances, err := s.inputs.ListBalances(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("credit inputs: %w", err)
	}
	swaps, err := s.inputs.ListSwaps(ctx, userID, swapWindow)
	if err != nil {
		return 0, fmt.Errorf("credit inputs: %w", err)
	}

	var factors creditFactors

	held := 0
	for _, h := range holdings {
		if h.Balance.IsPositive() {
			held++
		}
	}
	factors.HoldingsCount = held
	// 25 points per distinct asset held, up to 150.
	factors.HoldingsPoints = min(int32(held)*25, 150)

	fiatTotal := decimal.Zero
	for _, b := range balances {
		fiatTotal = fiatTotal.Add(b.Balance)
	}
	factors.FiatTotal = fiatTotal.String()
	// 1 point per 50 units of fiat, up to 200.
	factors.LiquidityPoints = min(int32(fiatTotal.Div(decimal.NewFromInt(50)).IntPart()), 200)

	for _, sw := range swaps {
		switch sw.Status {
		case store.SwapStatusCompleted:
			factors.SwapsCompleted++
		case store.SwapStatusFailed:
			factors.SwapsFailed++
		}
	}
	// 10 per completed swap minus 5 per failed, clamped to [0, 200].
	activity := int32(factors.SwapsCompleted)*10 - int32(factors.SwapsFailed)*5
	if activity < 0 {
		activity = 0
	}
	factors.ActivityPoints = min(activity, 200)

	score := min(creditBase+factors.HoldingsPoints+factors.LiquidityPoints+factors.ActivityPoints, creditMax)

	raw, err := json.Marshal(factors)
	if err != nil {
		return 0, fmt.Errorf("credit factors: %w", err)
	}
	if err := s.scores.Upsert(ctx, userID, score, raw); err != nil {
		return 0, err
	}
	s.caches.Invalidate("credit:" + userID.String())

	s.log.Debug().
		Str("user_id", userID.String()).
		Int32("score", score).
		Msg("credit score recomputed")
	return score, nil
}
