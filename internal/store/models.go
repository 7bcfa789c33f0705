package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SwapStatus is the lifecycle status of a swap transaction.
// Transitions: pending → completed, pending → failed. Nothing else.
type SwapStatus string

const (
	SwapStatusPending   SwapStatus = "pending"
	SwapStatusCompleted SwapStatus = "completed"
	SwapStatusFailed    SwapStatus = "failed"
)

// IsTerminal reports whether the status has no further transitions.
func (s SwapStatus) IsTerminal() bool {
	return s == SwapStatusCompleted || s == SwapStatusFailed
}

// SwapTransaction is a row in swap_transactions. ToAmount and
// ExchangeRate are quotes until the status is completed.
type SwapTransaction struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	FromAsset    string
	ToAsset      string
	FromAmount   decimal.Decimal
	ToAmount     decimal.Decimal
	ExchangeRate decimal.Decimal
	SlippageBps  int32
	Status       SwapStatus
	TxHash       *string
	Fee          *decimal.Decimal
	Protocol     string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// PortfolioHolding is a row in user_portfolios, keyed (user_id, asset).
// Balance is only ever adjusted by additive deltas.
type PortfolioHolding struct {
	UserID    uuid.UUID
	Asset     string
	Symbol    string
	Name      string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// FiatBalance is a row in fiat_balances, keyed (user_id, currency).
// Invariant: available_balance never exceeds balance.
type FiatBalance struct {
	UserID           uuid.UUID
	Currency         string
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
	PendingBalance   decimal.Decimal
	UpdatedAt        time.Time
}

// FiatTransactionKind discriminates deposits from withdrawals.
type FiatTransactionKind string

const (
	FiatKindDeposit    FiatTransactionKind = "deposit"
	FiatKindWithdrawal FiatTransactionKind = "withdrawal"
)

// FiatTransaction is a row in fiat_transactions. SessionRef carries the
// payment-provider session id and backs the idempotent finalize.
type FiatTransaction struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Currency    string
	Amount      decimal.Decimal
	Kind        FiatTransactionKind
	Status      SwapStatus
	SessionRef  *string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// CreditScore is a row in credit_scores.
type CreditScore struct {
	UserID    uuid.UUID
	Score     int32
	Factors   []byte // JSON
	UpdatedAt time.Time
}
