package executor

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUserRejected is returned when the user explicitly declines the
// action in their wallet. The coordinator treats it as a terminal
// failure, never as retryable.
var ErrUserRejected = errors.New("executor: user rejected the transaction")

// Request describes the off-system action. IdempotencyKey must be set
// by the caller: Execute is not safely retryable without one.
type Request struct {
	SwapID         uuid.UUID
	UserID         uuid.UUID
	FromAsset      string
	ToAsset        string
	FromAmount     decimal.Decimal
	MinToAmount    decimal.Decimal
	SlippageBps    int32
	IdempotencyKey string
}

// Result reports the completed external effect.
type Result struct {
	// Reference is the external transaction reference (e.g. a chain
	// transaction hash) used to finalize the coordinator's record.
	Reference string

	// ToAmount is the actually filled destination amount.
	ToAmount decimal.Decimal

	// Fee charged by the protocol, if reported.
	Fee decimal.Decimal
}

// Executor performs the actual external side effect — submitting a
// signed transaction, calling a swap aggregator — outside the data
// store. May take unbounded wall-clock time; the coordinator bounds it
// with its own deadline.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}
