package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CryptoHub/internal/executor"
	"CryptoHub/internal/notify"
	"CryptoHub/internal/observability"
	"CryptoHub/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SwapRecorder is the remote-store surface the swap coordinator needs.
type SwapRecorder interface {
	Create(ctx context.Context, tx store.SwapTransaction) (*store.SwapTransaction, error)
	Finalize(ctx context.Context, id uuid.UUID, status store.SwapStatus,
		txHash *string, fee *decimal.Decimal, toAmount *decimal.Decimal) error
}

// PortfolioWriter applies signed balance deltas via upsert-accumulate.
type PortfolioWriter interface {
	ApplyDelta(ctx context.Context, userID uuid.UUID, asset, symbol, name string, delta decimal.Decimal) error
}

// Invalidator marks dependent cache entries stale.
type Invalidator interface {
	Invalidate(keyOrPrefix string)
}

// SwapRequest is the caller's intent to swap.
type SwapRequest struct {
	UserID       uuid.UUID
	FromAsset    string
	FromSymbol   string
	FromName     string
	ToAsset      string
	ToSymbol     string
	ToName       string
	FromAmount   decimal.Decimal
	QuotedTo     decimal.Decimal
	ExchangeRate decimal.Decimal
	SlippageBps  int32
	Protocol     string
	Email        string // optional; terminal-outcome mail when set
}

// SwapCoordinator sequences a swap as one logical unit: pending record,
// external action, finalize write, dependent cache updates, one
// user-facing notification per terminal outcome. The remote store and
// the chain are separate systems — atomicity is simulated with
// compensating transitions, never a cross-resource transaction.
type SwapCoordinator struct {
	swaps         SwapRecorder
	portfolio     PortfolioWriter
	exec          executor.Executor
	caches        Invalidator
	notifications *notify.Store
	mailer        *notify.Mailer
	metrics       *observability.Metrics
	log           zerolog.Logger

	// executorTimeout bounds the external action. The original flows
	// had no deadline at all; an unbounded hang is strictly worse than
	// a surfaced timeout.
	executorTimeout time.Duration
}

func NewSwapCoordinator(
	swaps SwapRecorder,
	portfolio PortfolioWriter,
	exec executor.Executor,
	caches Invalidator,
	notifications *notify.Store,
	mailer *notify.Mailer,
	metrics *observability.Metrics,
	executorTimeout time.Duration,
) *SwapCoordinator {
	return &SwapCoordinator{
		swaps:           swaps,
		portfolio:       portfolio,
		exec:            exec,
		caches:          caches,
		notifications:   notifications,
		mailer:          mailer,
		metrics:         metrics,
		log:             observability.NewLogger("swap-coordinator"),
		executorTimeout: executorTimeout,
	}
}

// ExecuteSwap runs the full state machine. Error classes:
//   - store.RemoteWriteError: create failed, executor never invoked.
//   - *ExternalActionError: chain action failed/rejected/timed out;
//     record marked failed (best-effort), holdings untouched.
//   - *ReconciliationError: chain action succeeded but the finalize or
//     holdings write failed; record and holdings need manual reconciliation.
func (c *SwapCoordinator) ExecuteSwap(ctx context.Context, req SwapRequest) (*store.SwapTransaction, error) {
	c.metrics.MutationsStarted.WithLabelValues("swap").Inc()

	// --- Created ---
	stageStart := time.Now()
	record, err := c.swaps.Create(ctx, store.SwapTransaction{
		UserID:       req.UserID,
		FromAsset:    req.FromAsset,
		ToAsset:      req.ToAsset,
		FromAmount:   req.FromAmount,
		ToAmount:     req.QuotedTo,
		ExchangeRate: req.ExchangeRate,
		SlippageBps:  req.SlippageBps,
		Protocol:     req.Protocol,
	})
	if err != nil {
		// Fail fast: no pending record, no external side effects.
		c.metrics.MutationsCompleted.WithLabelValues("swap", "create_failed").Inc()
		return nil, err
	}
	c.observeStage("swap", StageCreated, stageStart)

	log := c.log.With().
		Str("swap_id", record.ID.String()).
		Str("user_id", req.UserID.String()).
		Str("pair", req.FromAsset+"/"+req.ToAsset).
		Logger()

	// --- Executing ---
	stageStart = time.Now()
	execCtx, cancel := context.WithTimeout(ctx, c.executorTimeout)
	defer cancel()

	minTo := req.QuotedTo.
		Mul(decimal.NewFromInt(10_000 - int64(req.SlippageBps))).
		Div(decimal.NewFromInt(10_000))

	result, execErr := c.exec.Execute(execCtx, executor.Request{
		SwapID:         record.ID,
		UserID:         req.UserID,
		FromAsset:      req.FromAsset,
		ToAsset:        req.ToAsset,
		FromAmount:     req.FromAmount,
		MinToAmount:    minTo,
		SlippageBps:    req.SlippageBps,
		IdempotencyKey: record.ID.String(),
	})
	c.observeStage("swap", StageExecuting, stageStart)

	if execErr != nil {
		return nil, c.failSwap(ctx, record, req, execErr, execCtx)
	}

	// --- Finalizing ---
	// The chain effect is irreversible from here on: any write failure
	// below is a ReconciliationError, never a silent rollback.
	stageStart = time.Now()
	err = c.swaps.Finalize(ctx, record.ID, store.SwapStatusCompleted,
		&result.Reference, &result.Fee, &result.ToAmount)
	if err != nil {
		c.metrics.ReconciliationFailures.WithLabelValues("swap").Inc()
		c.metrics.MutationsCompleted.WithLabelValues("swap", "reconciliation_error").Inc()
		log.Error().Err(err).Str("tx_hash", result.Reference).
			Msg("finalize failed after on-chain success, manual reconciliation required")
		c.notifications.Add(
			"Swap needs attention",
			fmt.Sprintf("Your %s → %s swap went through on-chain (%s) but could not be recorded. Support has been notified.",
				req.FromSymbol, req.ToSymbol, result.Reference),
			notify.SeverityWarning,
		)
		return nil, &ReconciliationError{
			Kind: "swap", RecordID: record.ID, Reference: result.Reference, Err: err,
		}
	}

	// Holdings adjust by additive deltas only, so interleaved swaps
	// cannot lose updates. Failed swaps never reach this point.
	err = c.portfolio.ApplyDelta(ctx, req.UserID, req.FromAsset, req.FromSymbol, req.FromName, req.FromAmount.Neg())
	if err == nil {
		err = c.portfolio.ApplyDelta(ctx, req.UserID, req.ToAsset, req.ToSymbol, req.ToName, result.ToAmount)
	}
	if err != nil {
		c.metrics.ReconciliationFailures.WithLabelValues("swap").Inc()
		c.metrics.MutationsCompleted.WithLabelValues("swap", "reconciliation_error").Inc()
		log.Error().Err(err).Str("tx_hash", result.Reference).
			Msg("holdings update failed after on-chain success, manual reconciliation required")
		c.notifications.Add(
			"Swap needs attention",
			fmt.Sprintf("Your %s → %s swap went through on-chain (%s) but your balances could not be updated. Support has been notified.",
				req.FromSymbol, req.ToSymbol, result.Reference),
			notify.SeverityWarning,
		)
		return nil, &ReconciliationError{
			Kind: "swap", RecordID: record.ID, Reference: result.Reference, Err: err,
		}
	}

	c.caches.Invalidate("portfolio:" + req.UserID.String())
	c.caches.Invalidate("swaps:" + req.UserID.String())
	c.observeStage("swap", StageFinalizing, stageStart)

	// --- Done ---
	record.Status = store.SwapStatusCompleted
	record.TxHash = &result.Reference
	record.ToAmount = result.ToAmount
	record.Fee = &result.Fee

	c.notifications.Add(
		"Swap completed",
		fmt.Sprintf("Swapped %s %s for %s %s",
			req.FromAmount, req.FromSymbol, result.ToAmount, req.ToSymbol),
		notify.SeveritySuccess,
	)
	c.metrics.MutationsCompleted.WithLabelValues("swap", "completed").Inc()

	if req.Email != "" && c.mailer != nil && c.mailer.Enabled() {
		if err := c.mailer.Send(req.Email, notify.TemplateSwapCompleted, map[string]string{
			"from_asset":  req.FromSymbol,
			"to_asset":    req.ToSymbol,
			"from_amount": req.FromAmount.String(),
			"to_amount":   result.ToAmount.String(),
			"tx_hash":     result.Reference,
		}); err != nil {
			log.Warn().Err(err).Msg("outcome mail failed")
		}
	}

	log.Info().Str("tx_hash", result.Reference).Msg("swap completed")
	return record, nil
}

// failSwap handles the Executing-stage failure path: mark the record
// failed (best-effort — the user-visible outcome is already correct),
// emit exactly one error notification, classify the error.
func (c *SwapCoordinator) failSwap(
	ctx context.Context,
	record *store.SwapTransaction,
	req SwapRequest,
	execErr error,
	execCtx context.Context,
) error {
	if err := c.swaps.Finalize(ctx, record.ID, store.SwapStatusFailed, nil, nil, nil); err != nil {
		// Not escalated: the swap did not happen, which is what the
		// user sees either way. The stale pending row is swept later.
		c.log.Warn().Err(err).Str("swap_id", record.ID.String()).
			Msg("could not mark swap failed")
	}

	actionErr := &ExternalActionError{
		Kind:         "swap",
		RecordID:     record.ID,
		UserRejected: errors.Is(execErr, executor.ErrUserRejected),
		Timeout:      errors.Is(execCtx.Err(), context.DeadlineExceeded),
		Err:          execErr,
	}
	if actionErr.Timeout {
		c.metrics.ExecutorTimeouts.Inc()
	}

	reason := "The transaction could not be completed"
	switch {
	case actionErr.UserRejected:
		reason = "You rejected the transaction in your wallet"
	case actionErr.Timeout:
		reason = "The transaction was not confirmed in time"
	}
	c.notifications.Add(
		"Swap failed",
		fmt.Sprintf("%s %s → %s: %s", req.FromAmount, req.FromSymbol, req.ToSymbol, reason),
		notify.SeverityError,
	)
	c.metrics.MutationsCompleted.WithLabelValues("swap", "failed").Inc()

	if req.Email != "" && c.mailer != nil && c.mailer.Enabled() {
		if err := c.mailer.Send(req.Email, notify.TemplateSwapFailed, map[string]string{
			"from_asset":  req.FromSymbol,
			"to_asset":    req.ToSymbol,
			"from_amount": req.FromAmount.String(),
			"reason":      reason,
		}); err != nil {
			c.log.Warn().Err(err).Msg("outcome mail failed")
		}
	}

	return actionErr
}

func (c *SwapCoordinator) observeStage(kind string, stage Stage, start time.Time) {
	c.metrics.MutationStageDuration.
		WithLabelValues(kind, stage.String()).
		Observe(time.Since(start).Seconds())
}
