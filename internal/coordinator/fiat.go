package coordinator

import (
	"context"
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

// FiatRecorder is the remote-store surface the fiat coordinator needs.
type FiatRecorder interface {
	CreateTransaction(ctx context.Context, tx store.FiatTransaction) (*store.FiatTransaction, error)
	AttachSession(ctx context.Context, id uuid.UUID, sessionRef string) error
	FinalizeTransaction(ctx context.Context, id uuid.UUID, status store.SwapStatus) error
	FinalizeBySession(ctx context.Context, sessionRef string, status store.SwapStatus) (*store.FiatTransaction, error)
	ApplyBalanceDelta(ctx context.Context, userID uuid.UUID, currency string,
		dBalance, dAvailable, dPending decimal.Decimal) error
}

// PaymentProvider abstracts the hosted checkout boundary.
type PaymentProvider interface {
	CreateSession(ctx context.Context, amount decimal.Decimal, currency string,
		metadata map[string]string) (*executor.PaymentSession, error)
	VerifySession(ctx context.Context, reference string) (*executor.PaymentVerification, error)
}

// AddFundsResult carries what the caller needs to send the user to the
// hosted checkout page.
type AddFundsResult struct {
	TransactionID uuid.UUID
	SessionRef    string
	RedirectURL   string
}

// FiatCoordinator sequences deposits through the hosted payment
// provider: a pending transaction and pending balance first, then an
// idempotent finalize once the provider confirms payment. The provider
// redirect happens out-of-band, so VerifyPayment can arrive twice (user
// return URL plus webhook) and must credit exactly once.
type FiatCoordinator struct {
	fiat          FiatRecorder
	provider      PaymentProvider
	sessions      *SessionChecker
	caches        Invalidator
	notifications *notify.Store
	mailer        *notify.Mailer
	metrics       *observability.Metrics
	log           zerolog.Logger

	providerTimeout time.Duration
}

func NewFiatCoordinator(
	fiat FiatRecorder,
	provider PaymentProvider,
	sessions *SessionChecker,
	caches Invalidator,
	notifications *notify.Store,
	mailer *notify.Mailer,
	metrics *observability.Metrics,
	providerTimeout time.Duration,
) *FiatCoordinator {
	return &FiatCoordinator{
		fiat:            fiat,
		provider:        provider,
		sessions:        sessions,
		caches:          caches,
		notifications:   notifications,
		mailer:          mailer,
		metrics:         metrics,
		log:             observability.NewLogger("fiat-coordinator"),
		providerTimeout: providerTimeout,
	}
}

// AddFunds opens a deposit: pending transaction, checkout session,
// pending balance bump. The money is not available until VerifyPayment
// confirms the session.
func (c *FiatCoordinator) AddFunds(
	ctx context.Context,
	userID uuid.UUID,
	amount decimal.Decimal,
	currency string,
) (*AddFundsResult, error) {
	c.metrics.MutationsStarted.WithLabelValues("deposit").Inc()

	stageStart := time.Now()
	record, err := c.fiat.CreateTransaction(ctx, store.FiatTransaction{
		UserID:   userID,
		Currency: currency,
		Amount:   amount,
		Kind:     store.FiatKindDeposit,
	})
	if err != nil {
		c.metrics.MutationsCompleted.WithLabelValues("deposit", "create_failed").Inc()
		return nil, err
	}
	c.observeStage("deposit", StageCreated, stageStart)

	log := c.log.With().
		Str("tx_id", record.ID.String()).
		Str("user_id", userID.String()).
		Str("amount", amount.String()+" "+currency).
		Logger()

	stageStart = time.Now()
	provCtx, cancel := context.WithTimeout(ctx, c.providerTimeout)
	defer cancel()

	session, err := c.provider.CreateSession(provCtx, amount, currency, map[string]string{
		"transaction_id": record.ID.String(),
		"user_id":        userID.String(),
	})
	if err != nil {
		// No session means no money moved anywhere. Close the record
		// so it does not linger as pending.
		if ferr := c.fiat.FinalizeTransaction(ctx, record.ID, store.SwapStatusFailed); ferr != nil {
			log.Warn().Err(ferr).Msg("could not mark deposit failed")
		}
		c.metrics.MutationsCompleted.WithLabelValues("deposit", "failed").Inc()
		return nil, &ExternalActionError{
			Kind:     "deposit",
			RecordID: record.ID,
			Timeout:  provCtx.Err() == context.DeadlineExceeded,
			Err:      err,
		}
	}
	c.observeStage("deposit", StageExecuting, stageStart)

	if err := c.fiat.AttachSession(ctx, record.ID, session.Reference); err != nil {
		log.Error().Err(err).Str("session_ref", session.Reference).
			Msg("session created but not recorded, manual reconciliation required")
		c.metrics.ReconciliationFailures.WithLabelValues("deposit").Inc()
		c.metrics.MutationsCompleted.WithLabelValues("deposit", "reconciliation_error").Inc()
		return nil, &ReconciliationError{
			Kind: "deposit", RecordID: record.ID, Reference: session.Reference, Err: err,
		}
	}

	// Money in flight shows up as pending only.
	if err := c.fiat.ApplyBalanceDelta(ctx, userID, currency,
		decimal.Zero, decimal.Zero, amount); err != nil {
		log.Warn().Err(err).Msg("pending balance bump failed")
	}
	c.caches.Invalidate("fiat:" + userID.String())

	log.Info().Str("session_ref", session.Reference).Msg("deposit session opened")
	return &AddFundsResult{
		TransactionID: record.ID,
		SessionRef:    session.Reference,
		RedirectURL:   session.RedirectURL,
	}, nil
}

// VerifyPayment finalizes the deposit for a checkout session. Safe to
// call repeatedly for the same session: the hot LRU, the terminal-status
// row, and the pending-only UPDATE each stop a second credit.
func (c *FiatCoordinator) VerifyPayment(ctx context.Context, sessionRef string, email string) error {
	dup, tier := c.sessions.IsDuplicate(ctx, sessionRef)
	c.recordLRUSize()
	if dup {
		c.metrics.IdempotencyDuplicates.WithLabelValues("deposit", tier).Inc()
		c.log.Debug().Str("session_ref", sessionRef).Str("tier", tier).
			Msg("session already processed")
		return nil
	}

	provCtx, cancel := context.WithTimeout(ctx, c.providerTimeout)
	defer cancel()

	verification, err := c.provider.VerifySession(provCtx, sessionRef)
	if err != nil {
		return &ExternalActionError{
			Kind:    "deposit",
			Timeout: provCtx.Err() == context.DeadlineExceeded,
			Err:     err,
		}
	}

	if !verification.Paid {
		return c.failDeposit(ctx, sessionRef, verification)
	}

	stageStart := time.Now()
	record, err := c.fiat.FinalizeBySession(ctx, sessionRef, store.SwapStatusCompleted)
	if err != nil {
		if store.IsNotFound(err) {
			// Another caller finalized between our checks. Done.
			c.sessions.MarkProcessed(sessionRef)
			c.recordLRUSize()
			c.metrics.IdempotencyDuplicates.WithLabelValues("deposit", "race").Inc()
			return nil
		}
		c.metrics.ReconciliationFailures.WithLabelValues("deposit").Inc()
		c.log.Error().Err(err).Str("session_ref", sessionRef).
			Msg("payment confirmed but finalize failed, manual reconciliation required")
		return &ReconciliationError{Kind: "deposit", Reference: sessionRef, Err: err}
	}

	// Pending becomes real money: balance and available up, pending
	// back down by the same amount.
	err = c.fiat.ApplyBalanceDelta(ctx, record.UserID, record.Currency,
		record.Amount, record.Amount, record.Amount.Neg())
	if err != nil {
		c.metrics.ReconciliationFailures.WithLabelValues("deposit").Inc()
		c.metrics.MutationsCompleted.WithLabelValues("deposit", "reconciliation_error").Inc()
		c.log.Error().Err(err).Str("session_ref", sessionRef).
			Msg("payment confirmed but balance credit failed, manual reconciliation required")
		return &ReconciliationError{
			Kind: "deposit", RecordID: record.ID, Reference: sessionRef, Err: err,
		}
	}
	c.observeStage("deposit", StageFinalizing, stageStart)

	c.sessions.MarkProcessed(sessionRef)
	c.recordLRUSize()
	c.caches.Invalidate("fiat:" + record.UserID.String())

	c.notifications.Add(
		"Deposit complete",
		fmt.Sprintf("%s %s has been added to your balance", record.Amount, record.Currency),
		notify.SeveritySuccess,
	)
	c.metrics.MutationsCompleted.WithLabelValues("deposit", "completed").Inc()

	if email != "" && c.mailer != nil && c.mailer.Enabled() {
		if err := c.mailer.Send(email, notify.TemplateDepositComplete, map[string]string{
			"amount":   record.Amount.String(),
			"currency": record.Currency,
		}); err != nil {
			c.log.Warn().Err(err).Msg("outcome mail failed")
		}
	}

	c.log.Info().
		Str("session_ref", sessionRef).
		Str("user_id", record.UserID.String()).
		Str("amount", record.Amount.String()+" "+record.Currency).
		Msg("deposit completed")
	return nil
}

func (c *FiatCoordinator) failDeposit(
	ctx context.Context,
	sessionRef string,
	verification *executor.PaymentVerification,
) error {
	record, err := c.fiat.FinalizeBySession(ctx, sessionRef, store.SwapStatusFailed)
	if err != nil {
		if store.IsNotFound(err) {
			c.sessions.MarkProcessed(sessionRef)
			c.recordLRUSize()
			return nil
		}
		return err
	}

	// Undo the pending bump from AddFunds.
	if err := c.fiat.ApplyBalanceDelta(ctx, record.UserID, record.Currency,
		decimal.Zero, decimal.Zero, record.Amount.Neg()); err != nil {
		c.log.Warn().Err(err).Str("session_ref", sessionRef).
			Msg("pending balance unwind failed")
	}

	c.sessions.MarkProcessed(sessionRef)
	c.recordLRUSize()
	c.caches.Invalidate("fiat:" + record.UserID.String())

	c.notifications.Add(
		"Deposit failed",
		fmt.Sprintf("Your %s %s deposit was not completed", record.Amount, record.Currency),
		notify.SeverityError,
	)
	c.metrics.MutationsCompleted.WithLabelValues("deposit", "failed").Inc()

	c.log.Info().
		Str("session_ref", sessionRef).
		Str("provider_status", fmt.Sprintf("paid=%v", verification.Paid)).
		Msg("deposit failed")
	return nil
}

// recordLRUSize mirrors the hot-tier occupancy onto the gauge after
// every operation that can change it.
func (c *FiatCoordinator) recordLRUSize() {
	c.metrics.IdempotencyLRUSize.Set(float64(c.sessions.Size()))
}

func (c *FiatCoordinator) observeStage(kind string, stage Stage, start time.Time) {
	c.metrics.MutationStageDuration.
		WithLabelValues(kind, stage.String()).
		Observe(time.Since(start).Seconds())
}
