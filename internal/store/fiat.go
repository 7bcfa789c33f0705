package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"CryptoHub/internal/observability"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FiatStore maintains fiat_balances and fiat_transactions.
type FiatStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewFiatStore(db *sql.DB, metrics *observability.Metrics) *FiatStore {
	return &FiatStore{db: db, metrics: metrics}
}

// CreateTransaction inserts a fiat transaction in pending status.
func (s *FiatStore) CreateTransaction(ctx context.Context, tx FiatTransaction) (_ *FiatTransaction, err error) {
	defer observeOp(s.metrics, "fiat_transactions", "create", time.Now(), &err)
	tx.Status = SwapStatusPending

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO fiat_transactions (user_id, currency, amount, kind, status, session_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, tx.UserID, tx.Currency, tx.Amount, tx.Kind, tx.Status, tx.SessionRef)

	if err := row.Scan(&tx.ID, &tx.CreatedAt); err != nil {
		return nil, writeErr("fiat_transactions", "create", err)
	}
	return &tx, nil
}

// AttachSession records the payment-provider session reference on a
// pending transaction.
func (s *FiatStore) AttachSession(ctx context.Context, id uuid.UUID, sessionRef string) (err error) {
	defer observeOp(s.metrics, "fiat_transactions", "update", time.Now(), &err)
	res, err := s.db.ExecContext(ctx, `
		UPDATE fiat_transactions SET session_ref = $2
		WHERE id = $1 AND status = 'pending'
	`, id, sessionRef)
	if err != nil {
		return writeErr("fiat_transactions", "update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return writeErr("fiat_transactions", "update", err)
	}
	if n == 0 {
		return &NotFoundError{Table: "fiat_transactions", ID: id.String()}
	}
	return nil
}

// FinalizeTransaction moves a pending transaction to a terminal status
// by id. Used when no session reference exists yet.
func (s *FiatStore) FinalizeTransaction(ctx context.Context, id uuid.UUID, status SwapStatus) (err error) {
	defer observeOp(s.metrics, "fiat_transactions", "update", time.Now(), &err)
	res, err := s.db.ExecContext(ctx, `
		UPDATE fiat_transactions
		SET status = $2, completed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, status)
	if err != nil {
		return writeErr("fiat_transactions", "update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return writeErr("fiat_transactions", "update", err)
	}
	if n == 0 {
		return &NotFoundError{Table: "fiat_transactions", ID: id.String()}
	}
	return nil
}

// FinalizeBySession moves the pending transaction for a session to a
// terminal status and returns it. NotFoundError when no pending row
// matches — either an unknown session or one already finalized.
func (s *FiatStore) FinalizeBySession(ctx context.Context, sessionRef string, status SwapStatus) (_ *FiatTransaction, err error) {
	defer observeOp(s.metrics, "fiat_transactions", "update", time.Now(), &err)
	row := s.db.QueryRowContext(ctx, `
		UPDATE fiat_transactions
		SET status = $2, completed_at = NOW()
		WHERE session_ref = $1 AND status = 'pending'
		RETURNING id, user_id, currency, amount, kind, status, session_ref, created_at, completed_at
	`, sessionRef, status)

	var tx FiatTransaction
	err = row.Scan(&tx.ID, &tx.UserID, &tx.Currency, &tx.Amount, &tx.Kind,
		&tx.Status, &tx.SessionRef, &tx.CreatedAt, &tx.CompletedAt)
	if err != nil {
		return nil, notFoundOrWriteErr("fiat_transactions", "update", sessionRef, err)
	}
	return &tx, nil
}

// IsSessionProcessed reports whether a session reference already reached
// a terminal status. Cold tier of the coordinator's idempotency check.
func (s *FiatStore) IsSessionProcessed(ctx context.Context, sessionRef string) (_ bool, err error) {
	defer observeOp(s.metrics, "fiat_transactions", "get", time.Now(), &err)
	var status SwapStatus
	err = s.db.QueryRowContext(ctx, `
		SELECT status FROM fiat_transactions WHERE session_ref = $1
	`, sessionRef).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, writeErr("fiat_transactions", "get", err)
	}
	return status.IsTerminal(), nil
}

// ApplyBalanceDelta upserts a fiat balance with additive per-column
// deltas keyed (user_id, currency).
func (s *FiatStore) ApplyBalanceDelta(
	ctx context.Context,
	userID uuid.UUID,
	currency string,
	dBalance, dAvailable, dPending decimal.Decimal,
) (err error) {
	defer observeOp(s.metrics, "fiat_balances", "upsert", time.Now(), &err)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fiat_balances (user_id, currency, balance, available_balance, pending_balance, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, currency) DO UPDATE SET
			balance = fiat_balances.balance + EXCLUDED.balance,
			available_balance = fiat_balances.available_balance + EXCLUDED.available_balance,
			pending_balance = fiat_balances.pending_balance + EXCLUDED.pending_balance,
			updated_at = NOW()
	`, userID, currency, dBalance, dAvailable, dPending)
	return writeErr("fiat_balances", "upsert", err)
}

// GetBalance returns one currency balance, zero-valued when absent.
func (s *FiatStore) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (_ *FiatBalance, err error) {
	defer observeOp(s.metrics, "fiat_balances", "get", time.Now(), &err)
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, currency, balance, available_balance, pending_balance, updated_at
		FROM fiat_balances
		WHERE user_id = $1 AND currency = $2
	`, userID, currency)

	var b FiatBalance
	err = row.Scan(&b.UserID, &b.Currency, &b.Balance, &b.AvailableBalance, &b.PendingBalance, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &FiatBalance{
			UserID:           userID,
			Currency:         currency,
			Balance:          decimal.Zero,
			AvailableBalance: decimal.Zero,
			PendingBalance:   decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, writeErr("fiat_balances", "get", err)
	}
	return &b, nil
}

// ListBalances returns all currency balances for a user.
func (s *FiatStore) ListBalances(ctx context.Context, userID uuid.UUID) (_ []FiatBalance, err error) {
	defer observeOp(s.metrics, "fiat_balances", "list", time.Now(), &err)
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, currency, balance, available_balance, pending_balance, updated_at
		FROM fiat_balances
		WHERE user_id = $1
		ORDER BY currency
	`, userID)
	if err != nil {
		return nil, writeErr("fiat_balances", "list", err)
	}
	defer rows.Close()

	balances := []FiatBalance{}
	for rows.Next() {
		var b FiatBalance
		if err := rows.Scan(&b.UserID, &b.Currency, &b.Balance, &b.AvailableBalance, &b.PendingBalance, &b.UpdatedAt); err != nil {
			return nil, writeErr("fiat_balances", "list", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}
