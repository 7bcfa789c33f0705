package store

import (
	"context"
	"database/sql"
	"time"

	"CryptoHub/internal/observability"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SwapStore issues CRUD operations against swap_transactions.
// No retries here — failure policy belongs to the coordinator.
type SwapStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewSwapStore(db *sql.DB, metrics *observability.Metrics) *SwapStore {
	return &SwapStore{db: db, metrics: metrics}
}

// Create inserts a swap in pending status and returns the stored row
// with its server-assigned id and created_at. A swap is never created
// in a terminal state.
func (s *SwapStore) Create(ctx context.Context, tx SwapTransaction) (_ *SwapTransaction, err error) {
	defer observeOp(s.metrics, "swap_transactions", "create", time.Now(), &err)
	tx.Status = SwapStatusPending

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO swap_transactions
			(user_id, from_asset, to_asset, from_amount, to_amount,
			 exchange_rate, slippage_bps, status, protocol)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, tx.UserID, tx.FromAsset, tx.ToAsset, tx.FromAmount, tx.ToAmount,
		tx.ExchangeRate, tx.SlippageBps, tx.Status, tx.Protocol)

	if err := row.Scan(&tx.ID, &tx.CreatedAt); err != nil {
		return nil, writeErr("swap_transactions", "create", err)
	}
	return &tx, nil
}

// Finalize moves a pending swap to a terminal status. The WHERE clause
// keeps terminal rows immutable: finalizing an already-terminal or
// missing id yields NotFoundError.
func (s *SwapStore) Finalize(
	ctx context.Context,
	id uuid.UUID,
	status SwapStatus,
	txHash *string,
	fee *decimal.Decimal,
	toAmount *decimal.Decimal,
) (err error) {
	defer observeOp(s.metrics, "swap_transactions", "update", time.Now(), &err)
	res, err := s.db.ExecContext(ctx, `
		UPDATE swap_transactions
		SET status = $2,
		    tx_hash = COALESCE($3, tx_hash),
		    fee = COALESCE($4, fee),
		    to_amount = COALESCE($5, to_amount),
		    completed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, status, txHash, fee, toAmount)
	if err != nil {
		return writeErr("swap_transactions", "update", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return writeErr("swap_transactions", "update", err)
	}
	if n == 0 {
		return &NotFoundError{Table: "swap_transactions", ID: id.String()}
	}
	return nil
}

// Get returns a single swap by id.
func (s *SwapStore) Get(ctx context.Context, id uuid.UUID) (_ *SwapTransaction, err error) {
	defer observeOp(s.metrics, "swap_transactions", "get", time.Now(), &err)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, from_asset, to_asset, from_amount, to_amount,
		       exchange_rate, slippage_bps, status, tx_hash, fee, protocol,
		       created_at, completed_at
		FROM swap_transactions
		WHERE id = $1
	`, id)

	tx, err := scanSwap(row)
	if err != nil {
		return nil, notFoundOrWriteErr("swap_transactions", "get", id.String(), err)
	}
	return tx, nil
}

// ListByUser returns a user's swaps newest-first. An empty slice, not
// an error, when none exist.
func (s *SwapStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) (_ []SwapTransaction, err error) {
	defer observeOp(s.metrics, "swap_transactions", "list", time.Now(), &err)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, from_asset, to_asset, from_amount, to_amount,
		       exchange_rate, slippage_bps, status, tx_hash, fee, protocol,
		       created_at, completed_at
		FROM swap_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, writeErr("swap_transactions", "list", err)
	}
	defer rows.Close()

	swaps := []SwapTransaction{}
	for rows.Next() {
		tx, err := scanSwap(rows)
		if err != nil {
			return nil, writeErr("swap_transactions", "list", err)
		}
		swaps = append(swaps, *tx)
	}
	return swaps, rows.Err()
}

// CountPendingOlderThan reports stale pending swaps — rows a crashed
// finalize left behind that need reconciliation.
func (s *SwapStore) CountPendingOlderThan(ctx context.Context, age time.Duration) (_ int64, err error) {
	defer observeOp(s.metrics, "swap_transactions", "count_pending", time.Now(), &err)
	var n int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM swap_transactions
		WHERE status = 'pending' AND created_at < NOW() - make_interval(secs => $1)
	`, age.Seconds()).Scan(&n)
	if err != nil {
		return 0, writeErr("swap_transactions", "count_pending", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSwap(r rowScanner) (*SwapTransaction, error) {
	var tx SwapTransaction
	err := r.Scan(
		&tx.ID, &tx.UserID, &tx.FromAsset, &tx.ToAsset, &tx.FromAmount,
		&tx.ToAmount, &tx.ExchangeRate, &tx.SlippageBps, &tx.Status,
		&tx.TxHash, &tx.Fee, &tx.Protocol, &tx.CreatedAt, &tx.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
