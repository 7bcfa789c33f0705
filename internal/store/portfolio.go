package store

import (
	"context"
	"database/sql"
	"time"

	"CryptoHub/internal/observability"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PortfolioStore maintains user_portfolios rows keyed (user_id, asset).
type PortfolioStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewPortfolioStore(db *sql.DB, metrics *observability.Metrics) *PortfolioStore {
	return &PortfolioStore{db: db, metrics: metrics}
}

// ApplyDelta upserts a holding, accumulating the signed delta into the
// existing balance on conflict. Deltas are additive so interleaved
// mutation instances never lose updates.
func (s *PortfolioStore) ApplyDelta(
	ctx context.Context,
	userID uuid.UUID,
	asset, symbol, name string,
	delta decimal.Decimal,
) (err error) {
	defer observeOp(s.metrics, "user_portfolios", "upsert", time.Now(), &err)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_portfolios (user_id, asset, symbol, name, balance, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, asset) DO UPDATE SET
			balance = user_portfolios.balance + EXCLUDED.balance,
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			updated_at = NOW()
	`, userID, asset, symbol, name, delta)
	return writeErr("user_portfolios", "upsert", err)
}

// ListByUser returns a user's holdings ordered by asset. Empty slice
// when none exist.
func (s *PortfolioStore) ListByUser(ctx context.Context, userID uuid.UUID) (_ []PortfolioHolding, err error) {
	defer observeOp(s.metrics, "user_portfolios", "list", time.Now(), &err)
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, asset, symbol, name, balance, updated_at
		FROM user_portfolios
		WHERE user_id = $1
		ORDER BY asset
	`, userID)
	if err != nil {
		return nil, writeErr("user_portfolios", "list", err)
	}
	defer rows.Close()

	holdings := []PortfolioHolding{}
	for rows.Next() {
		var h PortfolioHolding
		if err := rows.Scan(&h.UserID, &h.Asset, &h.Symbol, &h.Name, &h.Balance, &h.UpdatedAt); err != nil {
			return nil, writeErr("user_portfolios", "list", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// GetHolding returns one holding, or zero balance when the row is absent.
func (s *PortfolioStore) GetHolding(ctx context.Context, userID uuid.UUID, asset string) (_ *PortfolioHolding, err error) {
	defer observeOp(s.metrics, "user_portfolios", "get", time.Now(), &err)
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, asset, symbol, name, balance, updated_at
		FROM user_portfolios
		WHERE user_id = $1 AND asset = $2
	`, userID, asset)

	var h PortfolioHolding
	err = row.Scan(&h.UserID, &h.Asset, &h.Symbol, &h.Name, &h.Balance, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return &PortfolioHolding{UserID: userID, Asset: asset, Balance: decimal.Zero}, nil
	}
	if err != nil {
		return nil, writeErr("user_portfolios", "get", err)
	}
	return &h, nil
}
