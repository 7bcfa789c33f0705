package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"CryptoHub/internal/observability"

	"github.com/google/uuid"
)

// CreditStore maintains credit_scores, one row per user.
type CreditStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewCreditStore(db *sql.DB, metrics *observability.Metrics) *CreditStore {
	return &CreditStore{db: db, metrics: metrics}
}

// Upsert replaces a user's score and factor breakdown.
func (s *CreditStore) Upsert(ctx context.Context, userID uuid.UUID, score int32, factors []byte) (err error) {
	defer observeOp(s.metrics, "credit_scores", "upsert", time.Now(), &err)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credit_scores (user_id, score, factors, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			score = EXCLUDED.score,
			factors = EXCLUDED.factors,
			updated_at = NOW()
	`, userID, score, factors)
	return writeErr("credit_scores", "upsert", err)
}

// Get returns a user's score, or nil when never computed.
func (s *CreditStore) Get(ctx context.Context, userID uuid.UUID) (_ *CreditScore, err error) {
	defer observeOp(s.metrics, "credit_scores", "get", time.Now(), &err)
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, score, factors, updated_at
		FROM credit_scores
		WHERE user_id = $1
	`, userID)

	var cs CreditScore
	err = row.Scan(&cs.UserID, &cs.Score, &cs.Factors, &cs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, writeErr("credit_scores", "get", err)
	}
	return &cs, nil
}
