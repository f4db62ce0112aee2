package store

import (
	"context"
	"fmt"

	"github.com/bachixxx/coachbilling/internal/billing/model"
)

// HistoryStore appends entitlement change records. Rows are never updated or
// deleted; the schema rejects both.
type HistoryStore struct {
	db DBTX
}

func NewHistoryStore(db DBTX) *HistoryStore {
	return &HistoryStore{db: db}
}

const historyCols = `id, coach_id, previous_tier, new_tier, payment_ref, note, created_at`

func scanHistory(s scanner) (*model.EntitlementChange, error) {
	var c model.EntitlementChange
	var prev, next string
	if err := s.Scan(&c.ID, &c.CoachID, &prev, &next, &c.PaymentRef, &c.Note, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.PreviousTier = model.Tier(prev)
	c.NewTier = model.Tier(next)
	return &c, nil
}

// Append records a tier transition. It reports false when the same transition
// (coach, payment ref, new tier) was already recorded.
func (s *HistoryStore) Append(ctx context.Context, c model.EntitlementChange) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO subscription_history (coach_id, previous_tier, new_tier, payment_ref, note)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (coach_id, payment_ref, new_tier) DO NOTHING`,
		c.CoachID, c.PreviousTier, c.NewTier, c.PaymentRef, c.Note,
	)
	if err != nil {
		return false, fmt.Errorf("insert subscription history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListByCoach returns the newest records first.
func (s *HistoryStore) ListByCoach(ctx context.Context, coachID string, limit int) ([]model.EntitlementChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+historyCols+` FROM subscription_history WHERE coach_id = ? ORDER BY id DESC LIMIT ?`,
		coachID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscription history: %w", err)
	}
	defer rows.Close()

	var changes []model.EntitlementChange
	for rows.Next() {
		c, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription history: %w", err)
		}
		changes = append(changes, *c)
	}
	return changes, rows.Err()
}
