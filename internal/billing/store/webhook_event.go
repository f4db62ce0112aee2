package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bachixxx/coachbilling/internal/billing/model"
)

// WebhookEventStore tracks provider event ids that have been applied.
type WebhookEventStore struct {
	db DBTX
}

func NewWebhookEventStore(db DBTX) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

// Claim records eventID as applied. It reports false when the id was claimed
// before, meaning the event must not be applied again.
func (s *WebhookEventStore) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, event_type) VALUES (?, ?) ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *WebhookEventStore) SetOutcome(ctx context.Context, eventID, outcome string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE webhook_events SET outcome = ? WHERE event_id = ?`, outcome, eventID)
	if err != nil {
		return fmt.Errorf("set webhook event outcome: %w", err)
	}
	return nil
}

// ListRecent returns the most recently processed events first.
func (s *WebhookEventStore) ListRecent(ctx context.Context, limit int) ([]model.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, event_type, outcome, processed_at FROM webhook_events
		ORDER BY processed_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var events []model.WebhookEvent
	for rows.Next() {
		var e model.WebhookEvent
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Outcome, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteOlderThan prunes claims processed before cutoff. Providers stop
// redelivering well within the retention window.
func (s *WebhookEventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE processed_at < ?`, sqliteTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete webhook events: %w", err)
	}
	return result.RowsAffected()
}
