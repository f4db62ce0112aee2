package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bachixxx/coachbilling/internal/billing/model"
)

// SnapshotStore records ledger snapshot uploads.
type SnapshotStore struct {
	db DBTX
}

func NewSnapshotStore(db DBTX) *SnapshotStore {
	return &SnapshotStore{db: db}
}

const snapshotColumns = `id, filename, s3_key, size_bytes, status, error_message, started_at, completed_at`

func scanSnapshot(row scanner) (*model.Snapshot, error) {
	var s model.Snapshot
	var errMsg sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.Filename, &s.S3Key, &s.SizeBytes, &s.Status, &errMsg, &s.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	s.ErrorMessage = errMsg.String
	s.CompletedAt = timePtr(completedAt)
	return &s, nil
}

func (s *SnapshotStore) Create(ctx context.Context, filename, s3Key string) (*model.Snapshot, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (filename, s3_key, status) VALUES (?, ?, ?)`,
		filename, s3Key, model.SnapshotPending,
	)
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *SnapshotStore) GetByID(ctx context.Context, id int64) (*model.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %d: %w", id, err)
	}
	return snap, nil
}

// List returns the newest snapshots first.
func (s *SnapshotStore) List(ctx context.Context, limit int) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

func (s *SnapshotStore) MarkCompleted(ctx context.Context, id, sizeBytes int64) error {
	return s.update(ctx,
		`UPDATE snapshots SET status = ?, size_bytes = ?, completed_at = ? WHERE id = ?`,
		model.SnapshotCompleted, sizeBytes, sqliteTime(time.Now()), id,
	)
}

func (s *SnapshotStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	return s.update(ctx,
		`UPDATE snapshots SET status = ?, error_message = ? WHERE id = ?`,
		model.SnapshotFailed, optional(errorMsg), id,
	)
}

func (s *SnapshotStore) update(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOlderThan removes snapshot records started before cutoff and returns
// their object keys so the objects can be removed too.
func (s *SnapshotStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM snapshots WHERE started_at < ? RETURNING s3_key`, sqliteTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("delete old snapshots: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan s3 key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
