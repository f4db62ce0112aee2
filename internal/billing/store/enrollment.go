package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bachixxx/coachbilling/internal/billing/model"
)

type EnrollmentStore struct {
	db DBTX
}

func NewEnrollmentStore(db DBTX) *EnrollmentStore {
	return &EnrollmentStore{db: db}
}

const enrollmentCols = `id, client_id, program_id, start_date, status, payment_status, amount_paid, created_at`

func scanEnrollment(s scanner) (*model.ClientProgram, error) {
	var e model.ClientProgram
	err := s.Scan(&e.ID, &e.ClientID, &e.ProgramID, &e.StartDate, &e.Status, &e.PaymentStatus, &e.AmountPaid, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateIfNotExists enrolls a client in a program. It reports false when the
// client is already enrolled; the existing row is left untouched.
func (s *EnrollmentStore) CreateIfNotExists(ctx context.Context, e model.ClientProgram) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO client_programs (client_id, program_id, start_date, status, payment_status, amount_paid)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id, program_id) DO NOTHING`,
		e.ClientID, e.ProgramID, sqliteTime(e.StartDate), e.Status, e.PaymentStatus, e.AmountPaid,
	)
	if err != nil {
		return false, fmt.Errorf("insert client program: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *EnrollmentStore) Get(ctx context.Context, clientID, programID string) (*model.ClientProgram, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentCols+` FROM client_programs WHERE client_id = ? AND program_id = ?`,
		clientID, programID,
	)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client program: %w", err)
	}
	return e, nil
}

func (s *EnrollmentStore) CountByClient(ctx context.Context, clientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM client_programs WHERE client_id = ?`, clientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count client programs: %w", err)
	}
	return n, nil
}
