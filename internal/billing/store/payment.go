package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bachixxx/coachbilling/internal/billing/model"
)

type PaymentStore struct {
	db DBTX
}

func NewPaymentStore(db DBTX) *PaymentStore {
	return &PaymentStore{db: db}
}

const paymentCols = `id, coach_id, appointment_id, client_id, checkout_session_id, amount, currency,
	status, payment_method, payment_date, notes, created_at`

func scanPayment(s scanner) (*model.Payment, error) {
	var p model.Payment
	var coachID, appointmentID, clientID, sessionID sql.NullString
	var paymentDate sql.NullTime
	err := s.Scan(
		&p.ID, &coachID, &appointmentID, &clientID, &sessionID, &p.Amount, &p.Currency,
		&p.Status, &p.PaymentMethod, &paymentDate, &p.Notes, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.CoachID = stringPtr(coachID)
	p.AppointmentID = stringPtr(appointmentID)
	p.ClientID = stringPtr(clientID)
	p.CheckoutSessionID = stringPtr(sessionID)
	p.PaymentDate = timePtr(paymentDate)
	return &p, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqliteTime(*t)
}

// Create inserts a payment record as given.
func (s *PaymentStore) Create(ctx context.Context, p model.Payment) (*model.Payment, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (coach_id, appointment_id, client_id, checkout_session_id, amount, currency,
			status, payment_method, payment_date, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(p.CoachID), nullString(p.AppointmentID), nullString(p.ClientID), nullString(p.CheckoutSessionID),
		p.Amount, p.Currency, p.Status, p.PaymentMethod, nullTime(p.PaymentDate), p.Notes,
	)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// CreateAdHoc records a terminal payment once per checkout session. It reports
// false when the session was already recorded.
func (s *PaymentStore) CreateAdHoc(ctx context.Context, p model.Payment) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (coach_id, checkout_session_id, amount, currency, status, payment_method, payment_date, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (checkout_session_id) WHERE checkout_session_id IS NOT NULL DO NOTHING`,
		nullString(p.CoachID), nullString(p.CheckoutSessionID), p.Amount, p.Currency, p.Status,
		p.PaymentMethod, nullTime(p.PaymentDate), p.Notes,
	)
	if err != nil {
		return false, fmt.Errorf("insert ad-hoc payment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkAppointmentPaid sets the (appointment, client) payment to paid, inserting
// it when none exists yet. It reports whether a new row was inserted.
func (s *PaymentStore) MarkAppointmentPaid(ctx context.Context, p model.Payment) (bool, error) {
	if p.AppointmentID == nil || p.ClientID == nil {
		return false, fmt.Errorf("mark appointment paid: appointment and client are required")
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, amount = ?, currency = ?, payment_method = ?, payment_date = ?, notes = ?
		WHERE appointment_id = ? AND client_id = ?`,
		model.PaymentStatusPaid, p.Amount, p.Currency, p.PaymentMethod, nullTime(p.PaymentDate), p.Notes,
		*p.AppointmentID, *p.ClientID,
	)
	if err != nil {
		return false, fmt.Errorf("update appointment payment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return false, nil
	}

	p.Status = model.PaymentStatusPaid
	if _, err := s.Create(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PaymentStore) GetByID(ctx context.Context, id int64) (*model.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PaymentStore) ListByAppointment(ctx context.Context, appointmentID string) ([]model.Payment, error) {
	return s.list(ctx, `WHERE appointment_id = ? ORDER BY id`, appointmentID)
}

func (s *PaymentStore) ListByCoach(ctx context.Context, coachID string) ([]model.Payment, error) {
	return s.list(ctx, `WHERE coach_id = ? ORDER BY id`, coachID)
}

func (s *PaymentStore) list(ctx context.Context, where string, args ...any) ([]model.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+paymentCols+` FROM payments `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (s *PaymentStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count payments: %w", err)
	}
	return n, nil
}
