package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bachixxx/coachbilling/internal/billing/model"
)

const RegistrationStatusRegistered = "registered"

type AppointmentStore struct {
	db DBTX
}

func NewAppointmentStore(db DBTX) *AppointmentStore {
	return &AppointmentStore{db: db}
}

// UpsertRegistration registers a client for an appointment, restoring the
// registered status if a row already exists.
func (s *AppointmentStore) UpsertRegistration(ctx context.Context, appointmentID, clientID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO appointment_registrations (appointment_id, client_id, status) VALUES (?, ?, ?)
		ON CONFLICT (appointment_id, client_id) DO UPDATE SET status = excluded.status`,
		appointmentID, clientID, RegistrationStatusRegistered,
	)
	if err != nil {
		return fmt.Errorf("upsert appointment registration: %w", err)
	}
	return nil
}

func (s *AppointmentStore) GetRegistration(ctx context.Context, appointmentID, clientID string) (*model.AppointmentRegistration, error) {
	var r model.AppointmentRegistration
	err := s.db.QueryRowContext(ctx,
		`SELECT id, appointment_id, client_id, status, created_at FROM appointment_registrations
		WHERE appointment_id = ? AND client_id = ?`,
		appointmentID, clientID,
	).Scan(&r.ID, &r.AppointmentID, &r.ClientID, &r.Status, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment registration: %w", err)
	}
	return &r, nil
}

func (s *AppointmentStore) CountRegistrations(ctx context.Context, appointmentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM appointment_registrations WHERE appointment_id = ?`, appointmentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count appointment registrations: %w", err)
	}
	return n, nil
}
