package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by updates that matched no row.
var ErrNotFound = errors.New("not found")

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface{ Scan(...any) error }

// Stores groups the per-table stores over a single handle.
type Stores struct {
	db           DBTX
	Coaches      *CoachStore
	History      *HistoryStore
	Enrollments  *EnrollmentStore
	Appointments *AppointmentStore
	Payments     *PaymentStore
	Events       *WebhookEventStore
	Snapshots    *SnapshotStore
	Push         *PushStore
}

func newStores(db DBTX) *Stores {
	return &Stores{
		db:           db,
		Coaches:      NewCoachStore(db),
		History:      NewHistoryStore(db),
		Enrollments:  NewEnrollmentStore(db),
		Appointments: NewAppointmentStore(db),
		Payments:     NewPaymentStore(db),
		Events:       NewWebhookEventStore(db),
		Snapshots:    NewSnapshotStore(db),
		Push:         NewPushStore(db),
	}
}

// Savepoint runs fn inside a named savepoint. If fn fails, only its writes are
// rolled back and the enclosing transaction stays usable.
func (s *Stores) Savepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := s.db.ExecContext(ctx, `SAVEPOINT `+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := s.db.ExecContext(ctx, `ROLLBACK TO `+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to %s: %w", name, rbErr))
		}
		if _, relErr := s.db.ExecContext(ctx, `RELEASE `+name); relErr != nil {
			return errors.Join(err, fmt.Errorf("release %s: %w", name, relErr))
		}
		return err
	}
	if _, err := s.db.ExecContext(ctx, `RELEASE `+name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

// Gateway is the datastore the reconciler reads and writes through.
type Gateway struct {
	db         *sql.DB
	stores     *Stores
	maxRetries uint64
	baseDelay  time.Duration
}

func NewGateway(db *sql.DB) *Gateway {
	return &Gateway{
		db:         db,
		stores:     newStores(db),
		maxRetries: 4,
		baseDelay:  25 * time.Millisecond,
	}
}

// Stores returns stores bound to the database outside any transaction.
func (g *Gateway) Stores() *Stores {
	return g.stores
}

// Ping checks that the database is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.db.PingContext(ctx)
}

// InTx runs fn in a transaction, committing when fn returns nil. Busy or locked
// database errors restart the whole unit of work with exponential backoff.
func (g *Gateway) InTx(ctx context.Context, fn func(*Stores) error) error {
	b := retry.WithMaxRetries(g.maxRetries, retry.NewExponential(g.baseDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := g.inTx(ctx, fn)
		if isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (g *Gateway) inTx(ctx context.Context, fn func(*Stores) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(newStores(tx)); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// IsForeignKey reports whether err is a foreign key violation, such as a row
// referencing a coach that does not exist.
func IsForeignKey(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

// optional maps the empty string to NULL.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sqliteTime formats t the way CURRENT_TIMESTAMP does so text comparisons hold.
func sqliteTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}
