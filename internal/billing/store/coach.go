package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bachixxx/coachbilling/internal/billing/model"
)

type CoachStore struct {
	db DBTX
}

func NewCoachStore(db DBTX) *CoachStore {
	return &CoachStore{db: db}
}

type addonColumns struct {
	enabled string
	ref     string
}

// addons maps each add-on slot to its flag and reference columns.
var addons = map[model.Slot]addonColumns{
	model.SlotBranding: {enabled: "branding_enabled", ref: "branding_subscription_ref"},
	model.SlotTerminal: {enabled: "terminal_enabled", ref: "terminal_subscription_ref"},
}

func scanCoach(s scanner) (*model.Coach, error) {
	var c model.Coach
	var tier string
	var clientLimit sql.NullInt64
	var mainRef, brandingRef, terminalRef sql.NullString
	var endDate sql.NullTime
	var branding, terminal int
	err := s.Scan(
		&c.ID, &c.Email, &tier, &clientLimit, &mainRef, &endDate,
		&branding, &brandingRef, &terminal, &terminalRef, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.SubscriptionTier = model.Tier(tier)
	if clientLimit.Valid {
		n := int(clientLimit.Int64)
		c.ClientLimit = &n
	}
	c.MainSubscriptionRef = stringPtr(mainRef)
	c.SubscriptionEndDate = timePtr(endDate)
	c.BrandingEnabled = branding != 0
	c.BrandingSubscriptionRef = stringPtr(brandingRef)
	c.TerminalEnabled = terminal != 0
	c.TerminalSubscriptionRef = stringPtr(terminalRef)
	return &c, nil
}

const coachCols = `id, email, subscription_tier, client_limit, main_subscription_ref, subscription_end_date,
	branding_enabled, branding_subscription_ref, terminal_enabled, terminal_subscription_ref, created_at, updated_at`

// Create registers a coach on the free tier.
func (s *CoachStore) Create(ctx context.Context, id, email string) (*model.Coach, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coaches (id, email, subscription_tier, client_limit) VALUES (?, ?, ?, ?)`,
		id, email, model.TierFree, model.FreeClientLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("insert coach: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *CoachStore) GetByID(ctx context.Context, id string) (*model.Coach, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+coachCols+` FROM coaches WHERE id = ?`, id)
	c, err := scanCoach(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get coach: %w", err)
	}
	return c, nil
}

// ActivateMain moves the coach to the paid tier with no client limit.
func (s *CoachStore) ActivateMain(ctx context.Context, id, ref string, endDate time.Time) error {
	return s.update(ctx, "activate main subscription",
		`UPDATE coaches SET subscription_tier = ?, client_limit = NULL, main_subscription_ref = ?,
			subscription_end_date = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		model.TierPaid, nullString(optional(ref)), sqliteTime(endDate), id,
	)
}

// DeactivateMain returns the coach to the free tier and clears the main reference.
func (s *CoachStore) DeactivateMain(ctx context.Context, id string) error {
	return s.update(ctx, "deactivate main subscription",
		`UPDATE coaches SET subscription_tier = ?, client_limit = ?, main_subscription_ref = NULL,
			updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		model.TierFree, model.FreeClientLimit, id,
	)
}

// SetAddon turns an add-on slot on with ref, or off. Turning a slot off always
// clears its reference.
func (s *CoachStore) SetAddon(ctx context.Context, id string, slot model.Slot, enabled bool, ref string) error {
	cols, ok := addons[slot]
	if !ok {
		return fmt.Errorf("set addon: unknown slot %q", slot)
	}
	return s.update(ctx, "set "+string(slot)+" addon",
		`UPDATE coaches SET `+cols.enabled+` = ?, `+cols.ref+` = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		boolInt(enabled), nullString(addonRef(enabled, ref)), id,
	)
}

func (s *CoachStore) update(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: coach %w", op, ErrNotFound)
	}
	return nil
}

func addonRef(enabled bool, ref string) *string {
	if !enabled {
		return nil
	}
	return optional(ref)
}
