package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bachixxx/coachbilling/internal/billing/model"
	"github.com/bachixxx/coachbilling/internal/billing/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// AccountHandler serves the read-only support API over entitlement state.
type AccountHandler struct {
	stores *store.Stores
	logger *slog.Logger
}

func NewAccountHandler(stores *store.Stores, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{stores: stores, logger: logger}
}

type slotView struct {
	Active bool    `json:"active"`
	Ref    *string `json:"ref"`
}

type coachView struct {
	ID                  string              `json:"id"`
	Email               string              `json:"email"`
	Tier                model.Tier          `json:"subscription_tier"`
	ClientLimit         *int                `json:"client_limit"`
	SubscriptionEndDate *time.Time          `json:"subscription_end_date"`
	Slots               map[string]slotView `json:"slots"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

func newCoachView(c *model.Coach) coachView {
	return coachView{
		ID:                  c.ID,
		Email:               c.Email,
		Tier:                c.SubscriptionTier,
		ClientLimit:         c.ClientLimit,
		SubscriptionEndDate: c.SubscriptionEndDate,
		Slots: map[string]slotView{
			string(model.SlotMain):     {Active: c.SubscriptionTier == model.TierPaid, Ref: c.MainSubscriptionRef},
			string(model.SlotBranding): {Active: c.BrandingEnabled, Ref: c.BrandingSubscriptionRef},
			string(model.SlotTerminal): {Active: c.TerminalEnabled, Ref: c.TerminalSubscriptionRef},
		},
		UpdatedAt: c.UpdatedAt,
	}
}

// GetCoach handles GET /api/coaches/{id}.
func (h *AccountHandler) GetCoach(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := h.stores.Coaches.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("get coach", "coach_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load coach")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "coach not found")
		return
	}
	writeJSON(w, http.StatusOK, newCoachView(c))
}

// History handles GET /api/coaches/{id}/history.
func (h *AccountHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	changes, err := h.stores.History.ListByCoach(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("list history", "coach_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if changes == nil {
		changes = []model.EntitlementChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

// WebhookEvents handles GET /api/webhook-events.
func (h *AccountHandler) WebhookEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	events, err := h.stores.Events.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("list webhook events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load webhook events")
		return
	}
	if events == nil {
		events = []model.WebhookEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}
