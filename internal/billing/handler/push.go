package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bachixxx/coachbilling/internal/billing/model"
	"github.com/bachixxx/coachbilling/internal/billing/store"
)

// Notifiers fans committed changes out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) Publish(changes []model.SlotChange) {
	for _, n := range ns {
		n.Publish(changes)
	}
}

// PushHandler registers coach browsers for entitlement notifications.
type PushHandler struct {
	stores    *store.Stores
	publicKey string
	logger    *slog.Logger
}

func NewPushHandler(stores *store.Stores, vapidPublicKey string, logger *slog.Logger) *PushHandler {
	return &PushHandler{stores: stores, publicKey: vapidPublicKey, logger: logger}
}

// PublicKey handles GET /api/push/vapid-public-key.
func (h *PushHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.publicKey})
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	DeviceName string `json:"device_name"`
}

// Subscribe handles POST /api/coaches/{id}/push-subscriptions. The body is the
// browser's PushSubscription JSON plus an optional device name.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !strings.HasPrefix(req.Endpoint, "https://") || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, keys.p256dh and keys.auth are required")
		return
	}

	coachID := r.PathValue("id")
	sub, err := h.stores.Push.Upsert(r.Context(), model.PushSubscription{
		CoachID:    coachID,
		Endpoint:   req.Endpoint,
		P256dhKey:  req.Keys.P256dh,
		AuthKey:    req.Keys.Auth,
		DeviceName: req.DeviceName,
	})
	if store.IsForeignKey(err) {
		writeError(w, http.StatusNotFound, "coach not found")
		return
	}
	if err != nil {
		h.logger.Error("save push subscription", "coach_id", coachID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// Unsubscribe handles DELETE /api/push-subscriptions?endpoint=...
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	err := h.stores.Push.DeleteByEndpoint(r.Context(), endpoint)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		h.logger.Error("delete push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
