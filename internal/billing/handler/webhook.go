package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/bachixxx/coachbilling/internal/auth"
	"github.com/bachixxx/coachbilling/internal/billing/metrics"
	"github.com/bachixxx/coachbilling/internal/billing/model"
	"github.com/bachixxx/coachbilling/internal/billing/reconcile"
	billingstripe "github.com/bachixxx/coachbilling/internal/billing/stripe"
	"github.com/bachixxx/coachbilling/internal/middleware"
)

const (
	maxWebhookBody = 1 << 20
	alertTimeout   = 30 * time.Second
)

type Verifier interface {
	Verify(payload []byte, header string) (stripe.Event, error)
}

type EventHandler interface {
	Handle(ctx context.Context, event stripe.Event) (reconcile.Result, error)
}

// Notifier receives slot changes after they are committed.
type Notifier interface {
	Publish(changes []model.SlotChange)
}

// Alerter tells operators about acknowledged events that need manual follow-up.
type Alerter interface {
	AlertUnrecordedPayment(ctx context.Context, eventID string, p model.Payment) error
}

type WebhookHandler struct {
	verifier Verifier
	events   EventHandler
	notifier Notifier
	alerter  Alerter
	metrics  *metrics.Metrics
	timeout  time.Duration
	logger   *slog.Logger
}

// NewWebhookHandler wires the webhook endpoint. notifier and alerter may be nil.
func NewWebhookHandler(v Verifier, events EventHandler, notifier Notifier, alerter Alerter, m *metrics.Metrics, timeout time.Duration, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier: v,
		events:   events,
		notifier: notifier,
		alerter:  alerter,
		metrics:  m,
		timeout:  timeout,
		logger:   logger,
	}
}

// HandleStripeWebhook verifies and applies one provider event. Any response
// other than 200 makes the provider redeliver.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { h.metrics.ObserveDuration(time.Since(start)) }()
	middleware.SetCORSHeaders(w.Header())

	logger := h.logger.With("request_id", auth.RequestID(r.Context()))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		logger.Warn("read webhook body", "error", err)
		h.metrics.EventFailed("read_body")
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	header := r.Header.Get("Stripe-Signature")
	if header == "" {
		header = r.Header.Get("Signature")
	}
	event, err := h.verifier.Verify(body, header)
	if err != nil {
		h.metrics.EventFailed("signature")
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	logger = logger.With("event_id", event.ID, "type", event.Type)
	res, err := h.events.Handle(ctx, event)
	if err != nil {
		reason := failureReason(err)
		logger.Error("webhook processing failed", "reason", reason, "error", err)
		h.metrics.EventFailed(reason)
		writeError(w, http.StatusBadRequest, failureMessages[reason])
		return
	}

	logger.Info("webhook acknowledged", "outcome", res.Outcome, "coach_id", res.CoachID)
	h.metrics.EventHandled(res.Type, string(res.Outcome))
	for _, c := range res.Changes {
		direction := "deactivated"
		if c.Active {
			direction = "activated"
		}
		h.metrics.Transition(string(c.Slot), direction)
	}
	if h.notifier != nil && len(res.Changes) > 0 {
		h.notifier.Publish(res.Changes)
	}
	if h.alerter != nil && res.Unrecorded != nil {
		go h.alert(res.EventID, *res.Unrecorded, logger)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) alert(eventID string, p model.Payment, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	if err := h.alerter.AlertUnrecordedPayment(ctx, eventID, p); err != nil {
		logger.Error("send unrecorded payment alert", "error", err)
	}
}

// failureMessages are the response bodies sent back to the provider. Error
// details stay in the log.
var failureMessages = map[string]string{
	"missing_metadata": "missing metadata",
	"unknown_account":  "unknown account",
	"malformed_event":  "malformed event",
	"provider":         "payment provider unavailable",
	"timeout":          "processing timed out",
	"persistence":      "event could not be stored",
	"signature":        "invalid signature",
	"internal":         "internal error",
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, reconcile.ErrMissingMetadata):
		return "missing_metadata"
	case errors.Is(err, reconcile.ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, reconcile.ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, reconcile.ErrProvider):
		return "provider"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, reconcile.ErrPersistence):
		return "persistence"
	case errors.Is(err, billingstripe.ErrSignatureInvalid):
		return "signature"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
