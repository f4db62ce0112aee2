package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/bachixxx/coachbilling/internal/billing/database"
	"github.com/bachixxx/coachbilling/internal/billing/metrics"
	"github.com/bachixxx/coachbilling/internal/billing/model"
	"github.com/bachixxx/coachbilling/internal/billing/reconcile"
	"github.com/bachixxx/coachbilling/internal/billing/store"
	billingstripe "github.com/bachixxx/coachbilling/internal/billing/stripe"
)

const testSecret = "whsec_handler_test"

type recordingNotifier struct {
	mu      sync.Mutex
	changes []model.SlotChange
}

func (n *recordingNotifier) Publish(changes []model.SlotChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, changes...)
}

type recordingAlerter struct {
	sent chan string
}

func (a *recordingAlerter) AlertUnrecordedPayment(_ context.Context, eventID string, _ model.Payment) error {
	a.sent <- eventID
	return nil
}

type webhookEnv struct {
	db       *sql.DB
	gw       *store.Gateway
	reg      *prometheus.Registry
	notifier *recordingNotifier
	alerter  *recordingAlerter
	h        *WebhookHandler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWebhookEnv(t *testing.T) *webhookEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gw := store.NewGateway(db)
	logger := discardLogger()
	verifier := billingstripe.NewVerifier(testSecret, time.Minute, logger)
	reconciler := reconcile.New(gw, nil, reconcile.Config{}, logger)
	reg := prometheus.NewRegistry()
	notifier := &recordingNotifier{}
	alerter := &recordingAlerter{sent: make(chan string, 1)}

	return &webhookEnv{
		db:       db,
		gw:       gw,
		reg:      reg,
		notifier: notifier,
		alerter:  alerter,
		h:        NewWebhookHandler(verifier, reconciler, notifier, alerter, metrics.New(reg), 5*time.Second, logger),
	}
}

func signedRequest(t *testing.T, payload []byte, header string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	if header != "" {
		req.Header.Set(header, webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload:   payload,
			Secret:    testSecret,
			Timestamp: time.Now(),
		}).Header)
	}
	return req
}

func eventPayload(t *testing.T, id, typ string, object map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return b
}

func activationPayload(t *testing.T, eventID string, md map[string]string) []byte {
	return eventPayload(t, eventID, "checkout.session.completed", map[string]any{
		"id":           "cs_" + eventID,
		"object":       "checkout.session",
		"mode":         "subscription",
		"subscription": "sub_A",
		"metadata":     md,
	})
}

func (e *webhookEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.h.HandleStripeWebhook(rec, req)
	return rec
}

func (e *webhookEnv) coach(t *testing.T, id string) {
	t.Helper()
	_, err := e.gw.Stores().Coaches.Create(context.Background(), id, id+"@example.com")
	require.NoError(t, err)
}

func (e *webhookEnv) tier(t *testing.T, id string) model.Tier {
	t.Helper()
	c, err := e.gw.Stores().Coaches.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c.SubscriptionTier
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWebhookActivates(t *testing.T) {
	env := newWebhookEnv(t)
	env.coach(t, "c1")

	rec := env.serve(signedRequest(t, activationPayload(t, "evt_1", map[string]string{"coachId": "c1"}), "Stripe-Signature"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"received": true}, decodeBody(t, rec))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, model.TierPaid, env.tier(t, "c1"))

	require.Len(t, env.notifier.changes, 1)
	assert.Equal(t, model.SlotMain, env.notifier.changes[0].Slot)
	assert.True(t, env.notifier.changes[0].Active)

	n, err := testutil.GatherAndCount(env.reg, "billing_webhook_events_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWebhookSignatureHeaderFallback(t *testing.T) {
	env := newWebhookEnv(t)
	env.coach(t, "c1")

	rec := env.serve(signedRequest(t, activationPayload(t, "evt_1", map[string]string{"coachId": "c1"}), "Signature"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.TierPaid, env.tier(t, "c1"))
}

func TestWebhookInvalidSignatureWritesNothing(t *testing.T) {
	env := newWebhookEnv(t)
	env.coach(t, "c1")
	payload := activationPayload(t, "evt_1", map[string]string{"coachId": "c1"})

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"missing header", signedRequest(t, payload, "")},
		{"garbage header", func() *http.Request {
			r := signedRequest(t, payload, "")
			r.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
			return r
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.serve(tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid signature", decodeBody(t, rec)["error"])
		})
	}

	assert.Equal(t, model.TierFree, env.tier(t, "c1"))
	events, err := env.gw.Stores().Events.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, env.notifier.changes)
}

func TestWebhookRedeliveryAcknowledged(t *testing.T) {
	env := newWebhookEnv(t)
	env.coach(t, "c1")
	payload := activationPayload(t, "evt_1", map[string]string{"coachId": "c1"})

	for i := 0; i < 2; i++ {
		rec := env.serve(signedRequest(t, payload, "Stripe-Signature"))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	history, err := env.gw.Stores().History.ListByCoach(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, env.notifier.changes, 1)
}

func TestWebhookMissingMetadataIs400(t *testing.T) {
	env := newWebhookEnv(t)

	rec := env.serve(signedRequest(t, activationPayload(t, "evt_1", nil), "Stripe-Signature"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "missing metadata")
}

func TestWebhookUnknownCoachIs400(t *testing.T) {
	env := newWebhookEnv(t)

	rec := env.serve(signedRequest(t, activationPayload(t, "evt_1", map[string]string{"coachId": "ghost"}), "Stripe-Signature"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "unknown account")
}

func TestWebhookIgnoredEventIs200(t *testing.T) {
	env := newWebhookEnv(t)

	rec := env.serve(signedRequest(t, eventPayload(t, "evt_1", "invoice.paid", map[string]any{"id": "in_1", "object": "invoice"}), "Stripe-Signature"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookTerminalFailureStillAcknowledged(t *testing.T) {
	env := newWebhookEnv(t)
	env.coach(t, "c1")
	_, err := env.db.Exec(`DROP TABLE payments`)
	require.NoError(t, err)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", map[string]any{
		"id":           "cs_1",
		"object":       "checkout.session",
		"mode":         "payment",
		"amount_total": 1500,
		"currency":     "eur",
		"metadata":     map[string]string{"paymentType": "terminal", "coachId": "c1"},
	})
	rec := env.serve(signedRequest(t, payload, "Stripe-Signature"))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	select {
	case id := <-env.alerter.sent:
		assert.Equal(t, "evt_1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected operator alert")
	}
}

func TestWebhookTerminalClaimFailureStillAcknowledged(t *testing.T) {
	env := newWebhookEnv(t)
	env.coach(t, "c1")
	_, err := env.db.Exec(`DROP TABLE webhook_events`)
	require.NoError(t, err)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", map[string]any{
		"id":           "cs_1",
		"object":       "checkout.session",
		"mode":         "payment",
		"amount_total": 1500,
		"currency":     "eur",
		"metadata":     map[string]string{"paymentType": "terminal", "coachId": "c1"},
	})
	rec := env.serve(signedRequest(t, payload, "Stripe-Signature"))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	select {
	case id := <-env.alerter.sent:
		assert.Equal(t, "evt_1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected operator alert")
	}
}

func TestWebhookStoreFailureHidesDetails(t *testing.T) {
	env := newWebhookEnv(t)
	env.coach(t, "c1")
	_, err := env.db.Exec(`DROP TABLE webhook_events`)
	require.NoError(t, err)

	rec := env.serve(signedRequest(t, activationPayload(t, "evt_1", map[string]string{"coachId": "c1"}), "Stripe-Signature"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "event could not be stored", decodeBody(t, rec)["error"])
	assert.NotContains(t, rec.Body.String(), "webhook_events")
}

func TestWebhookBodyTooLarge(t *testing.T) {
	env := newWebhookEnv(t)

	payload := []byte(`{"id":"evt_1","pad":"` + strings.Repeat("x", maxWebhookBody) + `"}`)
	rec := env.serve(signedRequest(t, payload, "Stripe-Signature"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{reconcile.ErrMissingMetadata, "missing_metadata"},
		{reconcile.ErrUnknownAccount, "unknown_account"},
		{reconcile.ErrMalformedEvent, "malformed_event"},
		{reconcile.ErrProvider, "provider"},
		{reconcile.ErrPersistence, "persistence"},
		{context.DeadlineExceeded, "timeout"},
		{io.EOF, "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failureReason(tt.err), "err = %v", tt.err)
		assert.NotEmpty(t, failureMessages[tt.want], "reason %s has no message", tt.want)
	}
}
