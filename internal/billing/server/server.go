package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bachixxx/coachbilling/internal/billing/handler"
	"github.com/bachixxx/coachbilling/internal/billing/metrics"
	"github.com/bachixxx/coachbilling/internal/billing/store"
	sharedmw "github.com/bachixxx/coachbilling/internal/middleware"
	"github.com/bachixxx/coachbilling/internal/websocket"
)

const (
	supportRateLimit  = 60
	supportRateWindow = time.Minute
)

type Config struct {
	WebhookTimeout time.Duration
	// AdminTokenHash is the bcrypt hash of the support API bearer token.
	AdminTokenHash string
}

// Deps are the collaborators the server routes requests to. Alerter, Push and
// Snapshots may be nil.
type Deps struct {
	Verifier  handler.Verifier
	Events    handler.EventHandler
	Hub       *websocket.Hub
	Alerter   handler.Alerter
	Snapshots handler.SnapshotRunner
	// Push delivers browser notifications; VAPIDPublicKey enables the
	// subscription routes.
	Push           handler.Notifier
	VAPIDPublicKey string
	Registry       *prometheus.Registry
	// Metrics defaults to collectors registered on Registry.
	Metrics *metrics.Metrics
}

type Server struct {
	gw          *store.Gateway
	webhookH    *handler.WebhookHandler
	accountH    *handler.AccountHandler
	snapshotH   *handler.SnapshotHandler
	pushH       *handler.PushHandler
	hub         *websocket.Hub
	registry    *prometheus.Registry
	rateLimiter *sharedmw.RateLimiter
	cfg         Config
	logger      *slog.Logger
}

func New(gw *store.Gateway, deps Deps, cfg Config, logger *slog.Logger) *Server {
	m := deps.Metrics
	if m == nil {
		m = metrics.New(deps.Registry)
	}
	var notifiers handler.Notifiers
	if deps.Hub != nil {
		notifiers = append(notifiers, deps.Hub)
	}
	if deps.Push != nil {
		notifiers = append(notifiers, deps.Push)
	}
	s := &Server{
		gw:          gw,
		webhookH:    handler.NewWebhookHandler(deps.Verifier, deps.Events, notifiers, deps.Alerter, m, cfg.WebhookTimeout, logger.With("component", "webhook")),
		accountH:    handler.NewAccountHandler(gw.Stores(), logger.With("component", "support")),
		hub:         deps.Hub,
		registry:    deps.Registry,
		rateLimiter: sharedmw.NewRateLimiter(),
		cfg:         cfg,
		logger:      logger,
	}
	if deps.Snapshots != nil {
		s.snapshotH = handler.NewSnapshotHandler(deps.Snapshots, gw.Stores(), logger.With("component", "snapshots"))
	}
	if deps.VAPIDPublicKey != "" {
		s.pushH = handler.NewPushHandler(gw.Stores(), deps.VAPIDPublicKey, logger.With("component", "push"))
	}
	return s
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *sharedmw.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Provider webhook (public, authenticated by signature)
	webhook := sharedmw.CORS(http.HandlerFunc(s.webhookH.HandleStripeWebhook))
	for _, path := range []string{"/webhook", "/webhooks/stripe"} {
		mux.Handle("POST "+path, webhook)
		mux.Handle("OPTIONS "+path, webhook)
	}

	// Support API (admin token, rate-limited)
	adminMw := sharedmw.RequireAdminToken(s.cfg.AdminTokenHash)
	rateLimitMw := sharedmw.RateLimit(s.rateLimiter, sharedmw.ByIP, supportRateLimit, supportRateWindow)
	support := func(h http.HandlerFunc) http.Handler {
		return rateLimitMw(adminMw(h))
	}
	mux.Handle("GET /api/coaches/{id}", support(s.accountH.GetCoach))
	mux.Handle("GET /api/coaches/{id}/history", support(s.accountH.History))
	mux.Handle("GET /api/webhook-events", support(s.accountH.WebhookEvents))
	mux.Handle("GET /ws/entitlements", support(websocket.HandleFeed(s.hub)))
	if s.snapshotH != nil {
		mux.Handle("GET /api/snapshots", support(s.snapshotH.List))
		mux.Handle("POST /api/snapshots", support(s.snapshotH.Create))
		mux.Handle("GET /api/snapshots/{id}/download", support(s.snapshotH.Download))
	}
	if s.pushH != nil {
		mux.Handle("GET /api/push/vapid-public-key", support(s.pushH.PublicKey))
		mux.Handle("POST /api/coaches/{id}/push-subscriptions", support(s.pushH.Subscribe))
		mux.Handle("DELETE /api/push-subscriptions", support(s.pushH.Unsubscribe))
	}

	return sharedmw.RequestLogger(s.logger.With("component", "http"))(mux)
}

// Cleanup prunes webhook event claims older than retention and expired rate
// limiter entries.
func (s *Server) Cleanup(ctx context.Context, retention time.Duration) {
	n, err := s.gw.Stores().Events.DeleteOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		s.logger.Error("prune webhook events", "error", err)
	} else if n > 0 {
		s.logger.Info("pruned webhook events", "count", n)
	}
	s.rateLimiter.Cleanup()
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.gw.Ping(ctx); err != nil {
		s.logger.Error("health check", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	w.Write([]byte(`{"status":"ok"}`))
}
