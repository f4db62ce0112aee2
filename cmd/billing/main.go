package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bachixxx/coachbilling/internal/backup"
	"github.com/bachixxx/coachbilling/internal/billing/database"
	"github.com/bachixxx/coachbilling/internal/billing/handler"
	"github.com/bachixxx/coachbilling/internal/billing/metrics"
	"github.com/bachixxx/coachbilling/internal/billing/reconcile"
	"github.com/bachixxx/coachbilling/internal/billing/server"
	"github.com/bachixxx/coachbilling/internal/billing/store"
	billingstripe "github.com/bachixxx/coachbilling/internal/billing/stripe"
	"github.com/bachixxx/coachbilling/internal/config"
	"github.com/bachixxx/coachbilling/internal/email"
	"github.com/bachixxx/coachbilling/internal/logging"
	"github.com/bachixxx/coachbilling/internal/push"
	"github.com/bachixxx/coachbilling/internal/websocket"
)

func main() {
	// A missing .env is normal in production.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env", "error", err)
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "decrypt-snapshot":
			os.Exit(decryptSnapshot(os.Args[2:]))
		case "vapid-keys":
			os.Exit(printVAPIDKeys())
		}
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	stripeCfg := billingstripe.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Tolerance:     cfg.SignatureTolerance,
	}
	verifier := billingstripe.NewVerifier(stripeCfg.WebhookSecret, stripeCfg.Tolerance, logger.With("component", "verifier"))
	stripeClient := billingstripe.NewClient(stripeCfg)

	gw := store.NewGateway(db)
	reconciler := reconcile.New(gw, stripeClient, reconcile.Config{MainPeriod: cfg.MainPeriod}, logger.With("component", "reconciler"))
	hub := websocket.NewHub(logger.With("component", "feed"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var alerter handler.Alerter
	mailer := email.NewClient(cfg.PostmarkToken, cfg.AlertFrom, cfg.AlertTo)
	if mailer.Configured() {
		alerter = mailer
	} else {
		logger.Warn("BILLING_POSTMARK_TOKEN or BILLING_ALERT_TO not set, unrecorded payment alerts disabled")
	}

	var pushNotifier handler.Notifier
	pushSvc := push.NewService(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, vapidSubject(cfg))
	if pushSvc.Configured() {
		pushNotifier = push.NewNotifier(pushSvc, gw.Stores().Push, logger.With("component", "push"))
	}

	snapshots := backup.NewManager(backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.BackupS3Endpoint,
			Bucket:    cfg.BackupS3Bucket,
			Region:    cfg.BackupS3Region,
			AccessKey: cfg.BackupS3AccessKey,
			SecretKey: cfg.BackupS3SecretKey,
		},
		Passphrase: cfg.BackupPassphrase,
		Retention:  cfg.BackupRetention,
	}, db, gw.Stores().Snapshots, func(st backup.Status) {
		switch st.State {
		case backup.StateIdle:
			if st.LastSnapshot != nil {
				m.SnapshotSucceeded(*st.LastSnapshot)
			}
		case backup.StateError:
			m.SnapshotFailed()
		}
	}, logger.With("component", "snapshots"))
	if !snapshots.Enabled() {
		logger.Warn("snapshot storage not configured, ledger snapshots disabled")
	}

	srv := server.New(gw, server.Deps{
		Verifier:  verifier,
		Events:    reconciler,
		Hub:       hub,
		Alerter:   alerter,
		Snapshots: snapshots,
		Registry:  reg,
		Metrics:   m,

		Push:           pushNotifier,
		VAPIDPublicKey: pushSvc.VAPIDPublicKey(),
	}, server.Config{
		WebhookTimeout: cfg.WebhookTimeout,
		AdminTokenHash: cfg.AdminTokenHash,
	}, logger)
	if cfg.AdminTokenHash == "" {
		logger.Warn("BILLING_ADMIN_TOKEN_HASH not set, support API disabled")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.WebhookTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background cleanup goroutine
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.Cleanup(cleanupCtx, cfg.EventRetention)
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	snapshots.Start(cleanupCtx, cfg.BackupInterval)

	go func() {
		logger.Info("billing service starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cleanupCancel()
	snapshots.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// decryptSnapshot restores a downloaded snapshot to a plain SQLite file using
// BILLING_BACKUP_PASSPHRASE.
func decryptSnapshot(args []string) int {
	if len(args) != 2 {
		slog.Error("usage: billing decrypt-snapshot <in.db.enc> <out.db>")
		return 2
	}
	passphrase := os.Getenv("BILLING_BACKUP_PASSPHRASE")
	if passphrase == "" {
		slog.Error("BILLING_BACKUP_PASSPHRASE is required")
		return 2
	}
	if err := backup.DecryptFile(args[0], args[1], passphrase); err != nil {
		slog.Error("decrypt snapshot", "error", err)
		return 1
	}
	slog.Info("snapshot decrypted", "out", args[1])
	return 0
}

func vapidSubject(cfg config.Config) string {
	if cfg.VAPIDSubject != "" {
		return cfg.VAPIDSubject
	}
	if cfg.AlertFrom != "" {
		return "mailto:" + cfg.AlertFrom
	}
	return "mailto:billing@localhost"
}

func printVAPIDKeys() int {
	pub, priv, err := push.GenerateVAPIDKeys()
	if err != nil {
		slog.Error("generate VAPID keys", "error", err)
		return 1
	}
	fmt.Printf("BILLING_VAPID_PUBLIC_KEY=%s\nBILLING_VAPID_PRIVATE_KEY=%s\n", pub, priv)
	return 0
}
