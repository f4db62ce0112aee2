package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the billing service settings. Values come from the environment,
// optionally layered over a config file named by BILLING_CONFIG_FILE.
type Config struct {
	Port      string `mapstructure:"billing_port"`
	DBPath    string `mapstructure:"billing_db_path"`
	LogLevel  string `mapstructure:"billing_log_level"`
	LogFormat string `mapstructure:"billing_log_format"`

	StripeSecretKey     string        `mapstructure:"stripe_secret_key"`
	StripeWebhookSecret string        `mapstructure:"stripe_webhook_secret"`
	SignatureTolerance  time.Duration `mapstructure:"stripe_signature_tolerance"`

	WebhookTimeout time.Duration `mapstructure:"billing_webhook_timeout"`
	// MainPeriod is how far subscription_end_date is pushed forward when the main
	// subscription activates.
	MainPeriod     time.Duration `mapstructure:"billing_main_period"`
	EventRetention time.Duration `mapstructure:"billing_event_retention"`

	AdminTokenHash string `mapstructure:"billing_admin_token_hash"`

	// Operator alerts for payments that could not be recorded.
	PostmarkToken string `mapstructure:"billing_postmark_token"`
	AlertFrom     string `mapstructure:"billing_alert_from"`
	AlertTo       string `mapstructure:"billing_alert_to"`

	VAPIDPublicKey  string `mapstructure:"billing_vapid_public_key"`
	VAPIDPrivateKey string `mapstructure:"billing_vapid_private_key"`
	VAPIDSubject    string `mapstructure:"billing_vapid_subject"`

	BackupS3Endpoint  string        `mapstructure:"billing_backup_s3_endpoint"`
	BackupS3Bucket    string        `mapstructure:"billing_backup_s3_bucket"`
	BackupS3Region    string        `mapstructure:"billing_backup_s3_region"`
	BackupS3AccessKey string        `mapstructure:"billing_backup_s3_access_key"`
	BackupS3SecretKey string        `mapstructure:"billing_backup_s3_secret_key"`
	BackupPassphrase  string        `mapstructure:"billing_backup_passphrase"`
	BackupInterval    time.Duration `mapstructure:"billing_backup_interval"`
	BackupRetention   time.Duration `mapstructure:"billing_backup_retention"`
}

var keys = []string{
	"billing_port",
	"billing_db_path",
	"billing_log_level",
	"billing_log_format",
	"stripe_secret_key",
	"stripe_webhook_secret",
	"stripe_signature_tolerance",
	"billing_webhook_timeout",
	"billing_main_period",
	"billing_event_retention",
	"billing_admin_token_hash",
	"billing_postmark_token",
	"billing_alert_from",
	"billing_alert_to",
	"billing_vapid_public_key",
	"billing_vapid_private_key",
	"billing_vapid_subject",
	"billing_backup_s3_endpoint",
	"billing_backup_s3_bucket",
	"billing_backup_s3_region",
	"billing_backup_s3_access_key",
	"billing_backup_s3_secret_key",
	"billing_backup_passphrase",
	"billing_backup_interval",
	"billing_backup_retention",
}

// Load reads configuration and validates required secrets. A missing secret is
// returned as an error so main can refuse to start.
func Load() (Config, error) {
	v := viper.New()
	v.SetDefault("billing_port", "8090")
	v.SetDefault("billing_db_path", "billing.db")
	v.SetDefault("billing_log_level", "info")
	v.SetDefault("billing_log_format", "text")
	v.SetDefault("stripe_signature_tolerance", 5*time.Minute)
	v.SetDefault("billing_webhook_timeout", 10*time.Second)
	v.SetDefault("billing_main_period", 30*24*time.Hour)
	v.SetDefault("billing_event_retention", 30*24*time.Hour)
	v.SetDefault("billing_backup_s3_region", "us-east-1")
	v.SetDefault("billing_backup_interval", 24*time.Hour)
	v.SetDefault("billing_backup_retention", 90*24*time.Hour)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about when unmarshalling.
	for _, k := range keys {
		if err := v.BindEnv(k, strings.ToUpper(k)); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	if path := v.GetString("billing_config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks that the secrets needed to serve webhooks are present.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.StripeSecretKey) == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if strings.TrimSpace(c.StripeWebhookSecret) == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if c.WebhookTimeout <= 0 {
		errs = append(errs, errors.New("BILLING_WEBHOOK_TIMEOUT must be positive"))
	}
	if c.MainPeriod <= 0 {
		errs = append(errs, errors.New("BILLING_MAIN_PERIOD must be positive"))
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		errs = append(errs, errors.New("BILLING_VAPID_PUBLIC_KEY and BILLING_VAPID_PRIVATE_KEY must be set together"))
	}
	if c.BackupS3Bucket != "" && strings.TrimSpace(c.BackupPassphrase) == "" {
		errs = append(errs, errors.New("BILLING_BACKUP_PASSPHRASE is required when BILLING_BACKUP_S3_BUCKET is set"))
	}
	if c.BackupInterval <= 0 {
		errs = append(errs, errors.New("BILLING_BACKUP_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}
