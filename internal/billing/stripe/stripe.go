package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrSignatureInvalid covers every reason an inbound event cannot be trusted.
var ErrSignatureInvalid = errors.New("signature invalid")

type Config struct {
	SecretKey     string
	WebhookSecret string
	// Tolerance bounds the age of a signed timestamp. Zero uses the library default.
	Tolerance time.Duration
}

// Verifier authenticates webhook payloads against the shared signing secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
	logger    *slog.Logger
}

func NewVerifier(secret string, tolerance time.Duration, logger *slog.Logger) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, logger: logger}
}

// Verify checks header against the exact payload bytes and returns the parsed event.
func (v *Verifier) Verify(payload []byte, header string) (stripe.Event, error) {
	if strings.TrimSpace(header) == "" {
		v.logger.Warn("webhook signature missing")
		return stripe.Event{}, ErrSignatureInvalid
	}
	event, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		v.logger.Warn("webhook signature rejected", "error", err)
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	v.logger.Debug("webhook signature verified", "event_id", event.ID, "type", event.Type)
	return event, nil
}

// Client talks to the Stripe API with its own key; it never touches the
// package-level stripe.Key.
type Client struct {
	api *client.API
}

func NewClient(cfg Config) *Client {
	return &Client{api: client.New(cfg.SecretKey, nil)}
}

// SubscriptionMetadata returns the metadata attached to a subscription.
func (c *Client) SubscriptionMetadata(ctx context.Context, subscriptionID string) (map[string]string, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("get stripe subscription: %w", err)
	}
	return sub.Metadata, nil
}
