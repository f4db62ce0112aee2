package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/bachixxx/coachbilling/internal/billing/model"
)

const postmarkURL = "https://api.postmarkapp.com/email"

// Client sends operator alerts through Postmark.
type Client struct {
	serverToken string
	fromEmail   string
	opsEmail    string
	httpClient  *http.Client
	maxRetries  uint64
	baseDelay   time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, opsEmail string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		opsEmail:    opsEmail,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxRetries:  2,
		baseDelay:   200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if alerts can be delivered.
func (c *Client) Configured() bool {
	return c.serverToken != "" && c.opsEmail != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// AlertUnrecordedPayment tells operators that a terminal charge succeeded at
// the provider but is missing from the payments ledger.
func (c *Client) AlertUnrecordedPayment(ctx context.Context, eventID string, p model.Payment) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token or ops address")
	}

	coach, session := deref(p.CoachID), deref(p.CheckoutSessionID)
	amount := fmt.Sprintf("%d.%02d %s", p.Amount/100, p.Amount%100, p.Currency)
	subject := fmt.Sprintf("Terminal payment not recorded: %s", session)
	textBody := fmt.Sprintf(
		"A terminal payment was charged but could not be written to the payments table.\n\n"+
			"Coach: %s\nCheckout session: %s\nAmount: %s\nWebhook event: %s\n\n"+
			"Insert the payment manually; the event will not be redelivered.",
		coach, session, amount, eventID,
	)
	htmlBody := fmt.Sprintf(
		`<p>A terminal payment was charged but could not be written to the payments table.</p>`+
			`<ul><li>Coach: %s</li><li>Checkout session: %s</li><li>Amount: %s</li><li>Webhook event: %s</li></ul>`+
			`<p>Insert the payment manually; the event will not be redelivered.</p>`,
		html.EscapeString(coach), html.EscapeString(session), html.EscapeString(amount), html.EscapeString(eventID),
	)

	return c.send(ctx, postmarkEmail{
		From:     c.fromEmail,
		To:       c.opsEmail,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
		Tag:      "billing-alert",
	})
}

// send posts one message, retrying transport errors and 5xx responses.
func (c *Client) send(ctx context.Context, msg postmarkEmail) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	b := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.baseDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Postmark-Server-Token", c.serverToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("send email: %w", err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("postmark API error: status %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
		}
		return nil
	})
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
