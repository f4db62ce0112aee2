package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
)

// Metadata keys set by the coaching app when it creates checkout sessions.
const (
	metaCoachID       = "coachId"
	metaType          = "type"
	metaPaymentType   = "paymentType"
	metaProgramID     = "programId"
	metaAppointmentID = "appointmentId"
	metaClientID      = "clientId"

	typeBrandingAddon = "branding_addon"
	typeTerminalAddon = "terminal_addon"
	paymentTerminal   = "terminal"
)

// expandable holds a Stripe field that is either an id string or an expanded object.
type expandable string

func (e *expandable) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type checkoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	Subscription  expandable        `json:"subscription"`
	Customer      expandable        `json:"customer"`
	PaymentIntent expandable        `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

type subscription struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

func decode(data *stripe.EventData, v any) error {
	if data == nil || len(data.Raw) == 0 {
		return fmt.Errorf("%w: event has no data", ErrMalformedEvent)
	}
	if err := json.Unmarshal(data.Raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
