package model

import "time"

// Tier is a coach's subscription tier.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// FreeClientLimit is the client cap on the free tier. Paid coaches have no cap.
const FreeClientLimit = 5

// Coach is the billing account of a coach and its entitlement summary.
type Coach struct {
	ID                      string     `json:"id"`
	Email                   string     `json:"email"`
	SubscriptionTier        Tier       `json:"subscription_tier"`
	ClientLimit             *int       `json:"client_limit"`
	MainSubscriptionRef     *string    `json:"main_subscription_ref"`
	SubscriptionEndDate     *time.Time `json:"subscription_end_date"`
	BrandingEnabled         bool       `json:"branding_enabled"`
	BrandingSubscriptionRef *string    `json:"branding_subscription_ref"`
	TerminalEnabled         bool       `json:"terminal_enabled"`
	TerminalSubscriptionRef *string    `json:"terminal_subscription_ref"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// EntitlementChange is an append-only audit record of a tier transition.
type EntitlementChange struct {
	ID           int64     `json:"id"`
	CoachID      string    `json:"coach_id"`
	PreviousTier Tier      `json:"previous_tier"`
	NewTier      Tier      `json:"new_tier"`
	PaymentRef   string    `json:"payment_ref"`
	Note         string    `json:"note"`
	CreatedAt    time.Time `json:"created_at"`
}

// ClientProgram links a client to a purchased program.
type ClientProgram struct {
	ID            int64     `json:"id"`
	ClientID      string    `json:"client_id"`
	ProgramID     string    `json:"program_id"`
	StartDate     time.Time `json:"start_date"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	AmountPaid    int64     `json:"amount_paid"`
	CreatedAt     time.Time `json:"created_at"`
}

type AppointmentRegistration struct {
	ID            int64     `json:"id"`
	AppointmentID string    `json:"appointment_id"`
	ClientID      string    `json:"client_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
)

// Payment is either an appointment payment (AppointmentID and ClientID set) or
// an ad-hoc terminal payment (CoachID and CheckoutSessionID set, no client).
// Amounts are in the currency's minor unit.
type Payment struct {
	ID                int64      `json:"id"`
	CoachID           *string    `json:"coach_id"`
	AppointmentID     *string    `json:"appointment_id"`
	ClientID          *string    `json:"client_id"`
	CheckoutSessionID *string    `json:"checkout_session_id"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	PaymentMethod     string     `json:"payment_method"`
	PaymentDate       *time.Time `json:"payment_date"`
	Notes             string     `json:"notes"`
	CreatedAt         time.Time  `json:"created_at"`
}

// WebhookEvent records a provider event id that has been applied.
type WebhookEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Outcome     string    `json:"outcome"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Slot identifies one independently activatable subscription on a coach account.
type Slot string

const (
	SlotMain     Slot = "main"
	SlotBranding Slot = "branding"
	SlotTerminal Slot = "terminal"
)

// SlotChange describes a committed slot transition on a coach account.
type SlotChange struct {
	CoachID string `json:"coach_id"`
	Slot    Slot   `json:"slot"`
	Active  bool   `json:"active"`
	Ref     string `json:"ref,omitempty"`
	EventID string `json:"event_id"`
}

type SnapshotStatus string

const (
	SnapshotPending   SnapshotStatus = "pending"
	SnapshotCompleted SnapshotStatus = "completed"
	SnapshotFailed    SnapshotStatus = "failed"
)

// Snapshot is an encrypted copy of the billing ledger uploaded to object storage.
type Snapshot struct {
	ID           int64          `json:"id"`
	Filename     string         `json:"filename"`
	S3Key        string         `json:"s3_key"`
	SizeBytes    int64          `json:"size_bytes"`
	Status       SnapshotStatus `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// PushSubscription is a browser registered to receive entitlement notices for
// a coach.
type PushSubscription struct {
	ID         int64     `json:"id"`
	CoachID    string    `json:"coach_id"`
	Endpoint   string    `json:"endpoint"`
	P256dhKey  string    `json:"p256dh_key"`
	AuthKey    string    `json:"auth_key"`
	DeviceName string    `json:"device_name"`
	CreatedAt  time.Time `json:"created_at"`
}
