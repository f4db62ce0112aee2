package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bachixxx/coachbilling/internal/billing/model"
)

const deliveryTimeout = 30 * time.Second

type Sender interface {
	Send(ctx context.Context, sub model.PushSubscription, payload Payload) error
}

type SubscriptionStore interface {
	ListByCoach(ctx context.Context, coachID string) ([]model.PushSubscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

// Notifier tells coaches' browsers about committed entitlement changes.
type Notifier struct {
	sender Sender
	subs   SubscriptionStore
	logger *slog.Logger
}

func NewNotifier(sender Sender, subs SubscriptionStore, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, subs: subs, logger: logger}
}

// Publish delivers in the background so webhook acknowledgement never waits
// on a push service.
func (n *Notifier) Publish(changes []model.SlotChange) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		n.Notify(ctx, changes)
	}()
}

// Notify sends one message per change to every browser the coach registered.
// Expired subscriptions are removed.
func (n *Notifier) Notify(ctx context.Context, changes []model.SlotChange) {
	for _, c := range changes {
		subs, err := n.subs.ListByCoach(ctx, c.CoachID)
		if err != nil {
			n.logger.Error("list push subscriptions", "coach_id", c.CoachID, "error", err)
			continue
		}
		payload := PayloadFor(c)
		for _, sub := range subs {
			err := n.sender.Send(ctx, sub, payload)
			switch {
			case errors.Is(err, ErrExpired):
				if err := n.subs.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
					n.logger.Warn("remove expired push subscription", "id", sub.ID, "error", err)
				}
			case err != nil:
				n.logger.Warn("push delivery failed", "coach_id", c.CoachID, "id", sub.ID, "error", err)
			}
		}
	}
}

var slotNames = map[model.Slot]string{
	model.SlotMain:     "Paid plan",
	model.SlotBranding: "Branding add-on",
	model.SlotTerminal: "Payment terminal add-on",
}

// PayloadFor renders the message a coach sees for a slot change.
func PayloadFor(c model.SlotChange) Payload {
	name, ok := slotNames[c.Slot]
	if !ok {
		name = string(c.Slot)
	}
	p := Payload{
		URL: "/settings/billing",
		Tag: "entitlement-" + string(c.Slot),
	}
	if c.Active {
		p.Title = name + " activated"
		p.Body = "Thanks! Your " + name + " is now active."
		if c.Slot == model.SlotMain {
			p.Body = "Thanks! Your Paid plan is active and the client limit is lifted."
		}
	} else {
		p.Title = name + " ended"
		p.Body = fmt.Sprintf("Your %s subscription was cancelled.", name)
	}
	return p
}
