package reconcile

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
)

const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionDeleted = "customer.subscription.deleted"

	modeSubscription = "subscription"
	modePayment      = "payment"
)

// Handle applies a verified event. A nil error means the event may be
// acknowledged; any error asks the provider to redeliver.
func (r *Reconciler) Handle(ctx context.Context, event stripe.Event) (Result, error) {
	res := Result{EventID: event.ID, Type: string(event.Type)}
	if event.ID == "" {
		return res, fmt.Errorf("%w: event has no id", ErrMalformedEvent)
	}

	switch string(event.Type) {
	case eventCheckoutCompleted:
		var sess checkoutSession
		if err := decode(event.Data, &sess); err != nil {
			return res, err
		}
		switch sess.Mode {
		case modeSubscription:
			return r.activateSubscription(ctx, event, sess)
		case modePayment:
			return r.recordPayment(ctx, event, sess)
		default:
			r.logger.Info("ignoring checkout mode", "event_id", event.ID, "mode", sess.Mode)
		}

	case eventSubscriptionDeleted:
		var sub subscription
		if err := decode(event.Data, &sub); err != nil {
			return res, err
		}
		return r.cancelSubscription(ctx, event, sub)

	default:
		r.logger.Info("ignoring event type", "event_id", event.ID, "type", event.Type)
	}

	res.Outcome = OutcomeIgnored
	return res, nil
}
