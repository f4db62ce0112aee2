package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/bachixxx/coachbilling/internal/billing/model"
	"github.com/bachixxx/coachbilling/internal/billing/store"
)

const (
	paymentMethodStripe   = "stripe"
	paymentMethodTerminal = "terminal"
	enrollmentActive      = "active"
)

// SubscriptionLookup reads subscription metadata from the payment provider.
type SubscriptionLookup interface {
	SubscriptionMetadata(ctx context.Context, subscriptionID string) (map[string]string, error)
}

type Config struct {
	// MainPeriod is added to the event time to set subscription_end_date when
	// the main slot activates.
	MainPeriod time.Duration
	Now        func() time.Time
}

// Result describes an acknowledged event.
type Result struct {
	EventID string
	Type    string
	Outcome Outcome
	CoachID string
	Changes []model.SlotChange
	// Unrecorded is the terminal payment that could not be stored when Outcome
	// is OutcomeRecordFailed.
	Unrecorded *model.Payment
}

// Reconciler maps verified payment events onto entitlement and payment state.
type Reconciler struct {
	gw         *store.Gateway
	lookup     SubscriptionLookup
	mainPeriod time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a Reconciler. lookup may be nil, in which case checkout sessions
// must carry coachId themselves.
func New(gw *store.Gateway, lookup SubscriptionLookup, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.MainPeriod <= 0 {
		cfg.MainPeriod = 30 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		gw:         gw,
		lookup:     lookup,
		mainPeriod: cfg.MainPeriod,
		now:        cfg.Now,
		logger:     logger,
	}
}

// transition is a unit of work applied inside the event's transaction.
type transition func(ctx context.Context, s *store.Stores, res *Result) error

// apply claims the event id and runs t in one transaction. A claimed id short
// circuits to OutcomeDuplicate without touching any other table.
func (r *Reconciler) apply(ctx context.Context, event stripe.Event, coachID string, t transition) (Result, error) {
	var res Result
	err := r.gw.InTx(ctx, func(s *store.Stores) error {
		res = Result{EventID: event.ID, Type: string(event.Type), CoachID: coachID}

		claimed, err := s.Events.Claim(ctx, event.ID, string(event.Type))
		if err != nil {
			return persistence(err)
		}
		if !claimed {
			res.Outcome = OutcomeDuplicate
			return nil
		}

		if err := t(ctx, s, &res); err != nil {
			return err
		}
		if err := s.Events.SetOutcome(ctx, event.ID, string(res.Outcome)); err != nil {
			return persistence(err)
		}
		return nil
	})
	if err != nil {
		if !classified(err) {
			err = persistence(err)
		}
		return Result{EventID: event.ID, Type: string(event.Type), CoachID: coachID}, err
	}
	return res, nil
}

func (r *Reconciler) loadCoach(ctx context.Context, s *store.Stores, coachID string) (*model.Coach, error) {
	c, err := s.Coaches.GetByID(ctx, coachID)
	if err != nil {
		return nil, persistence(err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, coachID)
	}
	return c, nil
}

func (r *Reconciler) appendHistory(ctx context.Context, s *store.Stores, c *model.Coach, newTier model.Tier, ref, note string) error {
	inserted, err := s.History.Append(ctx, model.EntitlementChange{
		CoachID:      c.ID,
		PreviousTier: c.SubscriptionTier,
		NewTier:      newTier,
		PaymentRef:   ref,
		Note:         note,
	})
	if err != nil {
		return err
	}
	if !inserted {
		r.logger.Info("tier transition already recorded", "coach_id", c.ID, "new_tier", newTier, "ref", ref)
	}
	return nil
}

// activateSubscription handles a completed subscription checkout.
func (r *Reconciler) activateSubscription(ctx context.Context, event stripe.Event, sess checkoutSession) (Result, error) {
	if sess.Subscription == "" {
		return Result{EventID: event.ID, Type: string(event.Type)}, fmt.Errorf("%w: checkout session has no subscription", ErrMalformedEvent)
	}
	md, err := r.subscriptionMetadata(ctx, sess)
	if err != nil {
		return Result{EventID: event.ID, Type: string(event.Type)}, err
	}
	coachID := md[metaCoachID]
	if coachID == "" {
		return Result{EventID: event.ID, Type: string(event.Type)}, missing(metaCoachID)
	}
	def := slotForCheckout(md[metaType])
	ref := string(sess.Subscription)

	return r.apply(ctx, event, coachID, func(ctx context.Context, s *store.Stores, res *Result) error {
		c, err := r.loadCoach(ctx, s, coachID)
		if err != nil {
			return err
		}
		if def.holds(c, ref) {
			r.logger.Info("slot already active", "coach_id", coachID, "slot", def.slot, "ref", ref)
			res.Outcome = OutcomeNoChange
			return nil
		}
		if err := def.activate(ctx, r, s, c, ref, r.now().UTC()); err != nil {
			return persistence(err)
		}
		res.Outcome = OutcomeApplied
		res.Changes = append(res.Changes, model.SlotChange{
			CoachID: coachID, Slot: def.slot, Active: true, Ref: ref, EventID: event.ID,
		})
		r.logger.Info("slot activated", "coach_id", coachID, "slot", def.slot, "ref", ref)
		return nil
	})
}

// subscriptionMetadata returns the session metadata, filling absent keys from
// the subscription object when the session lacks coachId.
func (r *Reconciler) subscriptionMetadata(ctx context.Context, sess checkoutSession) (map[string]string, error) {
	md := make(map[string]string, len(sess.Metadata))
	for k, v := range sess.Metadata {
		md[k] = v
	}
	if md[metaCoachID] != "" || r.lookup == nil || sess.Subscription == "" {
		return md, nil
	}

	subMD, err := r.lookup.SubscriptionMetadata(ctx, string(sess.Subscription))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	for k, v := range subMD {
		if _, ok := md[k]; !ok {
			md[k] = v
		}
	}
	return md, nil
}

// cancelSubscription handles a deleted subscription. The subscription id is
// matched against every slot's stored reference.
func (r *Reconciler) cancelSubscription(ctx context.Context, event stripe.Event, sub subscription) (Result, error) {
	coachID := sub.Metadata[metaCoachID]
	if coachID == "" {
		return Result{EventID: event.ID, Type: string(event.Type)}, missing(metaCoachID)
	}

	return r.apply(ctx, event, coachID, func(ctx context.Context, s *store.Stores, res *Result) error {
		c, err := r.loadCoach(ctx, s, coachID)
		if err != nil {
			return err
		}

		var def *slotDef
		for i := range slots {
			if ref := slots[i].ref(c); ref != nil && sub.ID != "" && *ref == sub.ID {
				def = &slots[i]
				break
			}
		}
		if def == nil {
			r.logger.Info("cancelled subscription matches no slot", "coach_id", coachID, "subscription_id", sub.ID)
			res.Outcome = OutcomeNoMatchingSlot
			return nil
		}

		if err := def.deactivate(ctx, r, s, c, sub.ID); err != nil {
			return persistence(err)
		}
		res.Outcome = OutcomeApplied
		res.Changes = append(res.Changes, model.SlotChange{
			CoachID: coachID, Slot: def.slot, Active: false, Ref: sub.ID, EventID: event.ID,
		})
		r.logger.Info("slot deactivated", "coach_id", coachID, "slot", def.slot, "subscription_id", sub.ID)
		return nil
	})
}

// recordPayment handles a completed one-time checkout. Required ids are checked
// before the transaction opens so a rejected event writes nothing.
func (r *Reconciler) recordPayment(ctx context.Context, event stripe.Event, sess checkoutSession) (Result, error) {
	md := sess.Metadata
	fail := func(err error) (Result, error) {
		return Result{EventID: event.ID, Type: string(event.Type)}, err
	}

	if md[metaPaymentType] == paymentTerminal {
		coachID := md[metaCoachID]
		if coachID == "" {
			return fail(missing(metaCoachID))
		}
		p := terminalPayment(coachID, sess, r.now().UTC())
		res, err := r.apply(ctx, event, coachID, func(ctx context.Context, s *store.Stores, res *Result) error {
			r.recordTerminalPayment(ctx, s, res, p)
			return nil
		})
		if errors.Is(err, ErrPersistence) {
			r.logger.Warn("terminal payment not recorded", "coach_id", coachID, "session_id", sess.ID, "amount", sess.AmountTotal, "error", err)
			res.Outcome = OutcomeRecordFailed
			res.Unrecorded = &p
			return res, nil
		}
		return res, err
	}

	programID, appointmentID, clientID := md[metaProgramID], md[metaAppointmentID], md[metaClientID]
	if programID == "" && appointmentID == "" {
		r.logger.Info("payment checkout has no recognised purpose", "event_id", event.ID, "session_id", sess.ID)
		return Result{EventID: event.ID, Type: string(event.Type), Outcome: OutcomeIgnored}, nil
	}
	if clientID == "" {
		return fail(missing(metaClientID))
	}

	return r.apply(ctx, event, md[metaCoachID], func(ctx context.Context, s *store.Stores, res *Result) error {
		res.Outcome = OutcomeNoChange
		now := r.now().UTC()

		if programID != "" {
			created, err := s.Enrollments.CreateIfNotExists(ctx, model.ClientProgram{
				ClientID:      clientID,
				ProgramID:     programID,
				StartDate:     now,
				Status:        enrollmentActive,
				PaymentStatus: model.PaymentStatusPaid,
				AmountPaid:    sess.AmountTotal,
			})
			if err != nil {
				return persistence(err)
			}
			if created {
				res.Outcome = OutcomeApplied
				r.logger.Info("client enrolled in program", "client_id", clientID, "program_id", programID)
			} else {
				r.logger.Info("client already enrolled", "client_id", clientID, "program_id", programID)
			}
		}

		if appointmentID != "" {
			// Registration first: registered-but-unpaid is a safe intermediate state.
			if err := s.Appointments.UpsertRegistration(ctx, appointmentID, clientID); err != nil {
				return persistence(err)
			}
			inserted, err := s.Payments.MarkAppointmentPaid(ctx, model.Payment{
				AppointmentID: &appointmentID,
				ClientID:      &clientID,
				Amount:        sess.AmountTotal,
				Currency:      sess.Currency,
				PaymentMethod: paymentMethodStripe,
				PaymentDate:   &now,
				Notes:         "checkout " + sess.ID,
			})
			if err != nil {
				return persistence(err)
			}
			res.Outcome = OutcomeApplied
			r.logger.Info("appointment paid", "appointment_id", appointmentID, "client_id", clientID, "inserted", inserted)
		}
		return nil
	})
}

func terminalPayment(coachID string, sess checkoutSession, now time.Time) model.Payment {
	return model.Payment{
		CoachID:           &coachID,
		CheckoutSessionID: &sess.ID,
		Amount:            sess.AmountTotal,
		Currency:          sess.Currency,
		Status:            model.PaymentStatusPaid,
		PaymentMethod:     paymentMethodTerminal,
		PaymentDate:       &now,
		Notes:             "terminal checkout " + sess.ID,
	}
}

// recordTerminalPayment stores a point-of-sale charge. Failures are logged and
// absorbed: the money has already moved at the provider.
func (r *Reconciler) recordTerminalPayment(ctx context.Context, s *store.Stores, res *Result, p model.Payment) {
	var created bool
	err := s.Savepoint(ctx, "terminal_payment", func() error {
		var err error
		created, err = s.Payments.CreateAdHoc(ctx, p)
		return err
	})
	switch {
	case err != nil:
		r.logger.Warn("terminal payment not recorded", "coach_id", *p.CoachID, "session_id", *p.CheckoutSessionID, "amount", p.Amount, "error", err)
		res.Outcome = OutcomeRecordFailed
		res.Unrecorded = &p
	case !created:
		res.Outcome = OutcomeNoChange
	default:
		res.Outcome = OutcomeApplied
		r.logger.Info("terminal payment recorded", "coach_id", *p.CoachID, "session_id", *p.CheckoutSessionID, "amount", p.Amount)
	}
}
