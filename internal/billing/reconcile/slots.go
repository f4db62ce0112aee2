package reconcile

import (
	"context"
	"time"

	"github.com/bachixxx/coachbilling/internal/billing/model"
	"github.com/bachixxx/coachbilling/internal/billing/store"
)

// slotDef describes how one subscription slot is read and transitioned.
type slotDef struct {
	slot       model.Slot
	ref        func(*model.Coach) *string
	active     func(*model.Coach) bool
	activate   func(ctx context.Context, r *Reconciler, s *store.Stores, c *model.Coach, ref string, at time.Time) error
	deactivate func(ctx context.Context, r *Reconciler, s *store.Stores, c *model.Coach, ref string) error
}

// slots is consulted in order when a cancellation names only a subscription id;
// the first slot holding that id wins.
var slots = []slotDef{
	{
		slot:   model.SlotMain,
		ref:    func(c *model.Coach) *string { return c.MainSubscriptionRef },
		active: func(c *model.Coach) bool { return c.SubscriptionTier == model.TierPaid },
		activate: func(ctx context.Context, r *Reconciler, s *store.Stores, c *model.Coach, ref string, at time.Time) error {
			if err := s.Coaches.ActivateMain(ctx, c.ID, ref, at.Add(r.mainPeriod)); err != nil {
				return err
			}
			return r.appendHistory(ctx, s, c, model.TierPaid, ref, "main subscription activated")
		},
		deactivate: func(ctx context.Context, r *Reconciler, s *store.Stores, c *model.Coach, ref string) error {
			if err := s.Coaches.DeactivateMain(ctx, c.ID); err != nil {
				return err
			}
			return r.appendHistory(ctx, s, c, model.TierFree, ref, "main subscription cancelled")
		},
	},
	addonSlot(model.SlotBranding,
		func(c *model.Coach) *string { return c.BrandingSubscriptionRef },
		func(c *model.Coach) bool { return c.BrandingEnabled }),
	addonSlot(model.SlotTerminal,
		func(c *model.Coach) *string { return c.TerminalSubscriptionRef },
		func(c *model.Coach) bool { return c.TerminalEnabled }),
}

func addonSlot(slot model.Slot, ref func(*model.Coach) *string, active func(*model.Coach) bool) slotDef {
	return slotDef{
		slot:   slot,
		ref:    ref,
		active: active,
		activate: func(ctx context.Context, _ *Reconciler, s *store.Stores, c *model.Coach, r string, _ time.Time) error {
			return s.Coaches.SetAddon(ctx, c.ID, slot, true, r)
		},
		deactivate: func(ctx context.Context, _ *Reconciler, s *store.Stores, c *model.Coach, _ string) error {
			return s.Coaches.SetAddon(ctx, c.ID, slot, false, "")
		},
	}
}

func slotByName(name model.Slot) slotDef {
	for _, d := range slots {
		if d.slot == name {
			return d
		}
	}
	return slots[0]
}

// slotForCheckout maps the checkout metadata type to a slot. Anything that is
// not a known add-on buys the main plan.
func slotForCheckout(checkoutType string) slotDef {
	switch checkoutType {
	case typeBrandingAddon:
		return slotByName(model.SlotBranding)
	case typeTerminalAddon:
		return slotByName(model.SlotTerminal)
	default:
		return slotByName(model.SlotMain)
	}
}

// holds reports whether the coach's slot is active with exactly ref.
func (d slotDef) holds(c *model.Coach, ref string) bool {
	if !d.active(c) {
		return false
	}
	return deref(d.ref(c)) == ref
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
