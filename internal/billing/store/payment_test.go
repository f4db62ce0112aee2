package store

import (
	"context"
	"testing"
	"time"

	"github.com/bachixxx/coachbilling/internal/billing/model"
)

func strPtr(s string) *string { return &s }

func TestPaymentMarkAppointmentPaidUpdatesPending(t *testing.T) {
	ps := setupTestGateway(t).Stores().Payments
	ctx := context.Background()

	pending, err := ps.Create(ctx, model.Payment{
		AppointmentID: strPtr("apt_1"),
		ClientID:      strPtr("cl_1"),
		Amount:        2500,
		Status:        model.PaymentStatusPending,
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	now := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
	inserted, err := ps.MarkAppointmentPaid(ctx, model.Payment{
		AppointmentID: strPtr("apt_1"),
		ClientID:      strPtr("cl_1"),
		Amount:        2500,
		Currency:      "eur",
		PaymentMethod: "stripe",
		PaymentDate:   &now,
	})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if inserted {
		t.Error("expected existing record to be updated, not inserted")
	}

	payments, _ := ps.ListByAppointment(ctx, "apt_1")
	if len(payments) != 1 {
		t.Fatalf("len = %d, want 1", len(payments))
	}
	if payments[0].ID != pending.ID {
		t.Errorf("id = %d, want %d", payments[0].ID, pending.ID)
	}
	if payments[0].Status != model.PaymentStatusPaid {
		t.Errorf("status = %q, want %q", payments[0].Status, model.PaymentStatusPaid)
	}
	if payments[0].PaymentDate == nil || !payments[0].PaymentDate.Equal(now) {
		t.Errorf("payment_date = %v, want %v", payments[0].PaymentDate, now)
	}
}

func TestPaymentMarkAppointmentPaidInserts(t *testing.T) {
	ps := setupTestGateway(t).Stores().Payments
	ctx := context.Background()

	p := model.Payment{AppointmentID: strPtr("apt_1"), ClientID: strPtr("cl_1"), Amount: 4000}
	inserted, err := ps.MarkAppointmentPaid(ctx, p)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if !inserted {
		t.Error("expected insert when no record exists")
	}
	if inserted, _ := ps.MarkAppointmentPaid(ctx, p); inserted {
		t.Error("expected second call to update")
	}

	payments, _ := ps.ListByAppointment(ctx, "apt_1")
	if len(payments) != 1 {
		t.Fatalf("len = %d, want 1", len(payments))
	}
	if payments[0].Status != model.PaymentStatusPaid {
		t.Errorf("status = %q, want %q", payments[0].Status, model.PaymentStatusPaid)
	}
}

func TestPaymentMarkAppointmentPaidRequiresKeys(t *testing.T) {
	ps := setupTestGateway(t).Stores().Payments

	if _, err := ps.MarkAppointmentPaid(context.Background(), model.Payment{AppointmentID: strPtr("apt_1")}); err == nil {
		t.Error("expected error without client id")
	}
}

func TestPaymentCreateAdHocOncePerSession(t *testing.T) {
	ps := setupTestGateway(t).Stores().Payments
	ctx := context.Background()

	p := model.Payment{
		CoachID:           strPtr("c1"),
		CheckoutSessionID: strPtr("cs_1"),
		Amount:            1500,
		Status:            model.PaymentStatusPaid,
		PaymentMethod:     "terminal",
	}
	ok, err := ps.CreateAdHoc(ctx, p)
	if err != nil {
		t.Fatalf("create ad-hoc: %v", err)
	}
	if !ok {
		t.Error("expected first insert")
	}
	if ok, _ := ps.CreateAdHoc(ctx, p); ok {
		t.Error("expected duplicate session to be ignored")
	}

	payments, _ := ps.ListByCoach(ctx, "c1")
	if len(payments) != 1 {
		t.Fatalf("len = %d, want 1", len(payments))
	}
	if payments[0].ClientID != nil {
		t.Error("ad-hoc payment should have no client")
	}
}
