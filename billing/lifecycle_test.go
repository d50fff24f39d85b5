package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

// sentInvoice generates and sends a $200 invoice over two appointments.
func (f *fixture) sentInvoice(t *testing.T) billing.Invoice {
	t.Helper()
	f.appointment("a1", 3)
	f.appointment("a2", 4)
	res := f.generateInvoice(t)
	inv, err := f.engine.MarkSent(context.Background(), res.Invoice.ID, nil)
	require.NoError(t, err)
	return *inv
}

// =============================================================================
// INVOICE LIFECYCLE
// =============================================================================

func TestMarkSent_DefaultsDueDateFromPayerTerms(t *testing.T) {
	// GIVEN: A draft invoice for a payer with 30-day terms
	f := newFixture(t)
	f.appointment("a1", 3)
	res := f.generateInvoice(t)

	// WHEN: Sending without a due date
	inv, err := f.engine.MarkSent(context.Background(), res.Invoice.ID, nil)
	require.NoError(t, err)

	// THEN: Due date is sentAt + 30 days
	assert.Equal(t, billing.InvoiceSent, inv.Status)
	require.NotNil(t, inv.SentAt)
	assert.Equal(t, testNow, *inv.SentAt)
	require.NotNil(t, inv.DueDate)
	assert.Equal(t, testNow.AddDate(0, 0, 30), *inv.DueDate)
}

func TestMarkSent_EngineDefaultWhenPayerHasNoTerms(t *testing.T) {
	f := newFixture(t)
	f.store.SavePayer(billing.Payer{ID: "payer-2", Name: "No Terms", DefaultHourlyRate: dec("10"), IsActive: true})
	f.appointment("a1", 3, func(a *billing.Appointment) { a.PayerID = "payer-2" })
	f.engine.PaymentTermsDays = 15
	ctx := context.Background()

	res, err := f.engine.GenerateInvoice(ctx, billing.InvoiceRequest{PayerID: "payer-2", Period: march2026()})
	require.NoError(t, err)
	inv, err := f.engine.MarkSent(ctx, res.Invoice.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, testNow.AddDate(0, 0, 15), *inv.DueDate)
}

func TestMarkSent_ZeroTermsIsDueOnReceipt(t *testing.T) {
	// GIVEN: A payer whose terms are explicitly zero days
	f := newFixture(t)
	f.store.SavePayer(billing.Payer{
		ID: "payer-2", Name: "Cash Clinic", DefaultHourlyRate: dec("10"),
		PaymentTermsDays: billing.TermsDays(0), IsActive: true,
	})
	f.appointment("a1", 3, func(a *billing.Appointment) { a.PayerID = "payer-2" })
	ctx := context.Background()
	res, err := f.engine.GenerateInvoice(ctx, billing.InvoiceRequest{PayerID: "payer-2", Period: march2026()})
	require.NoError(t, err)

	// WHEN: Sending without a due date
	inv, err := f.engine.MarkSent(ctx, res.Invoice.ID, nil)
	require.NoError(t, err)

	// THEN: It is due the moment it is sent, not after the engine default
	require.NotNil(t, inv.DueDate)
	assert.Equal(t, testNow, *inv.DueDate)
}

func TestMarkSent_ExplicitDueDateAndResendRejected(t *testing.T) {
	f := newFixture(t)
	f.appointment("a1", 3)
	res := f.generateInvoice(t)
	ctx := context.Background()
	due := date(2026, time.May, 1)

	inv, err := f.engine.MarkSent(ctx, res.Invoice.ID, &due)
	require.NoError(t, err)
	assert.Equal(t, due, *inv.DueDate)

	_, err = f.engine.MarkSent(ctx, res.Invoice.ID, nil)
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)
}

func TestRecordPayment_PartialThenPaidCascades(t *testing.T) {
	// GIVEN: A sent $200 invoice
	f := newFixture(t)
	inv := f.sentInvoice(t)
	ctx := context.Background()

	// WHEN: Paying $50
	updated, err := f.engine.RecordPayment(ctx, billing.PaymentRequest{InvoiceID: inv.ID, Amount: dec("50")})
	require.NoError(t, err)

	// THEN: Partial, appointments still invoiced
	assert.Equal(t, billing.InvoicePartial, updated.Status)
	assertMoney(t, "50.00", updated.PaidAmount)
	assertMoney(t, "150.00", updated.Balance())
	assert.Nil(t, updated.PaidAt)
	a, err := f.store.GetAppointment(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, billing.BillingInvoiced, a.BillingStatus)

	// WHEN: Paying the remaining $150 with an explicit date
	paidAt := date(2026, time.April, 20)
	updated, err = f.engine.RecordPayment(ctx, billing.PaymentRequest{
		InvoiceID: inv.ID, Amount: dec("150"), PaidAt: &paidAt, Notes: "check #1042",
	})
	require.NoError(t, err)

	// THEN: Paid, dated by the payment, appointments settled
	assert.Equal(t, billing.InvoicePaid, updated.Status)
	assertMoney(t, "200.00", updated.PaidAmount)
	require.NotNil(t, updated.PaidAt)
	assert.Equal(t, paidAt, *updated.PaidAt)
	for _, id := range []string{"a1", "a2"} {
		a, err := f.store.GetAppointment(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, billing.BillingPaid, a.BillingStatus, id)
	}

	// AND: Both payments are on record
	detail, err := f.engine.InvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, detail.Payments, 2)
	assert.Equal(t, "check #1042", detail.Payments[1].Notes)

	// AND: A paid invoice accepts no more payments
	_, err = f.engine.RecordPayment(ctx, billing.PaymentRequest{InvoiceID: inv.ID, Amount: dec("1")})
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)
}

func TestRecordPayment_OverpaymentSettles(t *testing.T) {
	f := newFixture(t)
	inv := f.sentInvoice(t)

	updated, err := f.engine.RecordPayment(context.Background(), billing.PaymentRequest{InvoiceID: inv.ID, Amount: dec("250")})

	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePaid, updated.Status)
	assertMoney(t, "250.00", updated.PaidAmount)
	assertMoney(t, "0.00", updated.Balance())
}

func TestRecordPayment_Rejections(t *testing.T) {
	f := newFixture(t)
	f.appointment("a1", 3)
	draft := f.generateInvoice(t).Invoice
	ctx := context.Background()

	_, err := f.engine.RecordPayment(ctx, billing.PaymentRequest{InvoiceID: draft.ID, Amount: dec("10")})
	assert.ErrorIs(t, err, billing.ErrInvalidTransition, "draft invoices don't take payments")

	_, err = f.engine.RecordPayment(ctx, billing.PaymentRequest{InvoiceID: draft.ID, Amount: dec("0")})
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = f.engine.RecordPayment(ctx, billing.PaymentRequest{InvoiceID: draft.ID, Amount: dec("-5")})
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = f.engine.RecordPayment(ctx, billing.PaymentRequest{InvoiceID: "missing", Amount: dec("5")})
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestListInvoices_OverdueIsDerived(t *testing.T) {
	// GIVEN: A sent invoice due 30 days after testNow
	f := newFixture(t)
	inv := f.sentInvoice(t)
	ctx := context.Background()

	overdue, err := f.engine.ListInvoices(ctx, billing.InvoiceFilter{}, true)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	// WHEN: The clock passes the due date
	f.engine.Now = func() time.Time { return testNow.AddDate(0, 0, 31) }

	// THEN: It is reported overdue while the stored status stays sent
	overdue, err = f.engine.ListInvoices(ctx, billing.InvoiceFilter{}, true)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, inv.ID, overdue[0].ID)
	assert.Equal(t, billing.InvoiceSent, overdue[0].Status)

	detail, err := f.engine.InvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, detail.Overdue)

	// AND: Once paid it is no longer overdue
	_, err = f.engine.RecordPayment(ctx, billing.PaymentRequest{InvoiceID: inv.ID, Amount: dec("200")})
	require.NoError(t, err)
	overdue, err = f.engine.ListInvoices(ctx, billing.InvoiceFilter{}, true)
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestVoidInvoice_ReleasesAppointments(t *testing.T) {
	// GIVEN: A sent invoice
	f := newFixture(t)
	inv := f.sentInvoice(t)
	ctx := context.Background()

	// WHEN: Voiding it
	voided, err := f.engine.VoidInvoice(ctx, inv.ID)
	require.NoError(t, err)

	// THEN: Appointments are billable again and a new invoice picks them up
	assert.Equal(t, billing.InvoiceVoid, voided.Status)
	a, err := f.store.GetAppointment(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, billing.BillingPending, a.BillingStatus)

	again := f.generateInvoice(t)
	assert.Equal(t, "INV-2026-0002", again.Invoice.InvoiceNumber)
	assert.Len(t, again.LineItems, 2)
}

func TestVoidInvoice_RejectedOncePaymentsExist(t *testing.T) {
	f := newFixture(t)
	inv := f.sentInvoice(t)
	ctx := context.Background()
	_, err := f.engine.RecordPayment(ctx, billing.PaymentRequest{InvoiceID: inv.ID, Amount: dec("20")})
	require.NoError(t, err)

	_, err = f.engine.VoidInvoice(ctx, inv.ID)

	assert.ErrorIs(t, err, billing.ErrValidation)
	stored, err := f.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePartial, stored.Status)
}

// =============================================================================
// PAYOUT LIFECYCLE
// =============================================================================

func (f *fixture) pendingPayout(t *testing.T) billing.PayoutSummary {
	t.Helper()
	f.appointment("a1", 3)
	f.appointment("a2", 4)
	res, err := f.engine.GeneratePayouts(context.Background(), billing.PayoutRequest{Period: march2026()})
	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	return res.Payouts[0]
}

func TestMarkPayoutPaid_CascadesToAppointments(t *testing.T) {
	// GIVEN: A pending payout for two appointments
	f := newFixture(t)
	summary := f.pendingPayout(t)
	ctx := context.Background()

	// WHEN: Marking it paid
	p, err := f.engine.MarkPayoutPaid(ctx, billing.PayoutPaymentRequest{
		PayoutID: summary.PayoutID, PaymentMethod: "ACH", PaymentReference: "batch-77",
	})
	require.NoError(t, err)

	// THEN: Payout and appointments are paid
	assert.Equal(t, billing.PayoutStatusPaid, p.Status)
	assert.Equal(t, "ACH", p.PaymentMethod)
	assert.Equal(t, "batch-77", p.PaymentReference)
	require.NotNil(t, p.PaidAt)
	assert.Equal(t, testNow, *p.PaidAt)
	for _, id := range []string{"a1", "a2"} {
		a, err := f.store.GetAppointment(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, billing.PayoutPaid, a.PayoutStatus, id)
	}

	// AND: It can't be paid twice
	_, err = f.engine.MarkPayoutPaid(ctx, billing.PayoutPaymentRequest{PayoutID: summary.PayoutID, PaymentMethod: "ACH"})
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)
}

func TestMarkPayoutPaid_RequiresMethod(t *testing.T) {
	f := newFixture(t)
	summary := f.pendingPayout(t)

	_, err := f.engine.MarkPayoutPaid(context.Background(), billing.PayoutPaymentRequest{PayoutID: summary.PayoutID})

	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestCancelPayout_ReleasesAppointments(t *testing.T) {
	f := newFixture(t)
	summary := f.pendingPayout(t)
	ctx := context.Background()

	p, err := f.engine.CancelPayout(ctx, summary.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, billing.PayoutStatusCancelled, p.Status)

	a, err := f.store.GetAppointment(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, billing.PayoutPending, a.PayoutStatus)

	res, err := f.engine.GeneratePayouts(ctx, billing.PayoutRequest{Period: march2026()})
	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, "PAY-2026-0002", res.Payouts[0].PayoutNumber)

	_, err = f.engine.CancelPayout(ctx, summary.PayoutID)
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)
}

// =============================================================================
// PREVIEW
// =============================================================================

func TestPreviewAppointment_BothSides(t *testing.T) {
	// GIVEN: A 90-minute appointment (2h floor)
	f := newFixture(t)
	f.appointment("a1", 3)

	// WHEN: Previewing
	p, err := f.engine.PreviewAppointment(context.Background(), "a1")
	require.NoError(t, err)

	// THEN: $100 billed, $60 paid out, $40 margin, nothing persisted
	assertMoney(t, "100.00", p.Invoice.LineTotal)
	assertMoney(t, "60.00", p.Payout.LineTotal)
	assertMoney(t, "40.00", p.Margin)
	assert.Empty(t, p.Warnings)

	a, err := f.store.GetAppointment(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, billing.BillingPending, a.BillingStatus)
}

func TestPreviewAppointment_MissingConfigurationWarns(t *testing.T) {
	f := newFixture(t)
	f.appointment("a1", 3, func(a *billing.Appointment) {
		a.PayerID = ""
		a.InterpreterID = "interp-x"
	})

	p, err := f.engine.PreviewAppointment(context.Background(), "a1")
	require.NoError(t, err)

	require.Len(t, p.Warnings, 2)
	assert.Equal(t, billing.WarnNoPayer, p.Warnings[0].Message)
	assert.Equal(t, billing.WarnNoRate, p.Warnings[1].Message)
	assertMoney(t, "0.00", p.Invoice.LineTotal)
	assertMoney(t, "0.00", p.Payout.LineTotal)
}

// =============================================================================
// CONCURRENT PAYMENTS
// =============================================================================

func TestRecordPayment_ConcurrentPaymentsAllCount(t *testing.T) {
	// GIVEN: A sent $200 invoice
	f := newFixture(t)
	inv := f.sentInvoice(t)
	ctx := context.Background()

	// WHEN: Twenty-five $10 payments race in; only twenty fit before paid
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted = decimal.Zero
		rejected []error
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RecordPayment(ctx, billing.PaymentRequest{InvoiceID: inv.ID, Amount: dec("10")})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected = append(rejected, err)
				return
			}
			accepted = accepted.Add(dec("10"))
		}()
	}
	wg.Wait()

	// THEN: paidAmount is exactly the sum of accepted payments
	stored, err := f.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assertMoney(t, "200.00", accepted)
	assertMoney(t, "200.00", stored.PaidAmount)
	assert.Equal(t, billing.InvoicePaid, stored.Status)
	require.Len(t, rejected, 5)
	for _, err := range rejected {
		assert.True(t,
			errors.Is(err, billing.ErrInvalidTransition) || errors.Is(err, billing.ErrConflict),
			"unexpected error: %v", err)
	}

	payments, err := f.store.ListInvoicePayments(ctx, inv.ID)
	require.NoError(t, err)
	paid := decimal.Zero
	for _, p := range payments {
		paid = paid.Add(p.Amount)
	}
	assertMoney(t, "200.00", paid)
}

func TestRecordPayment_RejectsAmountAboveMaximum(t *testing.T) {
	f := newFixture(t)
	inv := f.sentInvoice(t)
	ctx := context.Background()

	_, err := f.engine.RecordPayment(ctx, billing.PaymentRequest{InvoiceID: inv.ID, Amount: dec("100000000000000000")})

	assert.ErrorIs(t, err, billing.ErrValidation)
	stored, err := f.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, stored.PaidAmount.IsZero())
	assert.Equal(t, billing.InvoiceSent, stored.Status)
}
