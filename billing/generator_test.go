package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// INVOICE GENERATION
// =============================================================================

func TestGenerateInvoice_ClaimsPendingAppointmentsInPeriod(t *testing.T) {
	// GIVEN: Two March appointments, one in April, one for another payer
	f := newFixture(t)
	f.store.SavePayer(billing.Payer{ID: "payer-2", Name: "Other", DefaultHourlyRate: dec("10"), IsActive: true})
	f.appointment("a1", 3)
	f.appointment("a2", 31)
	f.appointment("april", 1, func(a *billing.Appointment) { a.Date = date(2026, time.April, 1) })
	f.appointment("other", 5, func(a *billing.Appointment) { a.PayerID = "payer-2" })

	// WHEN: Generating for payer-1 over March
	res := f.generateInvoice(t)

	// THEN: Only the two March appointments are invoiced
	inv := res.Invoice
	assert.Equal(t, "INV-2026-0001", inv.InvoiceNumber)
	assert.Equal(t, billing.InvoiceDraft, inv.Status)
	assert.Equal(t, date(2026, time.March, 1), inv.PeriodStart)
	assert.Equal(t, date(2026, time.March, 31), inv.PeriodEnd)
	require.Len(t, res.LineItems, 2)
	assert.Equal(t, "a1", res.LineItems[0].AppointmentID)
	assert.Equal(t, "a2", res.LineItems[1].AppointmentID)
	assertMoney(t, "200.00", inv.Subtotal)
	assertMoney(t, "200.00", inv.Total)
	assertMoney(t, "0.00", inv.PaidAmount)
	assert.True(t, inv.Subtotal.Equal(billing.SubtotalOf(res.LineItems)))

	ctx := context.Background()
	for id, want := range map[string]billing.BillingStatus{
		"a1":    billing.BillingInvoiced,
		"a2":    billing.BillingInvoiced,
		"april": billing.BillingPending,
		"other": billing.BillingPending,
	} {
		a, err := f.store.GetAppointment(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, a.BillingStatus, id)
	}

	// AND: Line items are persisted under the invoice
	stored, err := f.store.ListInvoiceLineItems(ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestGenerateInvoice_RerunFindsNothing(t *testing.T) {
	// GIVEN: An appointment that was already invoiced
	f := newFixture(t)
	f.appointment("a1", 3)
	f.generateInvoice(t)

	// WHEN: Generating again over the same range
	_, err := f.engine.GenerateInvoice(context.Background(), billing.InvoiceRequest{PayerID: "payer-1", Period: march2026()})

	// THEN: Nothing is billable and no second invoice exists
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrNoBillableAppointments)
	assert.ErrorIs(t, err, billing.ErrValidation)

	invoices, err := f.store.ListInvoices(context.Background(), billing.InvoiceFilter{})
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
}

func TestGenerateInvoice_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.GenerateInvoice(ctx, billing.InvoiceRequest{Period: march2026()})
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = f.engine.GenerateInvoice(ctx, billing.InvoiceRequest{
		PayerID: "payer-1",
		Period:  billing.Period{Start: date(2026, time.March, 31), End: date(2026, time.March, 1)},
	})
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = f.engine.GenerateInvoice(ctx, billing.InvoiceRequest{PayerID: "nobody", Period: march2026()})
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestGenerateInvoice_SequentialNumbers(t *testing.T) {
	// GIVEN: Two payers with one appointment each
	f := newFixture(t)
	f.store.SavePayer(billing.Payer{ID: "payer-2", Name: "Other", DefaultHourlyRate: dec("10"), IsActive: true})
	f.appointment("a1", 3)
	f.appointment("b1", 4, func(a *billing.Appointment) { a.PayerID = "payer-2" })
	ctx := context.Background()

	// WHEN: Generating for each
	first := f.generateInvoice(t)
	second, err := f.engine.GenerateInvoice(ctx, billing.InvoiceRequest{PayerID: "payer-2", Period: march2026()})
	require.NoError(t, err)

	// THEN: Numbers are sequential within the year
	assert.Equal(t, "INV-2026-0001", first.Invoice.InvoiceNumber)
	assert.Equal(t, "INV-2026-0002", second.Invoice.InvoiceNumber)
}

func TestGenerateInvoice_LanguageOverrideAndInterpreterFloor(t *testing.T) {
	// GIVEN: A Spanish override at $60 and an interpreter with a 3h minimum
	f := newFixture(t)
	f.store.SaveLanguageRate(billing.PayerLanguageRate{
		ID: "lr-1", PayerID: "payer-1", Language: "spanish", HourlyRate: dec("60"), IsActive: true,
	})
	f.store.SaveInterpreter(billing.Interpreter{ID: "interp-2", Name: "Bo Chen"})
	f.store.SaveInterpreterRate(billing.InterpreterRate{
		ID: "rate-2", InterpreterID: "interp-2", HourlyRate: dec("35"), MinimumHours: dec("3"),
	})
	f.appointment("es", 3, func(a *billing.Appointment) { a.Language = " Spanish " })
	f.appointment("en", 4, func(a *billing.Appointment) { a.InterpreterID = "interp-2" })

	// WHEN: Generating
	res := f.generateInvoice(t)

	// THEN: Spanish bills at $60 over the 2h payer floor; the other bills
	// 3h because the interpreter's minimum is larger
	require.Len(t, res.LineItems, 2)
	es, en := res.LineItems[0], res.LineItems[1]
	assertMoney(t, "60.00", es.ServiceRate)
	assertMoney(t, "120.00", es.LineTotal)
	assertMoney(t, "3.00", en.ServiceHours)
	assertMoney(t, "150.00", en.LineTotal)
}

func TestGenerateInvoice_WarnsOnMissingInterpreterRate(t *testing.T) {
	// GIVEN: An interpreter with no current rate
	f := newFixture(t)
	f.store.SaveInterpreter(billing.Interpreter{ID: "interp-x", Name: "No Rate"})
	f.appointment("a1", 3, func(a *billing.Appointment) { a.InterpreterID = "interp-x" })

	// WHEN: Generating
	res := f.generateInvoice(t)

	// THEN: The invoice is produced with a warning
	require.Len(t, res.LineItems, 1)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, billing.WarnNoRate, res.Warnings[0].Message)
	assert.Equal(t, "interp-x", res.Warnings[0].InterpreterID)
}

func TestGenerateInvoice_ConcurrentRunsClaimOnce(t *testing.T) {
	// GIVEN: Five pending appointments
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		f.appointment(fmt.Sprintf("a%d", i), i)
	}
	ctx := context.Background()

	// WHEN: Eight runs race over the same payer and range
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.GenerateInvoice(ctx, billing.InvoiceRequest{PayerID: "payer-1", Period: march2026()})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else {
				failures = append(failures, err)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly one invoice holds every appointment
	assert.Equal(t, 1, successes)
	for _, err := range failures {
		assert.True(t,
			errors.Is(err, billing.ErrNoBillableAppointments) || errors.Is(err, billing.ErrConflict),
			"unexpected error: %v", err)
	}

	invoices, err := f.store.ListInvoices(ctx, billing.InvoiceFilter{})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	items, err := f.store.ListInvoiceLineItems(ctx, invoices[0].ID)
	require.NoError(t, err)
	assert.Len(t, items, 5)
}

func TestGeneratePayouts_ConcurrentRunsClaimOnce(t *testing.T) {
	// GIVEN: Eight pending appointments on consecutive days
	f := newFixture(t)
	for i := 1; i <= 8; i++ {
		f.appointment(fmt.Sprintf("a%d", i), i)
	}
	ctx := context.Background()

	// WHEN: Eight runs race with overlapping two-day windows
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
	)
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(day int) {
			defer wg.Done()
			period := billing.Period{Start: date(2026, time.March, day), End: date(2026, time.March, day+1)}
			_, err := f.engine.GeneratePayouts(ctx, billing.PayoutRequest{Period: period})
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// THEN: Every appointment is on exactly one payout and numbers are unique
	for _, err := range failures {
		assert.ErrorIs(t, err, billing.ErrConflict)
	}
	payouts, err := f.store.ListPayouts(ctx, billing.PayoutFilter{})
	require.NoError(t, err)
	numbers := map[string]bool{}
	seen := map[string]int{}
	for _, p := range payouts {
		assert.False(t, numbers[p.PayoutNumber], "duplicate %s", p.PayoutNumber)
		numbers[p.PayoutNumber] = true
		items, err := f.store.ListPayoutLineItems(ctx, p.ID)
		require.NoError(t, err)
		for _, li := range items {
			seen[li.AppointmentID]++
		}
	}
	assert.Len(t, seen, 8)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

// stealingStore simulates a concurrent run that claims the first selected
// appointment between selection and the conditional flip.
type stealingStore struct {
	*store.Memory
}

func (s stealingStore) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx billing.Tx) error {
		return fn(stealingTx{tx})
	})
}

type stealingTx struct {
	billing.Tx
}

func (t stealingTx) ListAppointments(ctx context.Context, f billing.AppointmentFilter) ([]billing.Appointment, error) {
	appts, err := t.Tx.ListAppointments(ctx, f)
	if err != nil || len(appts) == 0 {
		return appts, err
	}
	if f.BillingStatus == billing.BillingPending {
		_, err = t.Tx.UpdateBillingStatus(ctx, []string{appts[0].ID}, billing.BillingPending, billing.BillingInvoiced)
	}
	if f.PayoutStatus == billing.PayoutPending {
		_, err = t.Tx.UpdateAppointmentPayoutStatus(ctx, []string{appts[0].ID}, billing.PayoutPending, billing.PayoutScheduled)
	}
	return appts, err
}

func TestGenerateInvoice_LostClaimRollsBackEverything(t *testing.T) {
	// GIVEN: Two appointments and a run that loses one of them mid-flight
	f := newFixture(t)
	f.appointment("a1", 3)
	f.appointment("a2", 4)
	racing := *f.engine
	racing.Store = stealingStore{f.store}
	ctx := context.Background()

	// WHEN: Generating
	_, err := racing.GenerateInvoice(ctx, billing.InvoiceRequest{PayerID: "payer-1", Period: march2026()})

	// THEN: The run fails as a retryable conflict
	require.Error(t, err)
	var conflict *billing.ClaimConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(2), conflict.Expected)
	assert.Equal(t, int64(1), conflict.Claimed)
	assert.True(t, billing.IsRetryable(err))

	// AND: Nothing it wrote survived
	invoices, err := f.store.ListInvoices(ctx, billing.InvoiceFilter{})
	require.NoError(t, err)
	assert.Empty(t, invoices)
	a, err := f.store.GetAppointment(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, billing.BillingPending, a.BillingStatus)

	// AND: The number it drew was not consumed
	res := f.generateInvoice(t)
	assert.Equal(t, "INV-2026-0001", res.Invoice.InvoiceNumber)
}

// =============================================================================
// PAYOUT GENERATION
// =============================================================================

func TestGeneratePayouts_GroupsByInterpreter(t *testing.T) {
	// GIVEN: Two interpreters with rates and one unassigned appointment
	f := newFixture(t)
	f.store.SaveInterpreter(billing.Interpreter{ID: "interp-2", Name: "Bo Chen"})
	f.store.SaveInterpreterRate(billing.InterpreterRate{
		ID: "rate-2", InterpreterID: "interp-2", HourlyRate: dec("40"), MinimumHours: dec("1"),
	})
	f.appointment("a1", 3)
	f.appointment("a2", 4)
	f.appointment("b1", 5, func(a *billing.Appointment) { a.InterpreterID = "interp-2" })
	f.appointment("unassigned", 6, func(a *billing.Appointment) { a.InterpreterID = "" })
	ctx := context.Background()

	// WHEN: Running payouts for March
	res, err := f.engine.GeneratePayouts(ctx, billing.PayoutRequest{Period: march2026()})
	require.NoError(t, err)

	// THEN: One payout per interpreter, numbered in interpreter order
	require.Len(t, res.Payouts, 2)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, "interp-1", res.Payouts[0].InterpreterID)
	assert.Equal(t, "PAY-2026-0001", res.Payouts[0].PayoutNumber)
	assert.Equal(t, 2, res.Payouts[0].LineItemCount)
	assertMoney(t, "120.00", res.Payouts[0].Total) // 2 x (2h floor x $30)
	assert.Equal(t, "interp-2", res.Payouts[1].InterpreterID)
	assert.Equal(t, "PAY-2026-0002", res.Payouts[1].PayoutNumber)
	assertMoney(t, "80.00", res.Payouts[1].Total) // 2h floor x $40
	assert.Equal(t, "Generated 2 payout(s)", res.Message())

	// AND: Claimed appointments are scheduled, the unassigned one untouched
	for id, want := range map[string]billing.AppointmentPayoutStatus{
		"a1": billing.PayoutScheduled, "b1": billing.PayoutScheduled, "unassigned": billing.PayoutPending,
	} {
		a, err := f.store.GetAppointment(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, a.PayoutStatus, id)
		assert.Equal(t, billing.BillingPending, a.BillingStatus, "payout must not touch billing status")
	}

	p, err := f.store.GetPayout(ctx, res.Payouts[0].PayoutID)
	require.NoError(t, err)
	assert.Equal(t, billing.PayoutStatusPending, p.Status)
	assert.True(t, p.Total.Equal(p.Subtotal))
}

func TestGeneratePayouts_SkipsInterpreterWithoutRate(t *testing.T) {
	// GIVEN: One appointment for an interpreter with no current rate
	f := newFixture(t)
	f.store.SaveInterpreter(billing.Interpreter{ID: "interp-x", Name: "No Rate"})
	f.store.SaveInterpreterRate(billing.InterpreterRate{
		ID: "old", InterpreterID: "interp-x", HourlyRate: dec("25"), EndDate: ptr(date(2025, time.December, 31)),
	})
	f.appointment("a1", 3)
	f.appointment("x1", 4, func(a *billing.Appointment) { a.InterpreterID = "interp-x" })
	ctx := context.Background()

	// WHEN: Running payouts
	res, err := f.engine.GeneratePayouts(ctx, billing.PayoutRequest{Period: march2026()})
	require.NoError(t, err)

	// THEN: interp-x is reported as skipped and stays pending
	require.Len(t, res.Payouts, 1)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "interp-x", res.Skipped[0].InterpreterID)
	assert.Equal(t, 1, res.Skipped[0].AppointmentCount)
	assert.Equal(t, billing.WarnNoRate, res.Skipped[0].Reason)
	assert.Contains(t, res.Message(), "skipped 1 interpreter(s)")

	x, err := f.store.GetAppointment(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, billing.PayoutPending, x.PayoutStatus)
}

func TestGeneratePayouts_EmptyRunIsNotAnError(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.GeneratePayouts(context.Background(), billing.PayoutRequest{Period: march2026()})

	require.NoError(t, err)
	assert.Empty(t, res.Payouts)
	assert.Equal(t, "Generated 0 payout(s)", res.Message())
}

func TestGeneratePayouts_MissingPayerWarnsAndUsesInterpreterFloor(t *testing.T) {
	// GIVEN: An appointment with no payer
	f := newFixture(t)
	f.appointment("a1", 3, func(a *billing.Appointment) { a.PayerID = "" })

	// WHEN: Running payouts
	res, err := f.engine.GeneratePayouts(context.Background(), billing.PayoutRequest{Period: march2026()})
	require.NoError(t, err)

	// THEN: 1.5h (above the 1h interpreter floor) at $30, with a warning
	require.Len(t, res.Payouts, 1)
	assertMoney(t, "45.00", res.Payouts[0].Total)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, billing.WarnNoPayer, res.Warnings[0].Message)
}

func TestGeneratePayouts_RerunDoesNotReclaim(t *testing.T) {
	f := newFixture(t)
	f.appointment("a1", 3)
	ctx := context.Background()

	first, err := f.engine.GeneratePayouts(ctx, billing.PayoutRequest{Period: march2026()})
	require.NoError(t, err)
	require.Len(t, first.Payouts, 1)

	second, err := f.engine.GeneratePayouts(ctx, billing.PayoutRequest{Period: march2026()})
	require.NoError(t, err)
	assert.Empty(t, second.Payouts)
}

func TestGeneratePayouts_ScheduledDateIsKept(t *testing.T) {
	f := newFixture(t)
	f.appointment("a1", 3)
	ctx := context.Background()
	when := time.Date(2026, time.April, 15, 9, 0, 0, 0, time.UTC)

	res, err := f.engine.GeneratePayouts(ctx, billing.PayoutRequest{Period: march2026(), ScheduledDate: &when})
	require.NoError(t, err)

	p, err := f.store.GetPayout(ctx, res.Payouts[0].PayoutID)
	require.NoError(t, err)
	require.NotNil(t, p.ScheduledDate)
	assert.Equal(t, date(2026, time.April, 15), *p.ScheduledDate)
}

func TestGeneratePayouts_LostClaimRollsBackAllGroups(t *testing.T) {
	f := newFixture(t)
	f.appointment("a1", 3)
	f.appointment("a2", 4)
	racing := *f.engine
	racing.Store = stealingStore{f.store}
	ctx := context.Background()

	_, err := racing.GeneratePayouts(ctx, billing.PayoutRequest{Period: march2026()})

	assert.ErrorIs(t, err, billing.ErrConflict)
	payouts, err := f.store.ListPayouts(ctx, billing.PayoutFilter{})
	require.NoError(t, err)
	assert.Empty(t, payouts)
}

func ptr[T any](v T) *T {
	return &v
}
