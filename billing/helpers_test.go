package billing_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2026, time.April, 2, 15, 30, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func march2026() billing.Period {
	return billing.Period{Start: date(2026, time.March, 1), End: date(2026, time.March, 31)}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func minutes(n int) *int {
	return &n
}

// assertMoney compares at two places so "125" and "125.00" are equal.
func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Equal(t, want, billing.FormatMoney(got), msgAndArgs...)
}

// fixture is a memory store seeded with one payer, one interpreter and a
// current interpreter rate:
//
//	payer-1:  $50/hr, $0.50/mi, 2h minimum, $40 late cancel, $75 no show
//	interp-1: $30/hr, $0.40/mi, 1h minimum, $20 late cancel, $25 no show
type fixture struct {
	store  *store.Memory
	engine *billing.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := store.NewMemory()
	engine := billing.NewEngine(mem, zerolog.Nop())
	engine.Now = func() time.Time { return testNow }
	var seq atomic.Int64
	engine.NewID = func() string { return fmt.Sprintf("id-%04d", seq.Add(1)) }

	mem.SavePayer(billing.Payer{
		ID:                 "payer-1",
		Name:               "Mercy Health",
		DefaultHourlyRate:  dec("50"),
		DefaultMileageRate: dec("0.50"),
		MinimumHours:       dec("2"),
		LateCancelFee:      dec("40"),
		NoShowFee:          dec("75"),
		PaymentTermsDays:   billing.TermsDays(30),
		IsActive:           true,
	})
	mem.SaveInterpreter(billing.Interpreter{ID: "interp-1", Name: "Ana Ruiz", Email: "ana@example.com"})
	mem.SaveInterpreterRate(billing.InterpreterRate{
		ID:            "rate-1",
		InterpreterID: "interp-1",
		HourlyRate:    dec("30"),
		MileageRate:   dec("0.40"),
		MinimumHours:  dec("1"),
		LateCancelFee: dec("20"),
		NoShowFee:     dec("25"),
		EffectiveDate: date(2026, time.January, 1),
	})

	return &fixture{store: mem, engine: engine}
}

// appointment saves a closed 90-minute March appointment for payer-1 and
// interp-1. With the 2h floor it prices at $100 billed and $60 paid out.
func (f *fixture) appointment(id string, day int, mutate ...func(*billing.Appointment)) billing.Appointment {
	a := billing.Appointment{
		ID:                    id,
		Date:                  date(2026, time.March, day),
		Status:                billing.AppointmentClosed,
		ActualDurationMinutes: minutes(90),
		Language:              "English",
		PayerID:               "payer-1",
		InterpreterID:         "interp-1",
		PatientName:           "Jane Doe",
		FacilityName:          "General Hospital",
	}
	for _, m := range mutate {
		m(&a)
	}
	f.store.SaveAppointment(a)
	return a
}

func (f *fixture) generateInvoice(t *testing.T) *billing.InvoiceResult {
	t.Helper()
	res, err := f.engine.GenerateInvoice(context.Background(), billing.InvoiceRequest{PayerID: "payer-1", Period: march2026()})
	if err != nil {
		t.Fatalf("GenerateInvoice: %v", err)
	}
	return res
}
