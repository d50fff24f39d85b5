/*
Package billing turns completed interpreter appointments into invoices owed
by payers and payouts owed to interpreters.

PURPOSE:
  The engine resolves rate cards, prices each appointment as a line item,
  generates invoices and payouts atomically over a date range, numbers them,
  drives their payment lifecycle and renders them to CSV.

KEY CONCEPTS IN THIS FILE (types.go):
  - Appointment: the billable event, owned by the scheduling subsystem
  - Payer / PayerLanguageRate / InterpreterRate: rate configuration
  - Invoice / Payout: headers, each with LineItems
  - Period: an inclusive date range

DESIGN PRINCIPLES:
  1. Precision: every money value is a decimal.Decimal held at two places
  2. At-most-once: appointments carry billing/payout status guards and are
     only claimed by a conditional "still pending" update
  3. Closed enums: statuses are typed and moved by transition functions

SEE ALSO:
  - ratecard.go: Rate resolution
  - pricing.go: Line item construction
  - generator.go: Invoice and payout generation
  - lifecycle.go: Sent / payment / paid transitions
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// APPOINTMENT - Read model supplied by the scheduling subsystem
// =============================================================================

// AppointmentStatus is the scheduling status. The billing engine only
// distinguishes the two adjustment statuses; everything else prices normally.
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "Pending"
	AppointmentConfirmed AppointmentStatus = "Confirmed"
	AppointmentClosed    AppointmentStatus = "Closed"
	AppointmentNoShow    AppointmentStatus = "No Show"
	AppointmentLateCX    AppointmentStatus = "Late CX"
	AppointmentCancelled AppointmentStatus = "Cancelled"
)

type Appointment struct {
	ID                    string
	Date                  time.Time
	Status                AppointmentStatus
	ActualDurationMinutes *int
	ActualMiles           string // free text as entered, e.g. "12.0"
	MileageApproved       bool
	ProjectedDuration     string // free text, e.g. "2 hours"
	Language              string
	PayerID               string
	InterpreterID         string
	PatientName           string
	FacilityName          string
	BillingStatus         BillingStatus
	PayoutStatus          AppointmentPayoutStatus
}

// =============================================================================
// RATE CONFIGURATION
// =============================================================================

type Payer struct {
	ID                 string
	Name               string
	DefaultHourlyRate  decimal.Decimal
	DefaultMileageRate decimal.Decimal
	MinimumHours       decimal.Decimal
	LateCancelFee      decimal.Decimal
	NoShowFee          decimal.Decimal
	PaymentTermsDays   *int // nil falls back to the engine default; 0 is due on receipt
	IsActive           bool
}

// TermsDays returns a PaymentTermsDays value.
func TermsDays(days int) *int {
	return &days
}

// PayerLanguageRate overrides a payer's hourly rate (and optionally its
// minimum hours) for one language. At most one active row per (payer, language).
type PayerLanguageRate struct {
	ID           string
	PayerID      string
	Language     string
	HourlyRate   decimal.Decimal
	MinimumHours *decimal.Decimal
	IsActive     bool
}

type Interpreter struct {
	ID    string
	Name  string
	Email string
}

// InterpreterRate is one version of an interpreter's rate card. The row with
// a nil EndDate is current.
type InterpreterRate struct {
	ID            string
	InterpreterID string
	HourlyRate    decimal.Decimal
	MileageRate   decimal.Decimal
	MinimumHours  decimal.Decimal
	LateCancelFee decimal.Decimal
	NoShowFee     decimal.Decimal
	EffectiveDate time.Time
	EndDate       *time.Time
}

// =============================================================================
// INVOICES AND PAYOUTS
// =============================================================================

type Invoice struct {
	ID            string
	InvoiceNumber string
	PayerID       string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	Subtotal      decimal.Decimal
	Adjustments   decimal.Decimal
	Total         decimal.Decimal
	Status        InvoiceStatus
	Notes         string
	SentAt        *time.Time
	DueDate       *time.Time
	PaidAt        *time.Time
	PaidAmount    decimal.Decimal
	CreatedAt     time.Time
}

// IsOverdue is derived at read time; overdue is never stored.
func (inv Invoice) IsOverdue(now time.Time) bool {
	if inv.DueDate == nil {
		return false
	}
	if inv.Status != InvoiceSent && inv.Status != InvoicePartial {
		return false
	}
	return inv.DueDate.Before(now)
}

// Balance is what remains owed, never below zero.
func (inv Invoice) Balance() decimal.Decimal {
	b := inv.Total.Sub(inv.PaidAmount)
	if b.IsNegative() {
		return decimal.Zero
	}
	return b
}

type Payout struct {
	ID               string
	PayoutNumber     string
	InterpreterID    string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	Subtotal         decimal.Decimal
	Adjustments      decimal.Decimal
	Total            decimal.Decimal
	Status           PayoutStatus
	ScheduledDate    *time.Time
	PaidAt           *time.Time
	PaymentMethod    string
	PaymentReference string
	CreatedAt        time.Time
}

// AdjustmentType marks a flat-fee line item.
type AdjustmentType string

const (
	AdjustmentNone       AdjustmentType = ""
	AdjustmentNoShow     AdjustmentType = "no_show"
	AdjustmentLateCancel AdjustmentType = "late_cancel"
)

// Label is the upper-case tag appended to line item descriptions.
func (a AdjustmentType) Label() string {
	switch a {
	case AdjustmentNoShow:
		return "NO_SHOW"
	case AdjustmentLateCancel:
		return "LATE_CANCEL"
	}
	return ""
}

// LineItem is one priced appointment inside an invoice or a payout.
// ParentID is the invoice or payout id it belongs to.
type LineItem struct {
	ID               string
	ParentID         string
	AppointmentID    string
	ServiceDate      time.Time
	Description      string
	ServiceHours     decimal.Decimal
	ServiceRate      decimal.Decimal
	ServiceAmount    decimal.Decimal
	Mileage          decimal.Decimal
	MileageRate      decimal.Decimal
	MileageAmount    decimal.Decimal
	AdjustmentType   AdjustmentType
	AdjustmentAmount decimal.Decimal
	LineTotal        decimal.Decimal
}

// Payment is one recorded payment against an invoice.
type Payment struct {
	ID        string
	InvoiceID string
	Amount    decimal.Decimal
	PaidAt    time.Time
	Notes     string
	CreatedAt time.Time
}

// SubtotalOf sums line totals exactly.
func SubtotalOf(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, li := range items {
		total = total.Add(li.LineTotal)
	}
	return total
}

// =============================================================================
// PERIOD - Inclusive date range
// =============================================================================

const DateLayout = "2006-01-02"

type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod truncates both ends to calendar dates and rejects End < Start.
func NewPeriod(start, end time.Time) (Period, error) {
	p := Period{Start: DateOf(start), End: DateOf(end)}
	if p.Start.IsZero() {
		return p, Invalid("periodStart", "is required")
	}
	if p.End.IsZero() {
		return p, Invalid("periodEnd", "is required")
	}
	if p.End.Before(p.Start) {
		return p, Invalid("periodEnd", "must not be before periodStart")
	}
	return p, nil
}

// ParsePeriod parses two YYYY-MM-DD strings.
func ParsePeriod(start, end string) (Period, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return Period{}, Invalid("periodStart", "must be YYYY-MM-DD")
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return Period{}, Invalid("periodEnd", "must be YYYY-MM-DD")
	}
	return NewPeriod(s, e)
}

// Contains returns true if t falls on a date within [Start, End].
func (p Period) Contains(t time.Time) bool {
	d := DateOf(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.Format(DateLayout) + ", " + p.End.Format(DateLayout) + "]"
}

// DateOf drops the time of day, keeping the calendar date in UTC.
func DateOf(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
