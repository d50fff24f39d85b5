/*
pricing.go - One pricing function for both sides of an appointment

PURPOSE:
  Turns an appointment plus a RateCard into a LineItem. Invoices pass the
  payer card, payouts pass the interpreter card; nothing else differs, so
  revenue and cost can't drift apart.

STEPS:
  1. Minimum floor:  max(payer minimum hours, interpreter minimum hours)
  2. Service hours:  max(derived hours, floor), derived from actual minutes,
                     else the projected duration text, else the floor itself
  3. Mileage:        actual miles only when approved and parseable, else 0
  4. Adjustment:     No Show / Late CX replace everything with a flat fee
  5. Amounts:        each product rounded to 2 places, then summed exactly

SEE ALSO:
  - ratecard.go: Where cards come from
  - generator.go: Batch use
*/
package billing

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DURATION AND MILEAGE
// =============================================================================

// MinimumFloor is the larger of the two independently configured minimums.
func MinimumFloor(payer, interpreter RateCard) decimal.Decimal {
	return decimal.Max(payer.MinimumHours, interpreter.MinimumHours)
}

var projectedToken = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([A-Za-z]*)`)

// ParseProjectedHours reads the first numeric token of a free-text duration
// such as "2", "1.5 hours" or "90 min". Minute units are converted to hours.
func ParseProjectedHours(s string) (decimal.Decimal, bool) {
	m := projectedToken.FindStringSubmatch(s)
	if m == nil {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(m[1])
	if err != nil {
		return decimal.Zero, false
	}
	if strings.HasPrefix(strings.ToLower(m[2]), "m") {
		d = d.Div(sixty)
	}
	return d, true
}

// ServiceHours computes billable hours, never below floor.
func ServiceHours(a Appointment, floor decimal.Decimal) decimal.Decimal {
	derived := floor
	if a.ActualDurationMinutes != nil && *a.ActualDurationMinutes >= 0 {
		derived = decimal.NewFromInt(int64(*a.ActualDurationMinutes)).Div(sixty)
	} else if h, ok := ParseProjectedHours(a.ProjectedDuration); ok {
		derived = h
	}
	return Round2(decimal.Max(derived, floor))
}

// BillableMileage is the approved actual mileage, or zero.
func BillableMileage(a Appointment) decimal.Decimal {
	if !a.MileageApproved {
		return decimal.Zero
	}
	miles, err := ParseMoney(a.ActualMiles)
	if err != nil || miles.IsNegative() {
		return decimal.Zero
	}
	return Round2(miles)
}

// =============================================================================
// ADJUSTMENT CLASSIFIER
// =============================================================================

// ClassifyAdjustment maps a scheduling status to a flat-fee override taken
// from card. Statuses without one return AdjustmentNone.
func ClassifyAdjustment(status AppointmentStatus, card RateCard) (AdjustmentType, decimal.Decimal) {
	s := strings.TrimSpace(string(status))
	switch {
	case strings.EqualFold(s, string(AppointmentNoShow)):
		return AdjustmentNoShow, Round2(card.NoShowFee)
	case strings.EqualFold(s, string(AppointmentLateCX)):
		return AdjustmentLateCancel, Round2(card.LateCancelFee)
	}
	return AdjustmentNone, decimal.Zero
}

// =============================================================================
// LINE ITEM BUILDER
// =============================================================================

// Describe renders "{date} - {patient} at {facility}[ (ADJUSTMENT)]".
func Describe(a Appointment, adj AdjustmentType) string {
	patient := a.PatientName
	if patient == "" {
		patient = "Unknown Patient"
	}
	facility := a.FacilityName
	if facility == "" {
		facility = "Unknown Facility"
	}
	desc := DateOf(a.Date).Format(DateLayout) + " - " + patient + " at " + facility
	if adj != AdjustmentNone {
		desc += " (" + adj.Label() + ")"
	}
	return desc
}

// BuildLineItem prices one appointment against card. floor is the minimum
// hours floor from MinimumFloor.
func BuildLineItem(a Appointment, card RateCard, floor decimal.Decimal) LineItem {
	li := LineItem{
		AppointmentID: a.ID,
		ServiceDate:   DateOf(a.Date),
	}

	adj, fee := ClassifyAdjustment(a.Status, card)
	li.Description = Describe(a, adj)
	if adj != AdjustmentNone {
		li.ServiceHours = decimal.Zero
		li.ServiceRate = decimal.Zero
		li.ServiceAmount = decimal.Zero
		li.Mileage = decimal.Zero
		li.MileageRate = decimal.Zero
		li.MileageAmount = decimal.Zero
		li.AdjustmentType = adj
		li.AdjustmentAmount = fee
		li.LineTotal = fee
		return li
	}

	li.ServiceHours = ServiceHours(a, floor)
	li.ServiceRate = card.HourlyRate
	li.ServiceAmount = Round2(li.ServiceHours.Mul(card.HourlyRate))
	li.Mileage = BillableMileage(a)
	li.MileageRate = card.MileageRate
	li.MileageAmount = Round2(li.Mileage.Mul(card.MileageRate))
	li.AdjustmentAmount = decimal.Zero
	li.LineTotal = li.ServiceAmount.Add(li.MileageAmount)
	return li
}
