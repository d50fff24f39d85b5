/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

WIRE FORMATS:
  - Money is a string with exactly two decimals ("1234.50") so clients
    never round-trip amounts through floating point.
  - Calendar dates are "YYYY-MM-DD"; instants are RFC 3339.
  - Request amounts may be a JSON string or number.

VALIDATION:
  Validation is done in the billing engine, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain types
*/
package api

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// GenerateInvoiceRequest is the body of POST /api/invoices/generate.
type GenerateInvoiceRequest struct {
	PayerID     string `json:"payerId"`
	PeriodStart string `json:"periodStart"`
	PeriodEnd   string `json:"periodEnd"`
	Notes       string `json:"notes,omitempty"`
}

// GeneratePayoutsRequest is the body of POST /api/payouts/generate.
type GeneratePayoutsRequest struct {
	PeriodStart   string `json:"periodStart"`
	PeriodEnd     string `json:"periodEnd"`
	ScheduledDate string `json:"scheduledDate,omitempty"`
}

// MarkSentRequest is the optional body of POST /api/invoices/{id}/send.
type MarkSentRequest struct {
	DueDate string `json:"dueDate,omitempty"`
}

// RecordPaymentRequest is the body of POST /api/invoices/{id}/payments.
type RecordPaymentRequest struct {
	Amount Amount `json:"amount"`
	PaidAt string `json:"paidAt,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// MarkPayoutPaidRequest is the body of POST /api/payouts/{id}/pay.
type MarkPayoutPaidRequest struct {
	PaymentMethod    string `json:"paymentMethod"`
	PaymentReference string `json:"paymentReference,omitempty"`
	PaidAt           string `json:"paidAt,omitempty"`
}

// Amount accepts "12.50" or 12.50.
type Amount struct {
	decimal.Decimal
	Set bool
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return billing.Invalid("amount", "must be a decimal number")
		}
		a.Decimal, a.Set = d, true
		return nil
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return billing.Invalid("amount", "must be a decimal number")
	}
	a.Decimal, a.Set = d, true
	return nil
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// InvoiceDTO represents an invoice header.
type InvoiceDTO struct {
	ID            string  `json:"id"`
	InvoiceNumber string  `json:"invoiceNumber"`
	PayerID       string  `json:"payerId"`
	PeriodStart   string  `json:"periodStart"`
	PeriodEnd     string  `json:"periodEnd"`
	Subtotal      string  `json:"subtotal"`
	Adjustments   string  `json:"adjustments"`
	Total         string  `json:"total"`
	PaidAmount    string  `json:"paidAmount"`
	Balance       string  `json:"balance"`
	Status        string  `json:"status"`
	Overdue       bool    `json:"overdue"`
	Notes         string  `json:"notes,omitempty"`
	SentAt        *string `json:"sentAt,omitempty"`
	DueDate       *string `json:"dueDate,omitempty"`
	PaidAt        *string `json:"paidAt,omitempty"`
	CreatedAt     string  `json:"createdAt"`
}

// LineItemDTO is one priced appointment on an invoice or payout.
type LineItemDTO struct {
	ID               string `json:"id"`
	AppointmentID    string `json:"appointmentId"`
	ServiceDate      string `json:"serviceDate"`
	Description      string `json:"description"`
	ServiceHours     string `json:"serviceHours"`
	ServiceRate      string `json:"serviceRate"`
	ServiceAmount    string `json:"serviceAmount"`
	Mileage          string `json:"mileage"`
	MileageRate      string `json:"mileageRate"`
	MileageAmount    string `json:"mileageAmount"`
	AdjustmentType   string `json:"adjustmentType,omitempty"`
	AdjustmentAmount string `json:"adjustmentAmount"`
	LineTotal        string `json:"lineTotal"`
}

// PaymentDTO is one recorded invoice payment.
type PaymentDTO struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
	PaidAt string `json:"paidAt"`
	Notes  string `json:"notes,omitempty"`
}

// InvoiceDetailResponse is GET /api/invoices/{id}.
type InvoiceDetailResponse struct {
	Invoice   InvoiceDTO    `json:"invoice"`
	LineItems []LineItemDTO `json:"lineItems"`
	Payments  []PaymentDTO  `json:"payments"`
}

// GenerateInvoiceResponse is the result of an invoice run.
type GenerateInvoiceResponse struct {
	Invoice       InvoiceDTO        `json:"invoice"`
	LineItemCount int               `json:"lineItemCount"`
	Total         string            `json:"total"`
	Warnings      []billing.Warning `json:"warnings"`
}

// PayoutDTO represents a payout header.
type PayoutDTO struct {
	ID               string  `json:"id"`
	PayoutNumber     string  `json:"payoutNumber"`
	InterpreterID    string  `json:"interpreterId"`
	InterpreterName  string  `json:"interpreterName,omitempty"`
	PeriodStart      string  `json:"periodStart"`
	PeriodEnd        string  `json:"periodEnd"`
	Subtotal         string  `json:"subtotal"`
	Adjustments      string  `json:"adjustments"`
	Total            string  `json:"total"`
	Status           string  `json:"status"`
	ScheduledDate    *string `json:"scheduledDate,omitempty"`
	PaidAt           *string `json:"paidAt,omitempty"`
	PaymentMethod    string  `json:"paymentMethod,omitempty"`
	PaymentReference string  `json:"paymentReference,omitempty"`
	CreatedAt        string  `json:"createdAt"`
}

// PayoutDetailResponse is GET /api/payouts/{id}.
type PayoutDetailResponse struct {
	Payout    PayoutDTO     `json:"payout"`
	LineItems []LineItemDTO `json:"lineItems"`
}

// PayoutSummaryDTO is one payout created by a run.
type PayoutSummaryDTO struct {
	PayoutID      string `json:"payoutId"`
	InterpreterID string `json:"interpreterId"`
	PayoutNumber  string `json:"payoutNumber"`
	Total         string `json:"total"`
	LineItemCount int    `json:"lineItemCount"`
}

// SkippedInterpreterDTO is an interpreter left out of a payout run.
type SkippedInterpreterDTO struct {
	InterpreterID    string `json:"interpreterId"`
	AppointmentCount int    `json:"appointmentCount"`
	Reason           string `json:"reason"`
}

// GeneratePayoutsResponse is the result of a payout run.
type GeneratePayoutsResponse struct {
	Payouts  []PayoutSummaryDTO      `json:"payouts"`
	Skipped  []SkippedInterpreterDTO `json:"skipped"`
	Message  string                  `json:"message"`
	Warnings []billing.Warning       `json:"warnings"`
}

// PreviewResponse is GET /api/appointments/{id}/billing-preview.
type PreviewResponse struct {
	AppointmentID string            `json:"appointmentId"`
	Invoice       LineItemDTO       `json:"invoice"`
	Payout        LineItemDTO       `json:"payout"`
	Margin        string            `json:"margin"`
	Warnings      []billing.Warning `json:"warnings"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return billing.FormatMoney(d) }

func dateString(t time.Time) string { return t.Format(billing.DateLayout) }

func datePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := dateString(*t)
	return &s
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toInvoiceDTO(inv billing.Invoice, now time.Time) InvoiceDTO {
	return InvoiceDTO{
		ID:            inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		PayerID:       inv.PayerID,
		PeriodStart:   dateString(inv.PeriodStart),
		PeriodEnd:     dateString(inv.PeriodEnd),
		Subtotal:      money(inv.Subtotal),
		Adjustments:   money(inv.Adjustments),
		Total:         money(inv.Total),
		PaidAmount:    money(inv.PaidAmount),
		Balance:       money(inv.Balance()),
		Status:        string(inv.Status),
		Overdue:       inv.IsOverdue(now),
		Notes:         inv.Notes,
		SentAt:        timePtr(inv.SentAt),
		DueDate:       datePtr(inv.DueDate),
		PaidAt:        timePtr(inv.PaidAt),
		CreatedAt:     inv.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toInvoiceDTOs(invs []billing.Invoice, now time.Time) []InvoiceDTO {
	out := make([]InvoiceDTO, 0, len(invs))
	for _, inv := range invs {
		out = append(out, toInvoiceDTO(inv, now))
	}
	return out
}

func toLineItemDTO(li billing.LineItem) LineItemDTO {
	return LineItemDTO{
		ID:               li.ID,
		AppointmentID:    li.AppointmentID,
		ServiceDate:      dateString(li.ServiceDate),
		Description:      li.Description,
		ServiceHours:     money(li.ServiceHours),
		ServiceRate:      billing.FormatRate(li.ServiceRate),
		ServiceAmount:    money(li.ServiceAmount),
		Mileage:          money(li.Mileage),
		MileageRate:      billing.FormatRate(li.MileageRate),
		MileageAmount:    money(li.MileageAmount),
		AdjustmentType:   string(li.AdjustmentType),
		AdjustmentAmount: money(li.AdjustmentAmount),
		LineTotal:        money(li.LineTotal),
	}
}

func toLineItemDTOs(items []billing.LineItem) []LineItemDTO {
	out := make([]LineItemDTO, 0, len(items))
	for _, li := range items {
		out = append(out, toLineItemDTO(li))
	}
	return out
}

func toPaymentDTOs(payments []billing.Payment) []PaymentDTO {
	out := make([]PaymentDTO, 0, len(payments))
	for _, p := range payments {
		out = append(out, PaymentDTO{
			ID:     p.ID,
			Amount: money(p.Amount),
			PaidAt: p.PaidAt.UTC().Format(time.RFC3339),
			Notes:  p.Notes,
		})
	}
	return out
}

func toPayoutDTO(p billing.Payout) PayoutDTO {
	return PayoutDTO{
		ID:               p.ID,
		PayoutNumber:     p.PayoutNumber,
		InterpreterID:    p.InterpreterID,
		PeriodStart:      dateString(p.PeriodStart),
		PeriodEnd:        dateString(p.PeriodEnd),
		Subtotal:         money(p.Subtotal),
		Adjustments:      money(p.Adjustments),
		Total:            money(p.Total),
		Status:           string(p.Status),
		ScheduledDate:    datePtr(p.ScheduledDate),
		PaidAt:           timePtr(p.PaidAt),
		PaymentMethod:    p.PaymentMethod,
		PaymentReference: p.PaymentReference,
		CreatedAt:        p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toPayoutDTOs(payouts []billing.Payout) []PayoutDTO {
	out := make([]PayoutDTO, 0, len(payouts))
	for _, p := range payouts {
		out = append(out, toPayoutDTO(p))
	}
	return out
}

func toPayoutRunResponse(res *billing.PayoutRunResult) GeneratePayoutsResponse {
	resp := GeneratePayoutsResponse{
		Payouts:  make([]PayoutSummaryDTO, 0, len(res.Payouts)),
		Skipped:  make([]SkippedInterpreterDTO, 0, len(res.Skipped)),
		Message:  res.Message(),
		Warnings: warningsOrEmpty(res.Warnings),
	}
	for _, p := range res.Payouts {
		resp.Payouts = append(resp.Payouts, PayoutSummaryDTO{
			PayoutID:      p.PayoutID,
			InterpreterID: p.InterpreterID,
			PayoutNumber:  p.PayoutNumber,
			Total:         money(p.Total),
			LineItemCount: p.LineItemCount,
		})
	}
	for _, s := range res.Skipped {
		resp.Skipped = append(resp.Skipped, SkippedInterpreterDTO{
			InterpreterID:    s.InterpreterID,
			AppointmentCount: s.AppointmentCount,
			Reason:           s.Reason,
		})
	}
	return resp
}

func warningsOrEmpty(ws []billing.Warning) []billing.Warning {
	if ws == nil {
		return []billing.Warning{}
	}
	return ws
}
