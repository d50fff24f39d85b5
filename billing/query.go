package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READ VIEWS
// =============================================================================

type InvoiceDetail struct {
	Invoice   Invoice
	LineItems []LineItem
	Payments  []Payment
	Overdue   bool
}

func (e *Engine) InvoiceDetail(ctx context.Context, invoiceID string) (*InvoiceDetail, error) {
	inv, err := e.Store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	items, err := e.Store.ListInvoiceLineItems(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	payments, err := e.Store.ListInvoicePayments(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return &InvoiceDetail{
		Invoice:   *inv,
		LineItems: items,
		Payments:  payments,
		Overdue:   inv.IsOverdue(e.Now()),
	}, nil
}

// ListInvoices lists invoices; overdueOnly keeps the derived overdue ones.
func (e *Engine) ListInvoices(ctx context.Context, f InvoiceFilter, overdueOnly bool) ([]Invoice, error) {
	invoices, err := e.Store.ListInvoices(ctx, f)
	if err != nil || !overdueOnly {
		return invoices, err
	}
	now := e.Now()
	out := invoices[:0]
	for _, inv := range invoices {
		if inv.IsOverdue(now) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (e *Engine) ListPayouts(ctx context.Context, f PayoutFilter) ([]Payout, error) {
	return e.Store.ListPayouts(ctx, f)
}

type PayoutDetail struct {
	Payout      Payout
	Interpreter *Interpreter
	LineItems   []LineItem
}

func (e *Engine) PayoutDetail(ctx context.Context, payoutID string) (*PayoutDetail, error) {
	p, err := e.Store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	items, err := e.Store.ListPayoutLineItems(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	interp, err := e.Store.GetInterpreter(ctx, p.InterpreterID)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	return &PayoutDetail{Payout: *p, Interpreter: interp, LineItems: items}, nil
}

// =============================================================================
// PREVIEW - Price one appointment without persisting anything
// =============================================================================

// Preview is the invoice-side and payout-side pricing of one appointment.
// Missing configuration shows up as warnings with zero-valued rates.
type Preview struct {
	Appointment Appointment
	Invoice     LineItem
	Payout      LineItem
	Margin      decimal.Decimal
	Warnings    []Warning
}

func (e *Engine) PreviewAppointment(ctx context.Context, appointmentID string) (*Preview, error) {
	a, err := e.Store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	rr := NewRateResolver(e.Store)
	var warnings []Warning

	payerCard, ok, err := rr.ForPayer(ctx, a.PayerID, a.Language)
	if err != nil {
		return nil, err
	}
	if !ok {
		warnings = append(warnings, Warning{AppointmentID: a.ID, PayerID: a.PayerID, Message: WarnNoPayer})
	}
	interpCard, ok, err := rr.ForInterpreter(ctx, a.InterpreterID)
	if err != nil {
		return nil, err
	}
	if !ok {
		warnings = append(warnings, Warning{AppointmentID: a.ID, InterpreterID: a.InterpreterID, Message: WarnNoRate})
	}

	floor := MinimumFloor(payerCard, interpCard)
	inv := BuildLineItem(*a, payerCard, floor)
	pay := BuildLineItem(*a, interpCard, floor)
	return &Preview{
		Appointment: *a,
		Invoice:     inv,
		Payout:      pay,
		Margin:      inv.LineTotal.Sub(pay.LineTotal),
		Warnings:    warnings,
	}, nil
}
