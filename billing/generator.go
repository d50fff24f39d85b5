/*
generator.go - Invoice and payout generation

PURPOSE:
  Selects eligible appointments over a date range, prices them and persists
  the resulting invoice or payouts in one transaction.

INVOICE RUN:
  1. Load the payer (NotFound if missing)
  2. Select appointments: payer matches, date in period, billing pending
  3. Nothing selected -> ErrNoBillableAppointments
  4. Price each with the payer card (floor includes interpreter minimum)
  5. In the transaction: issue number, insert header + items, flip each
     appointment pending -> invoiced only if still pending

PAYOUT RUN:
  1. Select appointments: date in period, payout pending, interpreter set
  2. Group by interpreter; interpreters without a current rate are skipped
     and their appointments stay pending
  3. Per group: price with the interpreter card, insert payout + items,
     flip pending -> scheduled
  All groups share one transaction.

RACES:
  Selection and the flip run in the same transaction, and the flip is
  conditional. If fewer rows move than were selected another run got there
  first: the run fails with ClaimConflictError and rolls back entirely.

SEE ALSO:
  - pricing.go: BuildLineItem
  - numbering.go: IssueNumber
*/
package billing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INVOICE GENERATION
// =============================================================================

type InvoiceRequest struct {
	PayerID string
	Period  Period
	Notes   string
}

type InvoiceResult struct {
	Invoice   Invoice
	LineItems []LineItem
	Warnings  []Warning
}

func (r InvoiceRequest) validate() error {
	if r.PayerID == "" {
		return Invalid("payerId", "is required")
	}
	_, err := NewPeriod(r.Period.Start, r.Period.End)
	return err
}

// GenerateInvoice creates a draft invoice for every pending appointment of
// the payer within the period.
func (e *Engine) GenerateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	period, _ := NewPeriod(req.Period.Start, req.Period.End)

	var result *InvoiceResult
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		payer, err := tx.GetPayer(ctx, req.PayerID)
		if err != nil {
			return err
		}

		appts, err := tx.ListAppointments(ctx, AppointmentFilter{
			PayerID:       payer.ID,
			Period:        &period,
			BillingStatus: BillingPending,
		})
		if err != nil {
			return fmt.Errorf("select billable appointments: %w", err)
		}
		if len(appts) == 0 {
			return ErrNoBillableAppointments
		}

		rr := NewRateResolver(tx)
		if err := rr.PreloadPayers(ctx, []string{payer.ID}); err != nil {
			return err
		}
		if err := rr.PreloadInterpreters(ctx, interpreterIDs(appts)); err != nil {
			return err
		}

		now := e.Now()
		invoiceID := e.NewID()
		items := make([]LineItem, 0, len(appts))
		var warnings []Warning
		for _, a := range appts {
			li, w, err := e.priceInvoiceLine(ctx, rr, a)
			if err != nil {
				return err
			}
			li.ID = e.NewID()
			li.ParentID = invoiceID
			items = append(items, li)
			warnings = append(warnings, w...)
		}

		number, err := IssueNumber(ctx, tx, PrefixInvoice, now.Year())
		if err != nil {
			return err
		}

		subtotal := SubtotalOf(items)
		inv := Invoice{
			ID:            invoiceID,
			InvoiceNumber: number,
			PayerID:       payer.ID,
			PeriodStart:   period.Start,
			PeriodEnd:     period.End,
			Subtotal:      subtotal,
			Adjustments:   decimal.Zero,
			Total:         subtotal,
			Status:        InvoiceDraft,
			Notes:         req.Notes,
			PaidAmount:    decimal.Zero,
			CreatedAt:     now,
		}
		if err := tx.InsertInvoice(ctx, inv, items); err != nil {
			return fmt.Errorf("insert invoice %s: %w", number, err)
		}

		if err := claimBilling(ctx, tx, appts); err != nil {
			return err
		}

		result = &InvoiceResult{Invoice: inv, LineItems: items, Warnings: warnings}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Log.Info().
		Str("invoice_id", result.Invoice.ID).
		Str("invoice_number", result.Invoice.InvoiceNumber).
		Str("payer_id", req.PayerID).
		Str("period", period.String()).
		Int("line_items", len(result.LineItems)).
		Str("total", FormatMoney(result.Invoice.Total)).
		Msg("invoice generated")
	e.logWarnings(result.Warnings)
	return result, nil
}

func (e *Engine) priceInvoiceLine(ctx context.Context, rr *RateResolver, a Appointment) (LineItem, []Warning, error) {
	var warnings []Warning
	payerCard, _, err := rr.ForPayer(ctx, a.PayerID, a.Language)
	if err != nil {
		return LineItem{}, nil, err
	}
	interpCard, ok, err := rr.ForInterpreter(ctx, a.InterpreterID)
	if err != nil {
		return LineItem{}, nil, err
	}
	if !ok && a.InterpreterID != "" {
		warnings = append(warnings, Warning{AppointmentID: a.ID, InterpreterID: a.InterpreterID, Message: WarnNoRate})
	}
	return BuildLineItem(a, payerCard, MinimumFloor(payerCard, interpCard)), warnings, nil
}

func claimBilling(ctx context.Context, tx Tx, appts []Appointment) error {
	ids := appointmentIDs(appts)
	moved, err := moveBilling(ctx, tx, ids, BillingPending, GuardClaim)
	if err != nil {
		return fmt.Errorf("claim appointments: %w", err)
	}
	if moved != int64(len(ids)) {
		return &ClaimConflictError{Expected: int64(len(ids)), Claimed: moved}
	}
	return nil
}

// =============================================================================
// PAYOUT GENERATION
// =============================================================================

type PayoutRequest struct {
	Period        Period
	ScheduledDate *time.Time
}

// PayoutSummary is one generated payout.
type PayoutSummary struct {
	PayoutID      string
	InterpreterID string
	PayoutNumber  string
	Total         decimal.Decimal
	LineItemCount int
}

// SkippedInterpreter is an interpreter left out of a run for lack of a
// current rate. Their appointments remain pending.
type SkippedInterpreter struct {
	InterpreterID    string
	AppointmentCount int
	Reason           string
}

type PayoutRunResult struct {
	Payouts  []PayoutSummary
	Skipped  []SkippedInterpreter
	Warnings []Warning
}

// Message summarizes the run for API callers.
func (r *PayoutRunResult) Message() string {
	msg := fmt.Sprintf("Generated %d payout(s)", len(r.Payouts))
	if len(r.Skipped) > 0 {
		msg += fmt.Sprintf("; skipped %d interpreter(s) with no rate configured", len(r.Skipped))
	}
	return msg
}

// GeneratePayouts creates one pending payout per interpreter with pending
// appointments in the period.
func (e *Engine) GeneratePayouts(ctx context.Context, req PayoutRequest) (*PayoutRunResult, error) {
	period, err := NewPeriod(req.Period.Start, req.Period.End)
	if err != nil {
		return nil, err
	}
	var scheduled *time.Time
	if req.ScheduledDate != nil {
		d := DateOf(*req.ScheduledDate)
		scheduled = &d
	}

	result := &PayoutRunResult{}
	err = e.Store.WithTx(ctx, func(tx Tx) error {
		appts, err := tx.ListAppointments(ctx, AppointmentFilter{
			Period:             &period,
			PayoutStatus:       PayoutPending,
			RequireInterpreter: true,
		})
		if err != nil {
			return fmt.Errorf("select payable appointments: %w", err)
		}
		if len(appts) == 0 {
			return nil
		}

		groups := make(map[string][]Appointment)
		for _, a := range appts {
			groups[a.InterpreterID] = append(groups[a.InterpreterID], a)
		}
		ids := make([]string, 0, len(groups))
		for id := range groups {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		rr := NewRateResolver(tx)
		if err := rr.PreloadInterpreters(ctx, ids); err != nil {
			return err
		}
		if err := rr.PreloadPayers(ctx, payerIDs(appts)); err != nil {
			return err
		}

		now := e.Now()
		for _, interpreterID := range ids {
			group := groups[interpreterID]
			card, ok, err := rr.ForInterpreter(ctx, interpreterID)
			if err != nil {
				return err
			}
			if !ok {
				result.Skipped = append(result.Skipped, SkippedInterpreter{
					InterpreterID:    interpreterID,
					AppointmentCount: len(group),
					Reason:           WarnNoRate,
				})
				continue
			}

			summary, warnings, err := e.insertPayout(ctx, tx, rr, interpreterID, card, group, period, scheduled, now)
			if err != nil {
				return err
			}
			result.Payouts = append(result.Payouts, summary)
			result.Warnings = append(result.Warnings, warnings...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, p := range result.Payouts {
		e.Log.Info().
			Str("payout_id", p.PayoutID).
			Str("payout_number", p.PayoutNumber).
			Str("interpreter_id", p.InterpreterID).
			Int("line_items", p.LineItemCount).
			Str("total", FormatMoney(p.Total)).
			Msg("payout generated")
	}
	for _, s := range result.Skipped {
		e.Log.Warn().
			Str("interpreter_id", s.InterpreterID).
			Int("appointments", s.AppointmentCount).
			Msg("interpreter skipped: " + s.Reason)
	}
	e.logWarnings(result.Warnings)
	return result, nil
}

func (e *Engine) insertPayout(
	ctx context.Context,
	tx Tx,
	rr *RateResolver,
	interpreterID string,
	card RateCard,
	group []Appointment,
	period Period,
	scheduled *time.Time,
	now time.Time,
) (PayoutSummary, []Warning, error) {
	payoutID := e.NewID()
	items := make([]LineItem, 0, len(group))
	var warnings []Warning
	for _, a := range group {
		payerCard, ok, err := rr.ForPayer(ctx, a.PayerID, a.Language)
		if err != nil {
			return PayoutSummary{}, nil, err
		}
		if !ok {
			warnings = append(warnings, Warning{AppointmentID: a.ID, PayerID: a.PayerID, Message: WarnNoPayer})
		}
		li := BuildLineItem(a, card, MinimumFloor(payerCard, card))
		li.ID = e.NewID()
		li.ParentID = payoutID
		items = append(items, li)
	}

	number, err := IssueNumber(ctx, tx, PrefixPayout, now.Year())
	if err != nil {
		return PayoutSummary{}, nil, err
	}

	subtotal := SubtotalOf(items)
	p := Payout{
		ID:            payoutID,
		PayoutNumber:  number,
		InterpreterID: interpreterID,
		PeriodStart:   period.Start,
		PeriodEnd:     period.End,
		Subtotal:      subtotal,
		Adjustments:   decimal.Zero,
		Total:         subtotal,
		Status:        PayoutStatusPending,
		ScheduledDate: scheduled,
		CreatedAt:     now,
	}
	if err := tx.InsertPayout(ctx, p, items); err != nil {
		return PayoutSummary{}, nil, fmt.Errorf("insert payout %s: %w", number, err)
	}

	ids := appointmentIDs(group)
	moved, err := movePayout(ctx, tx, ids, PayoutPending, GuardClaim)
	if err != nil {
		return PayoutSummary{}, nil, fmt.Errorf("claim appointments: %w", err)
	}
	if moved != int64(len(ids)) {
		return PayoutSummary{}, nil, &ClaimConflictError{Expected: int64(len(ids)), Claimed: moved}
	}

	return PayoutSummary{
		PayoutID:      payoutID,
		InterpreterID: interpreterID,
		PayoutNumber:  number,
		Total:         p.Total,
		LineItemCount: len(items),
	}, warnings, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) logWarnings(ws []Warning) {
	for _, w := range ws {
		e.Log.Warn().
			Str("appointment_id", w.AppointmentID).
			Str("payer_id", w.PayerID).
			Str("interpreter_id", w.InterpreterID).
			Msg(w.Message)
	}
}

func appointmentIDs(appts []Appointment) []string {
	ids := make([]string, len(appts))
	for i, a := range appts {
		ids[i] = a.ID
	}
	return ids
}

func interpreterIDs(appts []Appointment) []string {
	ids := make([]string, len(appts))
	for i, a := range appts {
		ids[i] = a.InterpreterID
	}
	return uniqueNonEmpty(ids)
}

func payerIDs(appts []Appointment) []string {
	ids := make([]string, len(appts))
	for i, a := range appts {
		ids[i] = a.PayerID
	}
	return uniqueNonEmpty(ids)
}
