/*
lifecycle.go - Invoice and payout status transitions

PURPOSE:
  Advances invoices and payouts after generation and cascades the final
  state onto the appointments they reference.

INVOICE:
  draft --MarkSent--> sent --RecordPayment--> partial | paid
  draft|sent --VoidInvoice--> void (appointments released to pending)
  Reaching paid flips every referenced appointment invoiced -> paid.
  Overdue is derived at read time (Invoice.IsOverdue), never stored.

PAYOUT:
  pending --MarkPayoutPaid--> paid (appointments scheduled -> paid)
  pending --CancelPayout----> cancelled (appointments released to pending)

CONCURRENCY:
  Header updates are conditional on the status read at the start of the
  transaction. Payments are an atomic increment in the store so two
  concurrent partial payments can't lose one another.

SEE ALSO:
  - status.go: Transition functions
  - store.go: UpdateInvoice, ApplyInvoicePayment
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INVOICE TRANSITIONS
// =============================================================================

// MarkSent moves a draft invoice to sent. When dueDate is nil it defaults to
// sentAt plus the payer's payment terms.
func (e *Engine) MarkSent(ctx context.Context, invoiceID string, dueDate *time.Time) (*Invoice, error) {
	var updated Invoice
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		next, err := NextInvoiceStatus(inv.Status, InvoiceEventSend, false)
		if err != nil {
			return err
		}

		sentAt := e.Now()
		due := dueDate
		if due == nil {
			terms := e.PaymentTermsDays
			payer, err := tx.GetPayer(ctx, inv.PayerID)
			if err != nil && !IsNotFound(err) {
				return err
			}
			if payer != nil && payer.PaymentTermsDays != nil {
				terms = *payer.PaymentTermsDays
			}
			d := sentAt.AddDate(0, 0, terms)
			due = &d
		}

		updated = *inv
		updated.Status = next
		updated.SentAt = &sentAt
		updated.DueDate = due
		return tx.UpdateInvoice(ctx, updated, inv.Status)
	})
	if err != nil {
		return nil, err
	}

	e.Log.Info().
		Str("invoice_id", updated.ID).
		Str("invoice_number", updated.InvoiceNumber).
		Time("due_date", *updated.DueDate).
		Msg("invoice sent")
	return &updated, nil
}

// PaymentRequest records money received against an invoice.
type PaymentRequest struct {
	InvoiceID string
	Amount    decimal.Decimal
	PaidAt    *time.Time
	Notes     string
}

// RecordPayment adds a payment. The invoice becomes paid once the paid
// amount covers the total, partial otherwise.
func (e *Engine) RecordPayment(ctx context.Context, req PaymentRequest) (*Invoice, error) {
	amount := Round2(req.Amount)
	if !amount.IsPositive() {
		return nil, Invalid("amount", "must be greater than zero")
	}
	if amount.GreaterThan(MaxAmount) {
		return nil, Invalid("amount", "exceeds "+FormatMoney(MaxAmount))
	}

	var updated *Invoice
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		inv, err := tx.GetInvoice(ctx, req.InvoiceID)
		if err != nil {
			return err
		}
		settled := inv.PaidAmount.Add(amount).GreaterThanOrEqual(inv.Total)
		if _, err := NextInvoiceStatus(inv.Status, InvoiceEventPay, settled); err != nil {
			return err
		}

		now := e.Now()
		paidAt := now
		if req.PaidAt != nil {
			paidAt = *req.PaidAt
		}
		updated, err = tx.ApplyInvoicePayment(ctx, Payment{
			ID:        e.NewID(),
			InvoiceID: inv.ID,
			Amount:    amount,
			PaidAt:    paidAt,
			Notes:     req.Notes,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		if updated.Status == InvoicePaid {
			return e.settleInvoiceAppointments(ctx, tx, inv.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Log.Info().
		Str("invoice_id", updated.ID).
		Str("amount", FormatMoney(amount)).
		Str("paid_amount", FormatMoney(updated.PaidAmount)).
		Str("status", string(updated.Status)).
		Msg("payment recorded")
	return updated, nil
}

func (e *Engine) settleInvoiceAppointments(ctx context.Context, tx Tx, invoiceID string) error {
	items, err := tx.ListInvoiceLineItems(ctx, invoiceID)
	if err != nil {
		return err
	}
	ids := lineItemAppointmentIDs(items)
	moved, err := moveBilling(ctx, tx, ids, BillingInvoiced, GuardSettle)
	if err != nil {
		return fmt.Errorf("settle appointments: %w", err)
	}
	if moved != int64(len(ids)) {
		e.Log.Warn().
			Str("invoice_id", invoiceID).
			Int64("moved", moved).
			Int("expected", len(ids)).
			Msg("some appointments were not in invoiced status")
	}
	return nil
}

// VoidInvoice supersedes an unpaid draft or sent invoice and makes its
// appointments billable again.
func (e *Engine) VoidInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	var updated Invoice
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.PaidAmount.IsZero() {
			return Invalid("status", "cannot void an invoice with recorded payments")
		}
		next, err := NextInvoiceStatus(inv.Status, InvoiceEventVoid, false)
		if err != nil {
			return err
		}

		updated = *inv
		updated.Status = next
		if err := tx.UpdateInvoice(ctx, updated, inv.Status); err != nil {
			return err
		}

		items, err := tx.ListInvoiceLineItems(ctx, inv.ID)
		if err != nil {
			return err
		}
		_, err = moveBilling(ctx, tx, lineItemAppointmentIDs(items), BillingInvoiced, GuardRelease)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.Log.Info().
		Str("invoice_id", updated.ID).
		Str("invoice_number", updated.InvoiceNumber).
		Msg("invoice voided")
	return &updated, nil
}

// =============================================================================
// PAYOUT TRANSITIONS
// =============================================================================

// PayoutPaymentRequest marks a payout as disbursed.
type PayoutPaymentRequest struct {
	PayoutID         string
	PaymentMethod    string
	PaymentReference string
	PaidAt           *time.Time
}

// MarkPayoutPaid moves a pending payout to paid.
func (e *Engine) MarkPayoutPaid(ctx context.Context, req PayoutPaymentRequest) (*Payout, error) {
	if req.PaymentMethod == "" {
		return nil, Invalid("paymentMethod", "is required")
	}

	var updated Payout
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		p, err := tx.GetPayout(ctx, req.PayoutID)
		if err != nil {
			return err
		}
		next, err := NextPayoutStatus(p.Status, PayoutEventPay)
		if err != nil {
			return err
		}

		paidAt := e.Now()
		if req.PaidAt != nil {
			paidAt = *req.PaidAt
		}
		updated = *p
		updated.Status = next
		updated.PaidAt = &paidAt
		updated.PaymentMethod = req.PaymentMethod
		updated.PaymentReference = req.PaymentReference
		if err := tx.UpdatePayout(ctx, updated, p.Status); err != nil {
			return err
		}

		items, err := tx.ListPayoutLineItems(ctx, p.ID)
		if err != nil {
			return err
		}
		ids := lineItemAppointmentIDs(items)
		moved, err := movePayout(ctx, tx, ids, PayoutScheduled, GuardSettle)
		if err != nil {
			return fmt.Errorf("settle appointments: %w", err)
		}
		if moved != int64(len(ids)) {
			e.Log.Warn().
				Str("payout_id", p.ID).
				Int64("moved", moved).
				Int("expected", len(ids)).
				Msg("some appointments were not in scheduled status")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Log.Info().
		Str("payout_id", updated.ID).
		Str("payout_number", updated.PayoutNumber).
		Str("method", updated.PaymentMethod).
		Msg("payout paid")
	return &updated, nil
}

// CancelPayout cancels a pending payout and returns its appointments to
// the pending pool for a later run.
func (e *Engine) CancelPayout(ctx context.Context, payoutID string) (*Payout, error) {
	var updated Payout
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		p, err := tx.GetPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		next, err := NextPayoutStatus(p.Status, PayoutEventCancel)
		if err != nil {
			return err
		}
		updated = *p
		updated.Status = next
		if err := tx.UpdatePayout(ctx, updated, p.Status); err != nil {
			return err
		}

		items, err := tx.ListPayoutLineItems(ctx, p.ID)
		if err != nil {
			return err
		}
		_, err = movePayout(ctx, tx, lineItemAppointmentIDs(items), PayoutScheduled, GuardRelease)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.Log.Info().
		Str("payout_id", updated.ID).
		Str("payout_number", updated.PayoutNumber).
		Msg("payout cancelled")
	return &updated, nil
}

func lineItemAppointmentIDs(items []LineItem) []string {
	ids := make([]string, len(items))
	for i, li := range items {
		ids[i] = li.AppointmentID
	}
	return uniqueNonEmpty(ids)
}
