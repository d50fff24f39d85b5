package billing

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

// LineItemColumns is the header row of per-invoice and per-payout exports.
var LineItemColumns = []string{
	"Service Date", "Description", "Hours", "Hourly Rate", "Service Amount",
	"Mileage", "Mileage Rate", "Mileage Amount", "Adjustment Type",
	"Adjustment Amount", "Line Total",
}

// PayoutBatchColumns is the header row of the bank upload export.
var PayoutBatchColumns = []string{
	"Payout Number", "Interpreter Name", "Email", "Amount",
	"Period Start", "Period End", "Status",
}

// WriteLineItemsCSV renders items with the description always double-quoted.
func WriteLineItemsCSV(w io.Writer, items []LineItem) error {
	if _, err := io.WriteString(w, strings.Join(LineItemColumns, ",")+"\n"); err != nil {
		return err
	}
	for _, li := range items {
		row := []string{
			li.ServiceDate.Format(DateLayout),
			quote(li.Description),
			FormatMoney(li.ServiceHours),
			FormatRate(li.ServiceRate),
			FormatMoney(li.ServiceAmount),
			FormatMoney(li.Mileage),
			FormatRate(li.MileageRate),
			FormatMoney(li.MileageAmount),
			string(li.AdjustmentType),
			FormatMoney(li.AdjustmentAmount),
			FormatMoney(li.LineTotal),
		}
		if _, err := io.WriteString(w, strings.Join(row, ",")+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// PayoutBatchRow is one payout joined with its interpreter.
type PayoutBatchRow struct {
	Payout      Payout
	Interpreter Interpreter
}

// WritePayoutBatchCSV renders one row per payout header.
func WritePayoutBatchCSV(w io.Writer, rows []PayoutBatchRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(PayoutBatchColumns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			r.Payout.PayoutNumber,
			r.Interpreter.Name,
			r.Interpreter.Email,
			FormatMoney(r.Payout.Total),
			r.Payout.PeriodStart.Format(DateLayout),
			r.Payout.PeriodEnd.Format(DateLayout),
			string(r.Payout.Status),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// FormatRate formats a rate like money but keeps sub-cent rates (e.g. 0.655 per mile) intact.
func FormatRate(d decimal.Decimal) string {
	if d.Exponent() < -Scale && !d.Equal(Round2(d)) {
		return d.String()
	}
	return FormatMoney(d)
}

// =============================================================================
// ENGINE EXPORTS
// =============================================================================

// ExportInvoice writes an invoice's line items and returns the file name.
func (e *Engine) ExportInvoice(ctx context.Context, invoiceID string, w io.Writer) (string, error) {
	inv, err := e.Store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	items, err := e.Store.ListInvoiceLineItems(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	return inv.InvoiceNumber + ".csv", WriteLineItemsCSV(w, items)
}

// ExportPayout writes a payout's line items and returns the file name.
func (e *Engine) ExportPayout(ctx context.Context, payoutID string, w io.Writer) (string, error) {
	p, err := e.Store.GetPayout(ctx, payoutID)
	if err != nil {
		return "", err
	}
	items, err := e.Store.ListPayoutLineItems(ctx, payoutID)
	if err != nil {
		return "", err
	}
	return p.PayoutNumber + ".csv", WriteLineItemsCSV(w, items)
}

// ExportPayoutBatch writes the bank upload file for all payouts matching f.
func (e *Engine) ExportPayoutBatch(ctx context.Context, f PayoutFilter, w io.Writer) (int, error) {
	payouts, err := e.Store.ListPayouts(ctx, f)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(payouts))
	for i, p := range payouts {
		ids[i] = p.InterpreterID
	}
	interps, err := e.Store.ListInterpreters(ctx, uniqueNonEmpty(ids))
	if err != nil {
		return 0, fmt.Errorf("load interpreters: %w", err)
	}
	byID := make(map[string]Interpreter, len(interps))
	for _, in := range interps {
		byID[in.ID] = in
	}

	rows := make([]PayoutBatchRow, len(payouts))
	for i, p := range payouts {
		interp, ok := byID[p.InterpreterID]
		if !ok {
			interp = Interpreter{ID: p.InterpreterID}
		}
		rows[i] = PayoutBatchRow{Payout: p, Interpreter: interp}
	}
	return len(rows), WritePayoutBatchCSV(w, rows)
}
