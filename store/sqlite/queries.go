package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// STORE READER - Locked delegation
// =============================================================================

func (s *Store) GetPayer(ctx context.Context, id string) (*billing.Payer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetPayer(ctx, id)
}

func (s *Store) ListPayerLanguageRates(ctx context.Context, payerIDs []string) ([]billing.PayerLanguageRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListPayerLanguageRates(ctx, payerIDs)
}

func (s *Store) GetInterpreter(ctx context.Context, id string) (*billing.Interpreter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetInterpreter(ctx, id)
}

func (s *Store) ListInterpreters(ctx context.Context, ids []string) ([]billing.Interpreter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListInterpreters(ctx, ids)
}

func (s *Store) ListCurrentInterpreterRates(ctx context.Context, ids []string) ([]billing.InterpreterRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListCurrentInterpreterRates(ctx, ids)
}

func (s *Store) GetAppointment(ctx context.Context, id string) (*billing.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetAppointment(ctx, id)
}

func (s *Store) ListAppointments(ctx context.Context, f billing.AppointmentFilter) ([]billing.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListAppointments(ctx, f)
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetInvoice(ctx, id)
}

func (s *Store) ListInvoices(ctx context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListInvoices(ctx, f)
}

func (s *Store) ListInvoiceLineItems(ctx context.Context, invoiceID string) ([]billing.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListInvoiceLineItems(ctx, invoiceID)
}

func (s *Store) ListInvoicePayments(ctx context.Context, invoiceID string) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListInvoicePayments(ctx, invoiceID)
}

func (s *Store) GetPayout(ctx context.Context, id string) (*billing.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetPayout(ctx, id)
}

func (s *Store) ListPayouts(ctx context.Context, f billing.PayoutFilter) ([]billing.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListPayouts(ctx, f)
}

func (s *Store) ListPayoutLineItems(ctx context.Context, payoutID string) ([]billing.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListPayoutLineItems(ctx, payoutID)
}

// =============================================================================
// RATE CONFIGURATION
// =============================================================================

func (c queries) GetPayer(ctx context.Context, id string) (*billing.Payer, error) {
	var (
		p                                           billing.Payer
		hourly, mileage, minHours, lateFee, showFee string
		terms                                       sql.NullInt64
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, name, default_hourly_rate, default_mileage_rate, minimum_hours,
			late_cancel_fee, no_show_fee, payment_terms_days, is_active
		FROM payers WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &hourly, &mileage, &minHours, &lateFee, &showFee, &terms, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NotFound("payer", id)
	}
	if err != nil {
		return nil, err
	}
	p.DefaultHourlyRate = parseDecimal(hourly)
	p.DefaultMileageRate = parseDecimal(mileage)
	p.MinimumHours = parseDecimal(minHours)
	p.LateCancelFee = parseDecimal(lateFee)
	p.NoShowFee = parseDecimal(showFee)
	if terms.Valid {
		p.PaymentTermsDays = billing.TermsDays(int(terms.Int64))
	}
	return &p, nil
}

func (c queries) ListPayerLanguageRates(ctx context.Context, payerIDs []string) ([]billing.PayerLanguageRate, error) {
	var out []billing.PayerLanguageRate
	err := chunked(payerIDs, func(part []string) error {
		rates, err := c.listPayerLanguageRates(ctx, part)
		out = append(out, rates...)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c queries) listPayerLanguageRates(ctx context.Context, payerIDs []string) ([]billing.PayerLanguageRate, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, payer_id, language, hourly_rate, minimum_hours, is_active
		FROM payer_language_rates
		WHERE is_active AND payer_id IN (`+placeholders(len(payerIDs))+`)
	`, stringArgs(payerIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.PayerLanguageRate
	for rows.Next() {
		var (
			r        billing.PayerLanguageRate
			hourly   string
			minHours sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.PayerID, &r.Language, &hourly, &minHours, &r.IsActive); err != nil {
			return nil, err
		}
		r.HourlyRate = parseDecimal(hourly)
		if minHours.Valid {
			d := parseDecimal(minHours.String)
			r.MinimumHours = &d
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c queries) GetInterpreter(ctx context.Context, id string) (*billing.Interpreter, error) {
	var (
		i     billing.Interpreter
		email sql.NullString
	)
	err := c.q.QueryRowContext(ctx, `SELECT id, name, email FROM interpreters WHERE id = ?`, id).
		Scan(&i.ID, &i.Name, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NotFound("interpreter", id)
	}
	if err != nil {
		return nil, err
	}
	i.Email = email.String
	return &i, nil
}

func (c queries) ListInterpreters(ctx context.Context, ids []string) ([]billing.Interpreter, error) {
	var out []billing.Interpreter
	err := chunked(ids, func(part []string) error {
		found, err := c.listInterpreters(ctx, part)
		out = append(out, found...)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c queries) listInterpreters(ctx context.Context, ids []string) ([]billing.Interpreter, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, name, email FROM interpreters
		WHERE id IN (`+placeholders(len(ids))+`)
	`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Interpreter
	for rows.Next() {
		var (
			i     billing.Interpreter
			email sql.NullString
		)
		if err := rows.Scan(&i.ID, &i.Name, &email); err != nil {
			return nil, err
		}
		i.Email = email.String
		out = append(out, i)
	}
	return out, rows.Err()
}

func (c queries) ListCurrentInterpreterRates(ctx context.Context, ids []string) ([]billing.InterpreterRate, error) {
	var out []billing.InterpreterRate
	err := chunked(ids, func(part []string) error {
		rates, err := c.listCurrentInterpreterRates(ctx, part)
		out = append(out, rates...)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].InterpreterID < out[j].InterpreterID })
	return out, nil
}

func (c queries) listCurrentInterpreterRates(ctx context.Context, ids []string) ([]billing.InterpreterRate, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, interpreter_id, hourly_rate, mileage_rate, minimum_hours,
			late_cancel_fee, no_show_fee, effective_date, end_date
		FROM interpreter_rates
		WHERE end_date IS NULL AND interpreter_id IN (`+placeholders(len(ids))+`)
	`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.InterpreterRate
	for rows.Next() {
		var (
			r                                           billing.InterpreterRate
			hourly, mileage, minHours, lateFee, showFee string
			effective                                   string
			end                                         sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.InterpreterID, &hourly, &mileage, &minHours,
			&lateFee, &showFee, &effective, &end); err != nil {
			return nil, err
		}
		r.HourlyRate = parseDecimal(hourly)
		r.MileageRate = parseDecimal(mileage)
		r.MinimumHours = parseDecimal(minHours)
		r.LateCancelFee = parseDecimal(lateFee)
		r.NoShowFee = parseDecimal(showFee)
		r.EffectiveDate = parseDate(effective)
		r.EndDate = datePtr(end)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

const appointmentColumns = `id, date, status, actual_duration_minutes, actual_miles,
	mileage_approved, projected_duration, language, payer_id, interpreter_id,
	patient_name, facility_name, billing_status, payout_status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (billing.Appointment, error) {
	var (
		a                                 billing.Appointment
		date, status, billingSt, payoutSt string
		minutes                           sql.NullInt64
		miles, projected, language, payer sql.NullString
		interpreter, patient, facility    sql.NullString
	)
	err := row.Scan(&a.ID, &date, &status, &minutes, &miles, &a.MileageApproved,
		&projected, &language, &payer, &interpreter, &patient, &facility, &billingSt, &payoutSt)
	if err != nil {
		return a, err
	}
	a.Date = parseDate(date)
	a.Status = billing.AppointmentStatus(status)
	if minutes.Valid {
		m := int(minutes.Int64)
		a.ActualDurationMinutes = &m
	}
	a.ActualMiles = miles.String
	a.ProjectedDuration = projected.String
	a.Language = language.String
	a.PayerID = payer.String
	a.InterpreterID = interpreter.String
	a.PatientName = patient.String
	a.FacilityName = facility.String
	a.BillingStatus = billing.BillingStatus(billingSt)
	a.PayoutStatus = billing.AppointmentPayoutStatus(payoutSt)
	return a, nil
}

func (c queries) GetAppointment(ctx context.Context, id string) (*billing.Appointment, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
	a, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NotFound("appointment", id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (c queries) ListAppointments(ctx context.Context, f billing.AppointmentFilter) ([]billing.Appointment, error) {
	if len(f.IDs) <= maxInArgs {
		return c.listAppointments(ctx, f)
	}
	var out []billing.Appointment
	err := chunked(f.IDs, func(part []string) error {
		pf := f
		pf.IDs = part
		found, err := c.listAppointments(ctx, pf)
		out = append(out, found...)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (c queries) listAppointments(ctx context.Context, f billing.AppointmentFilter) ([]billing.Appointment, error) {
	var (
		where []string
		args  []any
	)
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		args = append(args, stringArgs(f.IDs)...)
	}
	if f.PayerID != "" {
		where = append(where, "payer_id = ?")
		args = append(args, f.PayerID)
	}
	if f.Period != nil {
		where = append(where, "date >= ? AND date <= ?")
		args = append(args, formatDate(f.Period.Start), formatDate(f.Period.End))
	}
	if f.BillingStatus != "" {
		where = append(where, "billing_status = ?")
		args = append(args, string(f.BillingStatus))
	}
	if f.PayoutStatus != "" {
		where = append(where, "payout_status = ?")
		args = append(args, string(f.PayoutStatus))
	}
	if f.RequireInterpreter {
		where = append(where, "interpreter_id IS NOT NULL AND interpreter_id != ''")
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date, id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateBillingStatus is the conditional claim: only rows still at from move.
// The returned count covers every chunk.
func (c queries) UpdateBillingStatus(ctx context.Context, ids []string, from, to billing.BillingStatus) (int64, error) {
	return c.flipStatus(ctx, "billing_status", ids, string(from), string(to))
}

func (c queries) UpdateAppointmentPayoutStatus(ctx context.Context, ids []string, from, to billing.AppointmentPayoutStatus) (int64, error) {
	return c.flipStatus(ctx, "payout_status", ids, string(from), string(to))
}

// column is one of the two guard columns, never user input.
func (c queries) flipStatus(ctx context.Context, column string, ids []string, from, to string) (int64, error) {
	var moved int64
	err := chunked(ids, func(part []string) error {
		args := append([]any{to, from}, stringArgs(part)...)
		res, err := c.q.ExecContext(ctx, `
			UPDATE appointments SET `+column+` = ?
			WHERE `+column+` = ? AND id IN (`+placeholders(len(part))+`)
		`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		moved += n
		return err
	})
	return moved, err
}

// =============================================================================
// NUMBERING
// =============================================================================

// NextSequence bumps the (prefix, year) counter row. Inside a transaction
// the row stays locked until commit, so two runs never read the same value.
func (c queries) NextSequence(ctx context.Context, prefix string, year int) (int, error) {
	var value int
	err := c.q.QueryRowContext(ctx, `
		INSERT INTO number_sequences (prefix, year, value) VALUES (?, ?, 1)
		ON CONFLICT(prefix, year) DO UPDATE SET value = value + 1
		RETURNING value
	`, prefix, year).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, invoice_number, payer_id, period_start, period_end,
	subtotal_cents, adjustments_cents, total_cents, status, notes,
	sent_at, due_date, paid_at, paid_amount_cents, created_at`

func scanInvoice(row rowScanner) (billing.Invoice, error) {
	var (
		inv                                billing.Invoice
		start, end, status, created        string
		subtotal, adjustments, total, paid int64
		notes, sentAt, dueDate, paidAt     sql.NullString
	)
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.PayerID, &start, &end,
		&subtotal, &adjustments, &total, &status, &notes,
		&sentAt, &dueDate, &paidAt, &paid, &created)
	if err != nil {
		return inv, err
	}
	inv.PeriodStart = parseDate(start)
	inv.PeriodEnd = parseDate(end)
	inv.Subtotal = billing.FromCents(subtotal)
	inv.Adjustments = billing.FromCents(adjustments)
	inv.Total = billing.FromCents(total)
	inv.Status = billing.InvoiceStatus(status)
	inv.Notes = notes.String
	inv.SentAt = timePtr(sentAt)
	inv.DueDate = timePtr(dueDate)
	inv.PaidAt = timePtr(paidAt)
	inv.PaidAmount = billing.FromCents(paid)
	inv.CreatedAt = parseTime(created)
	return inv, nil
}

func (c queries) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NotFound("invoice", id)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c queries) ListInvoices(ctx context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error) {
	var (
		where []string
		args  []any
	)
	if f.PayerID != "" {
		where = append(where, "payer_id = ?")
		args = append(args, f.PayerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY invoice_number"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (c queries) InsertInvoice(ctx context.Context, inv billing.Invoice, items []billing.LineItem) error {
	var m cents
	args := []any{
		inv.ID, inv.InvoiceNumber, inv.PayerID,
		formatDate(inv.PeriodStart), formatDate(inv.PeriodEnd),
		m.of(inv.Subtotal), m.of(inv.Adjustments), m.of(inv.Total),
		string(inv.Status), nullString(inv.Notes),
		nullTime(inv.SentAt), nullTime(inv.DueDate), nullTime(inv.PaidAt),
		m.of(inv.PaidAmount), formatTime(inv.CreatedAt),
	}
	if m.err != nil {
		return fmt.Errorf("invoice %s: %w", inv.InvoiceNumber, m.err)
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("invoice number %s: %w", inv.InvoiceNumber, billing.ErrConflict)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return c.insertLineItems(ctx, "invoice_line_items", "invoice_id", inv.ID, items)
}

func (c queries) UpdateInvoice(ctx context.Context, inv billing.Invoice, expected billing.InvoiceStatus) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE invoices
		SET status = ?, sent_at = ?, due_date = ?, paid_at = ?, notes = ?
		WHERE id = ? AND status = ?
	`,
		string(inv.Status), nullTime(inv.SentAt), nullTime(inv.DueDate), nullTime(inv.PaidAt),
		nullString(inv.Notes), inv.ID, string(expected),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return c.invoiceMismatch(ctx, inv.ID, fmt.Sprintf("expected %s", expected))
	}
	return nil
}

// ApplyInvoicePayment increments paid_amount_cents in SQL. SET expressions
// all see the pre-update row, so status and paid_at are decided on the same
// sum that gets stored.
func (c queries) ApplyInvoicePayment(ctx context.Context, p billing.Payment) (*billing.Invoice, error) {
	amount, err := billing.Cents(p.Amount)
	if err != nil {
		return nil, err
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE invoices SET
			paid_amount_cents = paid_amount_cents + ?1,
			status = CASE WHEN paid_amount_cents + ?1 >= total_cents THEN 'paid' ELSE 'partial' END,
			paid_at = CASE WHEN paid_amount_cents + ?1 >= total_cents THEN ?2 ELSE paid_at END
		WHERE id = ?3 AND status IN ('sent', 'partial')
	`, amount, formatTime(p.PaidAt), p.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("apply payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, c.invoiceMismatch(ctx, p.InvoiceID, "not accepting payments")
	}

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO invoice_payments (id, invoice_id, amount_cents, paid_at, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.InvoiceID, amount, formatTime(p.PaidAt), nullString(p.Notes), formatTime(p.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return c.GetInvoice(ctx, p.InvoiceID)
}

// invoiceMismatch explains why a conditional update touched no rows.
func (c queries) invoiceMismatch(ctx context.Context, id, want string) error {
	cur, err := c.GetInvoice(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("invoice %s is %s, %s: %w", id, cur.Status, want, billing.ErrConflict)
}

func (c queries) ListInvoicePayments(ctx context.Context, invoiceID string) ([]billing.Payment, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, invoice_id, amount_cents, paid_at, notes, created_at
		FROM invoice_payments WHERE invoice_id = ?
		ORDER BY created_at, id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Payment
	for rows.Next() {
		var (
			p               billing.Payment
			cents           int64
			paidAt, created string
			notes           sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.InvoiceID, &cents, &paidAt, &notes, &created); err != nil {
			return nil, err
		}
		p.Amount = billing.FromCents(cents)
		p.PaidAt = parseTime(paidAt)
		p.Notes = notes.String
		p.CreatedAt = parseTime(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c queries) ListInvoiceLineItems(ctx context.Context, invoiceID string) ([]billing.LineItem, error) {
	return c.listLineItems(ctx, "invoice_line_items", "invoice_id", invoiceID)
}

// =============================================================================
// PAYOUTS
// =============================================================================

const payoutColumns = `id, payout_number, interpreter_id, period_start, period_end,
	subtotal_cents, adjustments_cents, total_cents, status, scheduled_date,
	paid_at, payment_method, payment_reference, created_at`

func scanPayout(row rowScanner) (billing.Payout, error) {
	var (
		p                                    billing.Payout
		start, end, status, created          string
		subtotal, adjustments, total         int64
		scheduled, paidAt, method, reference sql.NullString
	)
	err := row.Scan(&p.ID, &p.PayoutNumber, &p.InterpreterID, &start, &end,
		&subtotal, &adjustments, &total, &status, &scheduled,
		&paidAt, &method, &reference, &created)
	if err != nil {
		return p, err
	}
	p.PeriodStart = parseDate(start)
	p.PeriodEnd = parseDate(end)
	p.Subtotal = billing.FromCents(subtotal)
	p.Adjustments = billing.FromCents(adjustments)
	p.Total = billing.FromCents(total)
	p.Status = billing.PayoutStatus(status)
	p.ScheduledDate = datePtr(scheduled)
	p.PaidAt = timePtr(paidAt)
	p.PaymentMethod = method.String
	p.PaymentReference = reference.String
	p.CreatedAt = parseTime(created)
	return p, nil
}

func (c queries) GetPayout(ctx context.Context, id string) (*billing.Payout, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = ?`, id)
	p, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NotFound("payout", id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c queries) ListPayouts(ctx context.Context, f billing.PayoutFilter) ([]billing.Payout, error) {
	var (
		where []string
		args  []any
	)
	if f.InterpreterID != "" {
		where = append(where, "interpreter_id = ?")
		args = append(args, f.InterpreterID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Period != nil {
		where = append(where, "period_end >= ? AND period_start <= ?")
		args = append(args, formatDate(f.Period.Start), formatDate(f.Period.End))
	}
	query := `SELECT ` + payoutColumns + ` FROM payouts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY payout_number"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c queries) InsertPayout(ctx context.Context, p billing.Payout, items []billing.LineItem) error {
	var m cents
	args := []any{
		p.ID, p.PayoutNumber, p.InterpreterID,
		formatDate(p.PeriodStart), formatDate(p.PeriodEnd),
		m.of(p.Subtotal), m.of(p.Adjustments), m.of(p.Total),
		string(p.Status), nullDate(p.ScheduledDate), nullTime(p.PaidAt),
		nullString(p.PaymentMethod), nullString(p.PaymentReference), formatTime(p.CreatedAt),
	}
	if m.err != nil {
		return fmt.Errorf("payout %s: %w", p.PayoutNumber, m.err)
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("payout number %s: %w", p.PayoutNumber, billing.ErrConflict)
		}
		return fmt.Errorf("insert payout: %w", err)
	}
	return c.insertLineItems(ctx, "payout_line_items", "payout_id", p.ID, items)
}

func (c queries) UpdatePayout(ctx context.Context, p billing.Payout, expected billing.PayoutStatus) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE payouts
		SET status = ?, scheduled_date = ?, paid_at = ?, payment_method = ?, payment_reference = ?
		WHERE id = ? AND status = ?
	`,
		string(p.Status), nullDate(p.ScheduledDate), nullTime(p.PaidAt),
		nullString(p.PaymentMethod), nullString(p.PaymentReference),
		p.ID, string(expected),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cur, err := c.GetPayout(ctx, p.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("payout %s is %s, expected %s: %w", p.ID, cur.Status, expected, billing.ErrConflict)
	}
	return nil
}

func (c queries) ListPayoutLineItems(ctx context.Context, payoutID string) ([]billing.LineItem, error) {
	return c.listLineItems(ctx, "payout_line_items", "payout_id", payoutID)
}

// =============================================================================
// LINE ITEMS - Shared by both tables
// =============================================================================

const lineItemColumns = `id, appointment_id, service_date, description,
	service_hours, service_rate, service_amount_cents,
	mileage, mileage_rate, mileage_amount_cents,
	adjustment_type, adjustment_amount_cents, line_total_cents`

// table and parentColumn are package constants, never user input.
func (c queries) insertLineItems(ctx context.Context, table, parentColumn, parentID string, items []billing.LineItem) error {
	query := `INSERT INTO ` + table + ` (` + parentColumn + `, position, ` + lineItemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for i, li := range items {
		var m cents
		args := []any{
			parentID, i, li.ID, li.AppointmentID, formatDate(li.ServiceDate), li.Description,
			decimalText(li.ServiceHours), decimalText(li.ServiceRate), m.of(li.ServiceAmount),
			decimalText(li.Mileage), decimalText(li.MileageRate), m.of(li.MileageAmount),
			nullString(string(li.AdjustmentType)), m.of(li.AdjustmentAmount), m.of(li.LineTotal),
		}
		if m.err != nil {
			return fmt.Errorf("%s for appointment %s: %w", table, li.AppointmentID, m.err)
		}
		_, err := c.q.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert %s for appointment %s: %w", table, li.AppointmentID, err)
		}
	}
	return nil
}

func (c queries) listLineItems(ctx context.Context, table, parentColumn, parentID string) ([]billing.LineItem, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+lineItemColumns+` FROM `+table+`
		WHERE `+parentColumn+` = ?
		ORDER BY position
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.LineItem
	for rows.Next() {
		var (
			li                           billing.LineItem
			date                         string
			hours, rate, miles, mileRate string
			service, mileage, adj, total int64
			adjType                      sql.NullString
		)
		if err := rows.Scan(&li.ID, &li.AppointmentID, &date, &li.Description,
			&hours, &rate, &service, &miles, &mileRate, &mileage,
			&adjType, &adj, &total); err != nil {
			return nil, err
		}
		li.ParentID = parentID
		li.ServiceDate = parseDate(date)
		li.ServiceHours = parseDecimal(hours)
		li.ServiceRate = parseDecimal(rate)
		li.ServiceAmount = billing.FromCents(service)
		li.Mileage = parseDecimal(miles)
		li.MileageRate = parseDecimal(mileRate)
		li.MileageAmount = billing.FromCents(mileage)
		li.AdjustmentType = billing.AdjustmentType(adjType.String)
		li.AdjustmentAmount = billing.FromCents(adj)
		li.LineTotal = billing.FromCents(total)
		out = append(out, li)
	}
	return out, rows.Err()
}
