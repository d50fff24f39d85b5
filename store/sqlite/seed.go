package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// COLLABORATOR RECORDS - Written by scheduling/admin, read by the engine
// =============================================================================

// SavePayer creates or updates a payer.
func (s *Store) SavePayer(ctx context.Context, p billing.Payer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payers (id, name, default_hourly_rate, default_mileage_rate, minimum_hours,
			late_cancel_fee, no_show_fee, payment_terms_days, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			default_hourly_rate = excluded.default_hourly_rate,
			default_mileage_rate = excluded.default_mileage_rate,
			minimum_hours = excluded.minimum_hours,
			late_cancel_fee = excluded.late_cancel_fee,
			no_show_fee = excluded.no_show_fee,
			payment_terms_days = excluded.payment_terms_days,
			is_active = excluded.is_active
	`,
		p.ID, p.Name, decimalText(p.DefaultHourlyRate), decimalText(p.DefaultMileageRate),
		decimalText(p.MinimumHours), decimalText(p.LateCancelFee), decimalText(p.NoShowFee),
		nullInt(p.PaymentTermsDays), p.IsActive,
	)
	return err
}

// SaveLanguageRate creates or updates a language override. Saving a second
// active row for the same (payer, language) fails with ErrConflict.
func (s *Store) SaveLanguageRate(ctx context.Context, r billing.PayerLanguageRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var minHours sql.NullString
	if r.MinimumHours != nil {
		minHours = sql.NullString{String: decimalText(*r.MinimumHours), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payer_language_rates (id, payer_id, language, hourly_rate, minimum_hours, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payer_id = excluded.payer_id,
			language = excluded.language,
			hourly_rate = excluded.hourly_rate,
			minimum_hours = excluded.minimum_hours,
			is_active = excluded.is_active
	`, r.ID, r.PayerID, r.Language, decimalText(r.HourlyRate), minHours, r.IsActive)
	return conflictOr(err, "language rate "+r.PayerID+"/"+r.Language)
}

// SaveInterpreter creates or updates an interpreter.
func (s *Store) SaveInterpreter(ctx context.Context, i billing.Interpreter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interpreters (id, name, email) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email
	`, i.ID, i.Name, nullString(i.Email))
	return err
}

// SaveInterpreterRate creates or updates a rate version. Saving a second
// current row (nil EndDate) for one interpreter fails with ErrConflict.
func (s *Store) SaveInterpreterRate(ctx context.Context, r billing.InterpreterRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interpreter_rates (id, interpreter_id, hourly_rate, mileage_rate, minimum_hours,
			late_cancel_fee, no_show_fee, effective_date, end_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hourly_rate = excluded.hourly_rate,
			mileage_rate = excluded.mileage_rate,
			minimum_hours = excluded.minimum_hours,
			late_cancel_fee = excluded.late_cancel_fee,
			no_show_fee = excluded.no_show_fee,
			effective_date = excluded.effective_date,
			end_date = excluded.end_date
	`,
		r.ID, r.InterpreterID, decimalText(r.HourlyRate), decimalText(r.MileageRate),
		decimalText(r.MinimumHours), decimalText(r.LateCancelFee), decimalText(r.NoShowFee),
		formatDate(r.EffectiveDate), nullDate(r.EndDate),
	)
	return conflictOr(err, "current rate for interpreter "+r.InterpreterID)
}

// SaveAppointment creates or updates an appointment. On update the billing
// and payout guards are left alone; only the engine moves them.
func (s *Store) SaveAppointment(ctx context.Context, a billing.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.BillingStatus == "" {
		a.BillingStatus = billing.BillingPending
	}
	if a.PayoutStatus == "" {
		a.PayoutStatus = billing.PayoutPending
	}
	var minutes sql.NullInt64
	if a.ActualDurationMinutes != nil {
		minutes = sql.NullInt64{Int64: int64(*a.ActualDurationMinutes), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			date = excluded.date,
			status = excluded.status,
			actual_duration_minutes = excluded.actual_duration_minutes,
			actual_miles = excluded.actual_miles,
			mileage_approved = excluded.mileage_approved,
			projected_duration = excluded.projected_duration,
			language = excluded.language,
			payer_id = excluded.payer_id,
			interpreter_id = excluded.interpreter_id,
			patient_name = excluded.patient_name,
			facility_name = excluded.facility_name
	`,
		a.ID, formatDate(a.Date), string(a.Status), minutes, nullString(a.ActualMiles),
		a.MileageApproved, nullString(a.ProjectedDuration), nullString(a.Language),
		nullString(a.PayerID), nullString(a.InterpreterID),
		nullString(a.PatientName), nullString(a.FacilityName),
		string(a.BillingStatus), string(a.PayoutStatus),
	)
	return err
}

func conflictOr(err error, what string) error {
	if err != nil && isUniqueConstraintError(err) {
		return fmt.Errorf("%s: %w", what, billing.ErrConflict)
	}
	return err
}
