package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/warp/billing-engine/billing"
)

// fixtureFile is the on-disk YAML structure for seed data. Amounts are
// strings so values like 0.655 keep their exact precision.
type fixtureFile struct {
	Payers       []payerFixture       `yaml:"payers"`
	Interpreters []interpreterFixture `yaml:"interpreters"`
	Appointments []appointmentFixture `yaml:"appointments"`
}

type payerFixture struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	HourlyRate       string            `yaml:"hourly_rate"`
	MileageRate      string            `yaml:"mileage_rate"`
	MinimumHours     string            `yaml:"minimum_hours"`
	LateCancelFee    string            `yaml:"late_cancel_fee"`
	NoShowFee        string            `yaml:"no_show_fee"`
	PaymentTermsDays *int              `yaml:"payment_terms_days"`
	Inactive         bool              `yaml:"inactive"`
	Languages        []languageFixture `yaml:"languages"`
}

type languageFixture struct {
	Language     string `yaml:"language"`
	HourlyRate   string `yaml:"hourly_rate"`
	MinimumHours string `yaml:"minimum_hours"`
}

type interpreterFixture struct {
	ID    string       `yaml:"id"`
	Name  string       `yaml:"name"`
	Email string       `yaml:"email"`
	Rate  *rateFixture `yaml:"rate"`
}

type rateFixture struct {
	HourlyRate    string `yaml:"hourly_rate"`
	MileageRate   string `yaml:"mileage_rate"`
	MinimumHours  string `yaml:"minimum_hours"`
	LateCancelFee string `yaml:"late_cancel_fee"`
	NoShowFee     string `yaml:"no_show_fee"`
	EffectiveDate string `yaml:"effective_date"`
}

type appointmentFixture struct {
	ID                string `yaml:"id"`
	Date              string `yaml:"date"`
	Status            string `yaml:"status"`
	DurationMinutes   *int   `yaml:"duration_minutes"`
	Miles             string `yaml:"miles"`
	MileageApproved   bool   `yaml:"mileage_approved"`
	ProjectedDuration string `yaml:"projected_duration"`
	Language          string `yaml:"language"`
	Payer             string `yaml:"payer"`
	Interpreter       string `yaml:"interpreter"`
	Patient           string `yaml:"patient"`
	Facility          string `yaml:"facility"`
}

// seedData is a parsed fixture file ready to be written.
type seedData struct {
	Payers           []billing.Payer
	LanguageRates    []billing.PayerLanguageRate
	Interpreters     []billing.Interpreter
	InterpreterRates []billing.InterpreterRate
	Appointments     []billing.Appointment
}

// seedWriter is the subset of the store seed needs.
type seedWriter interface {
	SavePayer(ctx context.Context, p billing.Payer) error
	SaveLanguageRate(ctx context.Context, r billing.PayerLanguageRate) error
	SaveInterpreter(ctx context.Context, i billing.Interpreter) error
	SaveInterpreterRate(ctx context.Context, r billing.InterpreterRate) error
	SaveAppointment(ctx context.Context, a billing.Appointment) error
}

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load payers, interpreters, rates and appointments from a YAML file",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "Path to the YAML fixture file (required)")
	_ = seedCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	log := setupLogger()
	mustValidate(log, cfg.Validate)

	f, err := os.Open(seedFile)
	if err != nil {
		log.Error().Err(err).Msg("read seed file")
		os.Exit(exitUsageError)
	}
	data, err := parseFixtures(f)
	f.Close()
	if err != nil {
		log.Error().Err(err).Str("file", seedFile).Msg("invalid seed file")
		os.Exit(exitValidationError)
	}

	store := openStore(log)
	defer store.Close()

	if err := writeSeed(context.Background(), store, data); err != nil {
		log.Error().Err(err).Msg("seed failed")
		store.Close()
		os.Exit(exitFor(err))
	}

	log.Info().
		Int("payers", len(data.Payers)).
		Int("interpreters", len(data.Interpreters)).
		Int("appointments", len(data.Appointments)).
		Msg("seed loaded")
	return nil
}

func parseFixtures(r io.Reader) (*seedData, error) {
	var ff fixtureFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&ff); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	p := &fixtureParser{}
	out := &seedData{}
	for _, pf := range ff.Payers {
		payer := billing.Payer{
			ID:                 pf.ID,
			Name:               pf.Name,
			DefaultHourlyRate:  p.amount(pf.ID, "hourly_rate", pf.HourlyRate),
			DefaultMileageRate: p.amount(pf.ID, "mileage_rate", pf.MileageRate),
			MinimumHours:       p.amount(pf.ID, "minimum_hours", pf.MinimumHours),
			LateCancelFee:      p.amount(pf.ID, "late_cancel_fee", pf.LateCancelFee),
			NoShowFee:          p.amount(pf.ID, "no_show_fee", pf.NoShowFee),
			PaymentTermsDays:   pf.PaymentTermsDays,
			IsActive:           !pf.Inactive,
		}
		out.Payers = append(out.Payers, payer)
		for _, lf := range pf.Languages {
			lr := billing.PayerLanguageRate{
				ID:         pf.ID + ":" + lf.Language,
				PayerID:    pf.ID,
				Language:   lf.Language,
				HourlyRate: p.amount(pf.ID, "languages.hourly_rate", lf.HourlyRate),
				IsActive:   true,
			}
			if lf.MinimumHours != "" {
				m := p.amount(pf.ID, "languages.minimum_hours", lf.MinimumHours)
				lr.MinimumHours = &m
			}
			out.LanguageRates = append(out.LanguageRates, lr)
		}
	}

	for _, inf := range ff.Interpreters {
		out.Interpreters = append(out.Interpreters, billing.Interpreter{ID: inf.ID, Name: inf.Name, Email: inf.Email})
		if inf.Rate == nil {
			continue
		}
		rf := inf.Rate
		out.InterpreterRates = append(out.InterpreterRates, billing.InterpreterRate{
			ID:            inf.ID + ":" + rf.EffectiveDate,
			InterpreterID: inf.ID,
			HourlyRate:    p.amount(inf.ID, "rate.hourly_rate", rf.HourlyRate),
			MileageRate:   p.amount(inf.ID, "rate.mileage_rate", rf.MileageRate),
			MinimumHours:  p.amount(inf.ID, "rate.minimum_hours", rf.MinimumHours),
			LateCancelFee: p.amount(inf.ID, "rate.late_cancel_fee", rf.LateCancelFee),
			NoShowFee:     p.amount(inf.ID, "rate.no_show_fee", rf.NoShowFee),
			EffectiveDate: p.date(inf.ID, "rate.effective_date", rf.EffectiveDate),
		})
	}

	for _, af := range ff.Appointments {
		out.Appointments = append(out.Appointments, billing.Appointment{
			ID:                    af.ID,
			Date:                  p.date(af.ID, "date", af.Date),
			Status:                billing.AppointmentStatus(af.Status),
			ActualDurationMinutes: af.DurationMinutes,
			ActualMiles:           af.Miles,
			MileageApproved:       af.MileageApproved,
			ProjectedDuration:     af.ProjectedDuration,
			Language:              af.Language,
			PayerID:               af.Payer,
			InterpreterID:         af.Interpreter,
			PatientName:           af.Patient,
			FacilityName:          af.Facility,
		})
	}

	if p.err != nil {
		return nil, p.err
	}
	return out, nil
}

// fixtureParser keeps the first conversion error.
type fixtureParser struct {
	err error
}

func (p *fixtureParser) amount(id, field, s string) decimal.Decimal {
	d, err := billing.ParseMoney(s)
	if err != nil && p.err == nil {
		p.err = billing.Invalid(field, fmt.Sprintf("%s: %q is not a decimal", id, s))
	}
	return d
}

func (p *fixtureParser) date(id, field, s string) time.Time {
	t, err := time.Parse(billing.DateLayout, s)
	if err != nil && p.err == nil {
		p.err = billing.Invalid(field, fmt.Sprintf("%s: %q is not YYYY-MM-DD", id, s))
	}
	return t
}

func writeSeed(ctx context.Context, w seedWriter, data *seedData) error {
	for _, p := range data.Payers {
		if err := w.SavePayer(ctx, p); err != nil {
			return fmt.Errorf("payer %s: %w", p.ID, err)
		}
	}
	for _, r := range data.LanguageRates {
		if err := w.SaveLanguageRate(ctx, r); err != nil {
			return fmt.Errorf("language rate %s: %w", r.ID, err)
		}
	}
	for _, i := range data.Interpreters {
		if err := w.SaveInterpreter(ctx, i); err != nil {
			return fmt.Errorf("interpreter %s: %w", i.ID, err)
		}
	}
	for _, r := range data.InterpreterRates {
		if err := w.SaveInterpreterRate(ctx, r); err != nil {
			return fmt.Errorf("interpreter rate %s: %w", r.ID, err)
		}
	}
	for _, a := range data.Appointments {
		if err := w.SaveAppointment(ctx, a); err != nil {
			return fmt.Errorf("appointment %s: %w", a.ID, err)
		}
	}
	return nil
}
