package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RATE CARD - The tuple both pricing paths consume
// =============================================================================

// RateCard is the resolved pricing for one side of an appointment: the payer
// (revenue) or the interpreter (cost).
type RateCard struct {
	HourlyRate    decimal.Decimal
	MileageRate   decimal.Decimal
	MinimumHours  decimal.Decimal
	LateCancelFee decimal.Decimal
	NoShowFee     decimal.Decimal
}

// PayerCard builds a card from payer defaults.
func PayerCard(p Payer) RateCard {
	return RateCard{
		HourlyRate:    p.DefaultHourlyRate,
		MileageRate:   p.DefaultMileageRate,
		MinimumHours:  p.MinimumHours,
		LateCancelFee: p.LateCancelFee,
		NoShowFee:     p.NoShowFee,
	}
}

// WithLanguage applies a language override. Minimum hours only change when
// the override row carries its own.
func (c RateCard) WithLanguage(o PayerLanguageRate) RateCard {
	c.HourlyRate = o.HourlyRate
	if o.MinimumHours != nil {
		c.MinimumHours = *o.MinimumHours
	}
	return c
}

// InterpreterCard builds a card from an interpreter's current rate row.
func InterpreterCard(r InterpreterRate) RateCard {
	return RateCard{
		HourlyRate:    r.HourlyRate,
		MileageRate:   r.MileageRate,
		MinimumHours:  r.MinimumHours,
		LateCancelFee: r.LateCancelFee,
		NoShowFee:     r.NoShowFee,
	}
}

// =============================================================================
// WARNINGS - Advisory, never fatal
// =============================================================================

const (
	WarnNoPayer = "no payer assigned"
	WarnNoRate  = "no rate configured"
)

// Warning reports a calculation that proceeded with zero-valued rates.
type Warning struct {
	AppointmentID string `json:"appointmentId,omitempty"`
	PayerID       string `json:"payerId,omitempty"`
	InterpreterID string `json:"interpreterId,omitempty"`
	Message       string `json:"message"`
}

// =============================================================================
// RATE RESOLVER
// =============================================================================

// RateResolver resolves rate cards and memoizes every lookup for the life of
// one run. Language overrides are fetched once per payer, not per appointment.
type RateResolver struct {
	reader Reader

	payers    map[string]*Payer                       // nil entry = known missing
	overrides map[string]map[string]PayerLanguageRate // payer -> language key
	rates     map[string]*InterpreterRate             // nil entry = no current rate
}

func NewRateResolver(r Reader) *RateResolver {
	return &RateResolver{
		reader:    r,
		payers:    make(map[string]*Payer),
		overrides: make(map[string]map[string]PayerLanguageRate),
		rates:     make(map[string]*InterpreterRate),
	}
}

func languageKey(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}

// PreloadPayers fetches payers and all their active language overrides in
// one override query.
func (rr *RateResolver) PreloadPayers(ctx context.Context, payerIDs []string) error {
	var missing []string
	for _, id := range payerIDs {
		if id == "" {
			continue
		}
		if _, ok := rr.payers[id]; ok {
			continue
		}
		p, err := rr.reader.GetPayer(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		rr.payers[id] = p
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return nil
	}

	rows, err := rr.reader.ListPayerLanguageRates(ctx, missing)
	if err != nil {
		return err
	}
	for _, id := range missing {
		rr.overrides[id] = make(map[string]PayerLanguageRate)
	}
	for _, row := range rows {
		if !row.IsActive {
			continue
		}
		rr.overrides[row.PayerID][languageKey(row.Language)] = row
	}
	return nil
}

// PreloadInterpreters fetches current rate rows for all given interpreters.
func (rr *RateResolver) PreloadInterpreters(ctx context.Context, interpreterIDs []string) error {
	var missing []string
	for _, id := range interpreterIDs {
		if id == "" {
			continue
		}
		if _, ok := rr.rates[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	rows, err := rr.reader.ListCurrentInterpreterRates(ctx, missing)
	if err != nil {
		return err
	}
	for _, id := range missing {
		rr.rates[id] = nil
	}
	for i := range rows {
		row := rows[i]
		rr.rates[row.InterpreterID] = &row
	}
	return nil
}

// Payer returns the payer record, or nil if it doesn't exist.
func (rr *RateResolver) Payer(ctx context.Context, payerID string) (*Payer, error) {
	if payerID == "" {
		return nil, nil
	}
	if err := rr.PreloadPayers(ctx, []string{payerID}); err != nil {
		return nil, err
	}
	return rr.payers[payerID], nil
}

// ForPayer resolves the payer-side card. ok is false when there is no payer,
// in which case the card is all zeros.
func (rr *RateResolver) ForPayer(ctx context.Context, payerID, language string) (card RateCard, ok bool, err error) {
	p, err := rr.Payer(ctx, payerID)
	if err != nil || p == nil {
		return RateCard{}, false, err
	}
	card = PayerCard(*p)
	if language != "" {
		if o, found := rr.overrides[payerID][languageKey(language)]; found {
			card = card.WithLanguage(o)
		}
	}
	return card, true, nil
}

// ForInterpreter resolves the interpreter-side card from the current rate
// row. ok is false when no current row exists.
func (rr *RateResolver) ForInterpreter(ctx context.Context, interpreterID string) (card RateCard, ok bool, err error) {
	if interpreterID == "" {
		return RateCard{}, false, nil
	}
	if err := rr.PreloadInterpreters(ctx, []string{interpreterID}); err != nil {
		return RateCard{}, false, err
	}
	r := rr.rates[interpreterID]
	if r == nil {
		return RateCard{}, false, nil
	}
	return InterpreterCard(*r), true, nil
}
