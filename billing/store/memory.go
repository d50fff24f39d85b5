// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps. WithTx works on a copy of the state and
// swaps it in on success, so a failed fn leaves nothing behind.
type Memory struct {
	mu    sync.RWMutex
	state *state
}

type seqKey struct {
	prefix string
	year   int
}

type state struct {
	payers           map[string]billing.Payer
	languageRates    map[string]billing.PayerLanguageRate
	interpreters     map[string]billing.Interpreter
	interpreterRates map[string]billing.InterpreterRate
	appointments     map[string]billing.Appointment
	invoices         map[string]billing.Invoice
	invoiceItems     map[string][]billing.LineItem
	payments         map[string][]billing.Payment
	payouts          map[string]billing.Payout
	payoutItems      map[string][]billing.LineItem
	sequences        map[seqKey]int
}

func NewMemory() *Memory {
	return &Memory{state: &state{
		payers:           make(map[string]billing.Payer),
		languageRates:    make(map[string]billing.PayerLanguageRate),
		interpreters:     make(map[string]billing.Interpreter),
		interpreterRates: make(map[string]billing.InterpreterRate),
		appointments:     make(map[string]billing.Appointment),
		invoices:         make(map[string]billing.Invoice),
		invoiceItems:     make(map[string][]billing.LineItem),
		payments:         make(map[string][]billing.Payment),
		payouts:          make(map[string]billing.Payout),
		payoutItems:      make(map[string][]billing.LineItem),
		sequences:        make(map[seqKey]int),
	}}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlices[K comparable, V any](m map[K][]V) map[K][]V {
	out := make(map[K][]V, len(m))
	for k, v := range m {
		out[k] = append([]V(nil), v...)
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		payers:           cloneMap(s.payers),
		languageRates:    cloneMap(s.languageRates),
		interpreters:     cloneMap(s.interpreters),
		interpreterRates: cloneMap(s.interpreterRates),
		appointments:     cloneMap(s.appointments),
		invoices:         cloneMap(s.invoices),
		invoiceItems:     cloneSlices(s.invoiceItems),
		payments:         cloneSlices(s.payments),
		payouts:          cloneMap(s.payouts),
		payoutItems:      cloneSlices(s.payoutItems),
		sequences:        cloneMap(s.sequences),
	}
}

// WithTx executes fn against a private copy of the state. Writers are
// serialized; the copy replaces the live state only if fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	draft := m.state.clone()
	if err := fn(draft); err != nil {
		return err
	}
	m.state = draft
	return nil
}

func (m *Memory) read() *state {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// =============================================================================
// SEEDING - Collaborator-owned records
// =============================================================================

func (m *Memory) SavePayer(p billing.Payer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = m.state.clone()
	m.state.payers[p.ID] = p
}

func (m *Memory) SaveLanguageRate(r billing.PayerLanguageRate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = m.state.clone()
	m.state.languageRates[r.ID] = r
}

func (m *Memory) SaveInterpreter(i billing.Interpreter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = m.state.clone()
	m.state.interpreters[i.ID] = i
}

func (m *Memory) SaveInterpreterRate(r billing.InterpreterRate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = m.state.clone()
	m.state.interpreterRates[r.ID] = r
}

func (m *Memory) SaveAppointment(a billing.Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = m.state.clone()
	if a.BillingStatus == "" {
		a.BillingStatus = billing.BillingPending
	}
	if a.PayoutStatus == "" {
		a.PayoutStatus = billing.PayoutPending
	}
	m.state.appointments[a.ID] = a
}

// =============================================================================
// READER - Locked delegation to the current state
// =============================================================================

// The live state is never mutated in place (writes swap in a new copy), so
// a snapshot taken under RLock stays consistent after the lock is released.

func (m *Memory) GetPayer(ctx context.Context, id string) (*billing.Payer, error) {
	return m.read().GetPayer(ctx, id)
}

func (m *Memory) ListPayerLanguageRates(ctx context.Context, payerIDs []string) ([]billing.PayerLanguageRate, error) {
	return m.read().ListPayerLanguageRates(ctx, payerIDs)
}

func (m *Memory) GetInterpreter(ctx context.Context, id string) (*billing.Interpreter, error) {
	return m.read().GetInterpreter(ctx, id)
}

func (m *Memory) ListInterpreters(ctx context.Context, ids []string) ([]billing.Interpreter, error) {
	return m.read().ListInterpreters(ctx, ids)
}

func (m *Memory) ListCurrentInterpreterRates(ctx context.Context, ids []string) ([]billing.InterpreterRate, error) {
	return m.read().ListCurrentInterpreterRates(ctx, ids)
}

func (m *Memory) GetAppointment(ctx context.Context, id string) (*billing.Appointment, error) {
	return m.read().GetAppointment(ctx, id)
}

func (m *Memory) ListAppointments(ctx context.Context, f billing.AppointmentFilter) ([]billing.Appointment, error) {
	return m.read().ListAppointments(ctx, f)
}

func (m *Memory) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	return m.read().GetInvoice(ctx, id)
}

func (m *Memory) ListInvoices(ctx context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error) {
	return m.read().ListInvoices(ctx, f)
}

func (m *Memory) ListInvoiceLineItems(ctx context.Context, invoiceID string) ([]billing.LineItem, error) {
	return m.read().ListInvoiceLineItems(ctx, invoiceID)
}

func (m *Memory) ListInvoicePayments(ctx context.Context, invoiceID string) ([]billing.Payment, error) {
	return m.read().ListInvoicePayments(ctx, invoiceID)
}

func (m *Memory) GetPayout(ctx context.Context, id string) (*billing.Payout, error) {
	return m.read().GetPayout(ctx, id)
}

func (m *Memory) ListPayouts(ctx context.Context, f billing.PayoutFilter) ([]billing.Payout, error) {
	return m.read().ListPayouts(ctx, f)
}

func (m *Memory) ListPayoutLineItems(ctx context.Context, payoutID string) ([]billing.LineItem, error) {
	return m.read().ListPayoutLineItems(ctx, payoutID)
}

// =============================================================================
// STATE - billing.Tx implementation
// =============================================================================

func (s *state) GetPayer(_ context.Context, id string) (*billing.Payer, error) {
	p, ok := s.payers[id]
	if !ok {
		return nil, billing.NotFound("payer", id)
	}
	return &p, nil
}

func (s *state) ListPayerLanguageRates(_ context.Context, payerIDs []string) ([]billing.PayerLanguageRate, error) {
	want := toSet(payerIDs)
	var out []billing.PayerLanguageRate
	for _, r := range s.languageRates {
		if r.IsActive && want[r.PayerID] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) GetInterpreter(_ context.Context, id string) (*billing.Interpreter, error) {
	i, ok := s.interpreters[id]
	if !ok {
		return nil, billing.NotFound("interpreter", id)
	}
	return &i, nil
}

func (s *state) ListInterpreters(_ context.Context, ids []string) ([]billing.Interpreter, error) {
	var out []billing.Interpreter
	for _, id := range ids {
		if i, ok := s.interpreters[id]; ok {
			out = append(out, i)
		}
	}
	return out, nil
}

func (s *state) ListCurrentInterpreterRates(_ context.Context, ids []string) ([]billing.InterpreterRate, error) {
	want := toSet(ids)
	var out []billing.InterpreterRate
	for _, r := range s.interpreterRates {
		if r.EndDate == nil && want[r.InterpreterID] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InterpreterID < out[j].InterpreterID })
	return out, nil
}

func (s *state) GetAppointment(_ context.Context, id string) (*billing.Appointment, error) {
	a, ok := s.appointments[id]
	if !ok {
		return nil, billing.NotFound("appointment", id)
	}
	return &a, nil
}

func (s *state) ListAppointments(_ context.Context, f billing.AppointmentFilter) ([]billing.Appointment, error) {
	ids := toSet(f.IDs)
	var out []billing.Appointment
	for _, a := range s.appointments {
		switch {
		case len(f.IDs) > 0 && !ids[a.ID]:
		case f.PayerID != "" && a.PayerID != f.PayerID:
		case f.Period != nil && !f.Period.Contains(a.Date):
		case f.BillingStatus != "" && a.BillingStatus != f.BillingStatus:
		case f.PayoutStatus != "" && a.PayoutStatus != f.PayoutStatus:
		case f.RequireInterpreter && a.InterpreterID == "":
		default:
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) GetInvoice(_ context.Context, id string) (*billing.Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return nil, billing.NotFound("invoice", id)
	}
	return &inv, nil
}

func (s *state) ListInvoices(_ context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error) {
	var out []billing.Invoice
	for _, inv := range s.invoices {
		if f.PayerID != "" && inv.PayerID != f.PayerID {
			continue
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvoiceNumber < out[j].InvoiceNumber })
	return out, nil
}

func (s *state) ListInvoiceLineItems(_ context.Context, invoiceID string) ([]billing.LineItem, error) {
	return append([]billing.LineItem(nil), s.invoiceItems[invoiceID]...), nil
}

func (s *state) ListInvoicePayments(_ context.Context, invoiceID string) ([]billing.Payment, error) {
	return append([]billing.Payment(nil), s.payments[invoiceID]...), nil
}

func (s *state) GetPayout(_ context.Context, id string) (*billing.Payout, error) {
	p, ok := s.payouts[id]
	if !ok {
		return nil, billing.NotFound("payout", id)
	}
	return &p, nil
}

func (s *state) ListPayouts(_ context.Context, f billing.PayoutFilter) ([]billing.Payout, error) {
	var out []billing.Payout
	for _, p := range s.payouts {
		if f.InterpreterID != "" && p.InterpreterID != f.InterpreterID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Period != nil && (p.PeriodEnd.Before(f.Period.Start) || p.PeriodStart.After(f.Period.End)) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PayoutNumber < out[j].PayoutNumber })
	return out, nil
}

func (s *state) ListPayoutLineItems(_ context.Context, payoutID string) ([]billing.LineItem, error) {
	return append([]billing.LineItem(nil), s.payoutItems[payoutID]...), nil
}

func (s *state) NextSequence(_ context.Context, prefix string, year int) (int, error) {
	k := seqKey{prefix: prefix, year: year}
	s.sequences[k]++
	return s.sequences[k], nil
}

func (s *state) InsertInvoice(_ context.Context, inv billing.Invoice, items []billing.LineItem) error {
	for _, existing := range s.invoices {
		if existing.InvoiceNumber == inv.InvoiceNumber {
			return fmt.Errorf("invoice number %s: %w", inv.InvoiceNumber, billing.ErrConflict)
		}
	}
	s.invoices[inv.ID] = inv
	s.invoiceItems[inv.ID] = append([]billing.LineItem(nil), items...)
	return nil
}

func (s *state) InsertPayout(_ context.Context, p billing.Payout, items []billing.LineItem) error {
	for _, existing := range s.payouts {
		if existing.PayoutNumber == p.PayoutNumber {
			return fmt.Errorf("payout number %s: %w", p.PayoutNumber, billing.ErrConflict)
		}
	}
	s.payouts[p.ID] = p
	s.payoutItems[p.ID] = append([]billing.LineItem(nil), items...)
	return nil
}

func (s *state) UpdateBillingStatus(_ context.Context, ids []string, from, to billing.BillingStatus) (int64, error) {
	var moved int64
	for _, id := range ids {
		a, ok := s.appointments[id]
		if !ok || a.BillingStatus != from {
			continue
		}
		a.BillingStatus = to
		s.appointments[id] = a
		moved++
	}
	return moved, nil
}

func (s *state) UpdateAppointmentPayoutStatus(_ context.Context, ids []string, from, to billing.AppointmentPayoutStatus) (int64, error) {
	var moved int64
	for _, id := range ids {
		a, ok := s.appointments[id]
		if !ok || a.PayoutStatus != from {
			continue
		}
		a.PayoutStatus = to
		s.appointments[id] = a
		moved++
	}
	return moved, nil
}

func (s *state) UpdateInvoice(_ context.Context, inv billing.Invoice, expected billing.InvoiceStatus) error {
	cur, ok := s.invoices[inv.ID]
	if !ok {
		return billing.NotFound("invoice", inv.ID)
	}
	if cur.Status != expected {
		return fmt.Errorf("invoice %s is %s, expected %s: %w", inv.ID, cur.Status, expected, billing.ErrConflict)
	}
	cur.Status = inv.Status
	cur.SentAt = inv.SentAt
	cur.DueDate = inv.DueDate
	cur.PaidAt = inv.PaidAt
	cur.Notes = inv.Notes
	s.invoices[inv.ID] = cur
	return nil
}

func (s *state) ApplyInvoicePayment(_ context.Context, p billing.Payment) (*billing.Invoice, error) {
	inv, ok := s.invoices[p.InvoiceID]
	if !ok {
		return nil, billing.NotFound("invoice", p.InvoiceID)
	}
	if inv.Status != billing.InvoiceSent && inv.Status != billing.InvoicePartial {
		return nil, fmt.Errorf("invoice %s is %s: %w", inv.ID, inv.Status, billing.ErrConflict)
	}
	inv.PaidAmount = inv.PaidAmount.Add(p.Amount)
	if inv.PaidAmount.GreaterThanOrEqual(inv.Total) {
		inv.Status = billing.InvoicePaid
		paidAt := p.PaidAt
		inv.PaidAt = &paidAt
	} else {
		inv.Status = billing.InvoicePartial
	}
	s.invoices[inv.ID] = inv
	s.payments[inv.ID] = append(s.payments[inv.ID], p)
	return &inv, nil
}

func (s *state) UpdatePayout(_ context.Context, p billing.Payout, expected billing.PayoutStatus) error {
	cur, ok := s.payouts[p.ID]
	if !ok {
		return billing.NotFound("payout", p.ID)
	}
	if cur.Status != expected {
		return fmt.Errorf("payout %s is %s, expected %s: %w", p.ID, cur.Status, expected, billing.ErrConflict)
	}
	cur.Status = p.Status
	cur.PaidAt = p.PaidAt
	cur.PaymentMethod = p.PaymentMethod
	cur.PaymentReference = p.PaymentReference
	cur.ScheduledDate = p.ScheduledDate
	s.payouts[p.ID] = cur
	return nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
