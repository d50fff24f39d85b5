/*
store.go - Persistence interface for the billing engine

PURPOSE:
  Defines the interface between the engine and the database. The engine
  reads appointments and rate configuration owned by other subsystems and
  writes invoices, payouts, payments and the two appointment guard fields.

KEY INTERFACES:
  Reader: Everything the engine reads
  Writer: Everything the engine writes (only reachable inside WithTx)
  Tx:     Reader + Writer bound to one database transaction
  Store:  Reader + WithTx

ATOMICITY:
  Every generation run and every lifecycle transition runs inside a single
  WithTx call. If fn returns an error the transaction is rolled back and
  nothing it wrote is visible: no half-invoiced appointment, no orphan
  header, no consumed sequence number.

CONDITIONAL WRITES:
  Writers that move a status take the expected prior status and report how
  many rows actually moved. Callers compare that count with what they
  selected to detect a concurrent caller.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - billing/store/memory.go: In-memory for testing

SEE ALSO:
  - generator.go, lifecycle.go: The callers
*/
package billing

import (
	"context"
	"time"
)

// AppointmentFilter selects appointments. Zero-valued fields don't filter.
type AppointmentFilter struct {
	IDs                []string
	PayerID            string
	Period             *Period
	BillingStatus      BillingStatus
	PayoutStatus       AppointmentPayoutStatus
	RequireInterpreter bool
}

// InvoiceFilter selects invoices. Zero-valued fields don't filter.
type InvoiceFilter struct {
	PayerID string
	Status  InvoiceStatus
}

// PayoutFilter selects payouts. Zero-valued fields don't filter.
type PayoutFilter struct {
	InterpreterID string
	Status        PayoutStatus
	Period        *Period // payouts whose period overlaps
}

// Reader is the read side of the store.
type Reader interface {
	GetPayer(ctx context.Context, id string) (*Payer, error)
	// ListPayerLanguageRates returns active overrides for the given payers.
	ListPayerLanguageRates(ctx context.Context, payerIDs []string) ([]PayerLanguageRate, error)

	GetInterpreter(ctx context.Context, id string) (*Interpreter, error)
	ListInterpreters(ctx context.Context, ids []string) ([]Interpreter, error)
	// ListCurrentInterpreterRates returns the rows with no end date.
	ListCurrentInterpreterRates(ctx context.Context, interpreterIDs []string) ([]InterpreterRate, error)

	GetAppointment(ctx context.Context, id string) (*Appointment, error)
	// ListAppointments returns matches ordered by date, then id.
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)

	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error)
	ListInvoiceLineItems(ctx context.Context, invoiceID string) ([]LineItem, error)
	ListInvoicePayments(ctx context.Context, invoiceID string) ([]Payment, error)

	GetPayout(ctx context.Context, id string) (*Payout, error)
	ListPayouts(ctx context.Context, f PayoutFilter) ([]Payout, error)
	ListPayoutLineItems(ctx context.Context, payoutID string) ([]LineItem, error)
}

// Writer is the write side of the store.
type Writer interface {
	// NextSequence atomically increments and returns the counter for
	// (prefix, year). The first call for a pair returns 1.
	NextSequence(ctx context.Context, prefix string, year int) (int, error)

	// InsertInvoice writes a header and its line items. A duplicate number
	// returns an error wrapping ErrConflict.
	InsertInvoice(ctx context.Context, inv Invoice, items []LineItem) error
	InsertPayout(ctx context.Context, p Payout, items []LineItem) error

	// UpdateBillingStatus moves appointments in ids whose status is still
	// from, returning how many moved.
	UpdateBillingStatus(ctx context.Context, ids []string, from, to BillingStatus) (int64, error)
	UpdateAppointmentPayoutStatus(ctx context.Context, ids []string, from, to AppointmentPayoutStatus) (int64, error)

	// UpdateInvoice rewrites the mutable header fields if the stored status
	// still equals expected; otherwise it returns an error wrapping ErrConflict.
	UpdateInvoice(ctx context.Context, inv Invoice, expected InvoiceStatus) error

	// ApplyInvoicePayment atomically adds p.Amount to paidAmount, sets the
	// status to paid when paidAmount >= total (partial otherwise) and records
	// the payment row. Only sent or partial invoices accept payments; any
	// other state returns an error wrapping ErrConflict.
	ApplyInvoicePayment(ctx context.Context, p Payment) (*Invoice, error)

	UpdatePayout(ctx context.Context, p Payout, expected PayoutStatus) error
}

// Tx is a Reader and Writer bound to one transaction.
type Tx interface {
	Reader
	Writer
}

// Store is the engine's persistence dependency.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Clock returns the current time. Tests pin it.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }
