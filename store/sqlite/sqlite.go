/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  Persists invoices, payouts, line items, payments and numbering counters,
  and holds the read models the engine consumes from the scheduling side
  (appointments, payers, language overrides, interpreters, rate cards).

KEY TABLES:
  appointments:          Scheduling read model + billing/payout guards
  payers:                Payer defaults
  payer_language_rates:  Per-(payer, language) overrides
  interpreters:          Name/email for exports
  interpreter_rates:     Versioned rate cards (end_date NULL = current)
  invoices, invoice_line_items, invoice_payments
  payouts, payout_line_items
  number_sequences:      One counter row per (prefix, year)

MONEY:
  Amounts the engine produces are stored as INTEGER cents so payment
  recording can be a single atomic increment. Rates, hours and miles are
  stored as decimal TEXT and parsed back with shopspring/decimal.

CONCURRENCY:
  Writers are serialized by sync.RWMutex and run inside one database
  transaction. On top of that every status flip is conditional
  ("... WHERE status = <expected>"), numbering is an upsert on the counter
  row, and payments increment in SQL, so the same guarantees hold on a
  server database where the mutex isn't there.

INDEXES:
  - idx_appointments_billing: invoice candidate selection (hot path)
  - idx_appointments_payout:  payout candidate selection
  - idx_language_rates_active: at most one active override per language
  - idx_interpreter_rates_current: at most one current rate per interpreter

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store, logger)

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// Store implements billing.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ billing.Store = (*Store)(nil)

// busyTimeout is how long a transaction waits for another process holding
// the write lock before failing with ErrConflict.
const busyTimeout = 5 * time.Second

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return open(dbPath, busyTimeout)
}

// open takes the write lock at BEGIN (_txlock=immediate) so the busy
// timeout applies there, not halfway through a transaction that already
// read its inputs.
func open(dbPath string, busy time.Duration) (*Store, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
		dbPath, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and matches
	// SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Scheduling read model. The engine only writes the two status columns.
	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		status TEXT NOT NULL,
		actual_duration_minutes INTEGER,
		actual_miles TEXT,
		mileage_approved BOOLEAN NOT NULL DEFAULT FALSE,
		projected_duration TEXT,
		language TEXT,
		payer_id TEXT,
		interpreter_id TEXT,
		patient_name TEXT,
		facility_name TEXT,
		billing_status TEXT NOT NULL DEFAULT 'pending',
		payout_status TEXT NOT NULL DEFAULT 'pending'
	);

	CREATE INDEX IF NOT EXISTS idx_appointments_billing
		ON appointments(payer_id, billing_status, date);
	CREATE INDEX IF NOT EXISTS idx_appointments_payout
		ON appointments(payout_status, date);

	CREATE TABLE IF NOT EXISTS payers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		default_hourly_rate TEXT NOT NULL DEFAULT '0',
		default_mileage_rate TEXT NOT NULL DEFAULT '0',
		minimum_hours TEXT NOT NULL DEFAULT '0',
		late_cancel_fee TEXT NOT NULL DEFAULT '0',
		no_show_fee TEXT NOT NULL DEFAULT '0',
		payment_terms_days INTEGER,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS payer_language_rates (
		id TEXT PRIMARY KEY,
		payer_id TEXT NOT NULL REFERENCES payers(id),
		language TEXT NOT NULL,
		hourly_rate TEXT NOT NULL,
		minimum_hours TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_language_rates_active
		ON payer_language_rates(payer_id, lower(language))
		WHERE is_active;

	CREATE TABLE IF NOT EXISTS interpreters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT
	);

	CREATE TABLE IF NOT EXISTS interpreter_rates (
		id TEXT PRIMARY KEY,
		interpreter_id TEXT NOT NULL,
		hourly_rate TEXT NOT NULL DEFAULT '0',
		mileage_rate TEXT NOT NULL DEFAULT '0',
		minimum_hours TEXT NOT NULL DEFAULT '0',
		late_cancel_fee TEXT NOT NULL DEFAULT '0',
		no_show_fee TEXT NOT NULL DEFAULT '0',
		effective_date TEXT NOT NULL,
		end_date TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_interpreter_rates_current
		ON interpreter_rates(interpreter_id)
		WHERE end_date IS NULL;

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		invoice_number TEXT NOT NULL UNIQUE,
		payer_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		subtotal_cents INTEGER NOT NULL,
		adjustments_cents INTEGER NOT NULL DEFAULT 0,
		total_cents INTEGER NOT NULL,
		status TEXT NOT NULL,
		notes TEXT,
		sent_at TEXT,
		due_date TEXT,
		paid_at TEXT,
		paid_amount_cents INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_payer ON invoices(payer_id);
	CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);

	CREATE TABLE IF NOT EXISTS invoice_line_items (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		position INTEGER NOT NULL,
		appointment_id TEXT NOT NULL,
		service_date TEXT NOT NULL,
		description TEXT NOT NULL,
		service_hours TEXT NOT NULL,
		service_rate TEXT NOT NULL,
		service_amount_cents INTEGER NOT NULL,
		mileage TEXT NOT NULL,
		mileage_rate TEXT NOT NULL,
		mileage_amount_cents INTEGER NOT NULL,
		adjustment_type TEXT,
		adjustment_amount_cents INTEGER NOT NULL,
		line_total_cents INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoice_line_items_invoice
		ON invoice_line_items(invoice_id, position);
	CREATE INDEX IF NOT EXISTS idx_invoice_line_items_appointment
		ON invoice_line_items(appointment_id);

	CREATE TABLE IF NOT EXISTS invoice_payments (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		amount_cents INTEGER NOT NULL,
		paid_at TEXT NOT NULL,
		notes TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoice_payments_invoice
		ON invoice_payments(invoice_id);

	CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		payout_number TEXT NOT NULL UNIQUE,
		interpreter_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		subtotal_cents INTEGER NOT NULL,
		adjustments_cents INTEGER NOT NULL DEFAULT 0,
		total_cents INTEGER NOT NULL,
		status TEXT NOT NULL,
		scheduled_date TEXT,
		paid_at TEXT,
		payment_method TEXT,
		payment_reference TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payouts_interpreter ON payouts(interpreter_id);
	CREATE INDEX IF NOT EXISTS idx_payouts_status ON payouts(status);

	CREATE TABLE IF NOT EXISTS payout_line_items (
		id TEXT PRIMARY KEY,
		payout_id TEXT NOT NULL REFERENCES payouts(id),
		position INTEGER NOT NULL,
		appointment_id TEXT NOT NULL,
		service_date TEXT NOT NULL,
		description TEXT NOT NULL,
		service_hours TEXT NOT NULL,
		service_rate TEXT NOT NULL,
		service_amount_cents INTEGER NOT NULL,
		mileage TEXT NOT NULL,
		mileage_rate TEXT NOT NULL,
		mileage_amount_cents INTEGER NOT NULL,
		adjustment_type TEXT,
		adjustment_amount_cents INTEGER NOT NULL,
		line_total_cents INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payout_line_items_payout
		ON payout_line_items(payout_id, position);

	-- Serialized numbering: one counter row per (prefix, year)
	CREATE TABLE IF NOT EXISTS number_sequences (
		prefix TEXT NOT NULL,
		year INTEGER NOT NULL,
		value INTEGER NOT NULL,
		PRIMARY KEY (prefix, year)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", busyConflict(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries{q: sqlTx}}); err != nil {
		return busyConflict(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", busyConflict(err))
	}
	return nil
}

// busyConflict reports lock contention with another connection to the same
// file as billing.ErrConflict, which callers may retry.
func busyConflict(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("database busy: %w: %w", billing.ErrConflict, err)
	}
	return err
}

// txStore is a billing.Tx bound to one *sql.Tx. It takes no locks: the
// enclosing WithTx already holds the write lock.
type txStore struct {
	queries
}

// querier is the subset shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements every read and write against a querier.
type queries struct {
	q querier
}

func (s *Store) reader() queries {
	return queries{q: s.db}
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func formatDate(t time.Time) string {
	return t.Format(billing.DateLayout)
}

func parseDate(s string) time.Time {
	t, _ := time.Parse(billing.DateLayout, s)
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func datePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseDate(ns.String)
	return &t
}

func decimalText(d decimal.Decimal) string {
	return d.String()
}

func parseDecimal(s string) decimal.Decimal {
	return billing.MustParseDecimal(s)
}

// cents encodes money columns for one statement. The first value that
// doesn't fit an int64 is kept in err and the statement is not run.
type cents struct {
	err error
}

func (m *cents) of(d decimal.Decimal) int64 {
	c, err := billing.Cents(d)
	if err != nil && m.err == nil {
		m.err = err
	}
	return c
}

// maxInArgs keeps each IN list under SQLite's bound-variable limit, which
// is 999 on older builds.
const maxInArgs = 500

// chunked calls fn with consecutive slices of ids, each at most maxInArgs
// long. An empty list never calls fn.
func chunked(ids []string, fn func(part []string) error) error {
	for start := 0; start < len(ids); start += maxInArgs {
		end := min(start+maxInArgs, len(ids))
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// placeholders returns "?, ?, ?" for n args.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
