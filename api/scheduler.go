/*
scheduler.go - Periodic overdue invoice scan

PURPOSE:
  Overdue is derived at read time (sent or partial, past due date, balance
  left), so nothing in the database changes when an invoice goes overdue.
  The monitor periodically lists overdue invoices and logs each one so
  collections can act on it. It never mutates billing state; invoice and
  payout runs are always triggered externally.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Scans immediately on start, then on every tick
  - Keeps the last scan's report for callers that want it

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether the monitor is active (default: true)

USAGE:
  monitor := NewOverdueMonitor(engine)
  monitor.Start()
  // ... later
  monitor.Stop()

SEE ALSO:
  - billing/query.go: ListInvoices with overdueOnly
  - billing/types.go: Invoice.IsOverdue
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// OverdueReport is the outcome of one scan.
type OverdueReport struct {
	CheckedAt   time.Time
	Count       int
	Outstanding decimal.Decimal
	InvoiceIDs  []string
}

// OverdueMonitor logs overdue invoices on a fixed interval.
type OverdueMonitor struct {
	Engine        *billing.Engine
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *OverdueReport
}

// NewOverdueMonitor creates a new monitor.
func NewOverdueMonitor(engine *billing.Engine) *OverdueMonitor {
	return &OverdueMonitor{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the monitor.
func (m *OverdueMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Enabled {
		m.Engine.Log.Info().Msg("overdue monitor disabled, not starting")
		return
	}
	if m.ticker != nil {
		return
	}

	m.ticker = time.NewTicker(m.CheckInterval)
	m.stop = make(chan struct{})
	m.wg.Add(1)

	go m.run(m.ticker, m.stop)

	m.Engine.Log.Info().Dur("interval", m.CheckInterval).Msg("overdue monitor started")
}

// Stop stops the monitor and waits for an in-flight scan to finish.
func (m *OverdueMonitor) Stop() {
	m.mu.Lock()
	if m.ticker == nil {
		m.mu.Unlock()
		return
	}
	m.ticker.Stop()
	close(m.stop)
	m.ticker = nil
	m.mu.Unlock()

	m.wg.Wait()
	m.Engine.Log.Info().Msg("overdue monitor stopped")
}

func (m *OverdueMonitor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer m.wg.Done()

	// Run immediately on start
	m.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			m.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one scan and returns its report.
func (m *OverdueMonitor) RunNow(ctx context.Context) (*OverdueReport, error) {
	log := m.Engine.Log
	invoices, err := m.Engine.ListInvoices(ctx, billing.InvoiceFilter{}, true)
	if err != nil {
		log.Error().Err(err).Msg("overdue scan failed")
		return nil, err
	}

	report := &OverdueReport{CheckedAt: m.Engine.Now(), Outstanding: decimal.Zero}
	for _, inv := range invoices {
		report.Count++
		report.Outstanding = report.Outstanding.Add(inv.Balance())
		report.InvoiceIDs = append(report.InvoiceIDs, inv.ID)

		ev := log.Warn().
			Str("invoice_id", inv.ID).
			Str("invoice_number", inv.InvoiceNumber).
			Str("payer_id", inv.PayerID).
			Str("balance", billing.FormatMoney(inv.Balance()))
		if inv.DueDate != nil {
			ev = ev.Str("due_date", inv.DueDate.Format(billing.DateLayout))
		}
		ev.Msg("invoice overdue")
	}
	if report.Count > 0 {
		log.Info().
			Int("count", report.Count).
			Str("outstanding", billing.FormatMoney(report.Outstanding)).
			Msg("overdue scan completed")
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report, nil
}

// LastReport returns the most recent scan, or nil before the first one.
func (m *OverdueMonitor) LastReport() *OverdueReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
