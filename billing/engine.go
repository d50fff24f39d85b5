package billing

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPaymentTermsDays applies when a payer has no terms configured.
const DefaultPaymentTermsDays = 30

// Engine runs generation and lifecycle operations against a Store.
type Engine struct {
	Store Store
	Now   Clock
	Log   zerolog.Logger
	NewID func() string

	// PaymentTermsDays is used for payers with no PaymentTermsDays set.
	PaymentTermsDays int
}

// NewEngine creates an engine with the wall clock and uuid identifiers.
func NewEngine(store Store, log zerolog.Logger) *Engine {
	return &Engine{
		Store:            store,
		Now:              SystemClock,
		Log:              log,
		NewID:            uuid.NewString,
		PaymentTermsDays: DefaultPaymentTermsDays,
	}
}

func uniqueNonEmpty(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
