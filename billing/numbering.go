package billing

import (
	"context"
	"fmt"
)

// Number prefixes.
const (
	PrefixInvoice = "INV"
	PrefixPayout  = "PAY"
)

// FormatNumber renders "{PREFIX}-{year}-{seq:04d}".
func FormatNumber(prefix string, year, seq int) string {
	return fmt.Sprintf("%s-%d-%04d", prefix, year, seq)
}

// IssueNumber draws the next number for (prefix, year) from the store's
// counter. It must run inside the same transaction that inserts the header,
// so a rolled-back run doesn't consume the number.
func IssueNumber(ctx context.Context, w Writer, prefix string, year int) (string, error) {
	seq, err := w.NextSequence(ctx, prefix, year)
	if err != nil {
		return "", fmt.Errorf("next %s sequence for %d: %w", prefix, year, err)
	}
	return FormatNumber(prefix, year, seq), nil
}
