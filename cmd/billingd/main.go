/*
main.go - Application entry point

PURPOSE:
  billingd runs the billing API server and the batch operations behind it
  (invoice and payout runs, exports) from the shell.

COMMANDS:
  serve              HTTP API with graceful shutdown
  migrate            Apply the SQLite schema
  seed               Load payers, interpreters, rates and appointments from YAML
  invoice generate   Generate a draft invoice for a payer and period
  invoice export     Write an invoice's line items as CSV
  payout generate    Generate payouts for a period
  payout export      Write the payout batch file
  token              Issue a bearer token for local use

CONFIGURATION:
  --config billing.yaml, then .env, then BILLING_* variables, then flags.
  See config/config.go.

EXIT CODES:
  See exitcode.go.

EXAMPLES:
  billingd serve --db ./data/billing.db
  billingd invoice generate --payer payer-1 --from 2026-03-01 --to 2026-03-31
  billingd payout export --status pending --out payouts.csv
*/
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitUsageError)
	}
}
