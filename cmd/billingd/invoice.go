package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/billing"
)

var invoiceFlags struct {
	payer string
	from  string
	to    string
	notes string
	id    string
	out   string
}

var invoiceCmd = &cobra.Command{
	Use:   "invoice",
	Short: "Invoice operations",
}

var invoiceGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a draft invoice for a payer's pending appointments in a period",
	RunE:  runInvoiceGenerate,
}

var invoiceExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write an invoice's line items as CSV",
	RunE:  runInvoiceExport,
}

func init() {
	f := invoiceGenerateCmd.Flags()
	f.StringVar(&invoiceFlags.payer, "payer", "", "Payer ID (required)")
	f.StringVar(&invoiceFlags.from, "from", "", "Period start, YYYY-MM-DD (required)")
	f.StringVar(&invoiceFlags.to, "to", "", "Period end, YYYY-MM-DD (required)")
	f.StringVar(&invoiceFlags.notes, "notes", "", "Notes stored on the invoice")
	_ = invoiceGenerateCmd.MarkFlagRequired("payer")
	_ = invoiceGenerateCmd.MarkFlagRequired("from")
	_ = invoiceGenerateCmd.MarkFlagRequired("to")

	f = invoiceExportCmd.Flags()
	f.StringVar(&invoiceFlags.id, "id", "", "Invoice ID (required)")
	f.StringVar(&invoiceFlags.out, "out", "", "Output file (default: <invoice number>.csv)")
	_ = invoiceExportCmd.MarkFlagRequired("id")

	invoiceCmd.AddCommand(invoiceGenerateCmd, invoiceExportCmd)
	rootCmd.AddCommand(invoiceCmd)
}

func runInvoiceGenerate(cmd *cobra.Command, args []string) error {
	log := setupLogger()
	mustValidate(log, cfg.Validate)

	period, err := billing.ParsePeriod(invoiceFlags.from, invoiceFlags.to)
	if err != nil {
		log.Error().Err(err).Msg("invalid period")
		os.Exit(exitUsageError)
	}

	store := openStore(log)
	defer store.Close()

	res, err := newEngine(store, log).GenerateInvoice(context.Background(), billing.InvoiceRequest{
		PayerID: invoiceFlags.payer,
		Period:  period,
		Notes:   invoiceFlags.notes,
	})
	if err != nil {
		log.Error().Err(err).Msg("invoice generation failed")
		store.Close()
		os.Exit(exitFor(err))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Invoice %s: %d line item(s), total %s, %d warning(s)\n",
		res.Invoice.InvoiceNumber, len(res.LineItems), billing.FormatMoney(res.Invoice.Total), len(res.Warnings))
	return nil
}

func runInvoiceExport(cmd *cobra.Command, args []string) error {
	log := setupLogger()
	mustValidate(log, cfg.Validate)

	store := openStore(log)
	defer store.Close()

	engine := newEngine(store, log)
	ctx := context.Background()
	inv, err := store.GetInvoice(ctx, invoiceFlags.id)
	if err != nil {
		log.Error().Err(err).Msg("invoice lookup failed")
		store.Close()
		os.Exit(exitFor(err))
	}
	out := invoiceFlags.out
	if out == "" {
		out = inv.InvoiceNumber + ".csv"
	}

	err = writeFile(out, func(f *os.File) error {
		_, err := engine.ExportInvoice(ctx, inv.ID, f)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("invoice export failed")
		store.Close()
		os.Exit(exitRunError)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", out)
	return nil
}

// writeFile creates path and removes it again if fill fails.
func writeFile(path string, fill func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
