package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/billing"
)

var payoutFlags struct {
	from      string
	to        string
	scheduled string
	status    string
	out       string
}

var payoutCmd = &cobra.Command{
	Use:   "payout",
	Short: "Payout operations",
}

var payoutGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate one payout per interpreter with pending appointments in a period",
	RunE:  runPayoutGenerate,
}

var payoutExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the payout batch file",
	RunE:  runPayoutExport,
}

func init() {
	f := payoutGenerateCmd.Flags()
	f.StringVar(&payoutFlags.from, "from", "", "Period start, YYYY-MM-DD (required)")
	f.StringVar(&payoutFlags.to, "to", "", "Period end, YYYY-MM-DD (required)")
	f.StringVar(&payoutFlags.scheduled, "scheduled", "", "Scheduled payment date, YYYY-MM-DD")
	_ = payoutGenerateCmd.MarkFlagRequired("from")
	_ = payoutGenerateCmd.MarkFlagRequired("to")

	f = payoutExportCmd.Flags()
	f.StringVar(&payoutFlags.status, "status", "pending", "Only payouts in this status (empty for all)")
	f.StringVar(&payoutFlags.out, "out", "", "Output file (default: stdout)")

	payoutCmd.AddCommand(payoutGenerateCmd, payoutExportCmd)
	rootCmd.AddCommand(payoutCmd)
}

func runPayoutGenerate(cmd *cobra.Command, args []string) error {
	log := setupLogger()
	mustValidate(log, cfg.Validate)

	period, err := billing.ParsePeriod(payoutFlags.from, payoutFlags.to)
	if err != nil {
		log.Error().Err(err).Msg("invalid period")
		os.Exit(exitUsageError)
	}
	req := billing.PayoutRequest{Period: period}
	if payoutFlags.scheduled != "" {
		d, err := time.Parse(billing.DateLayout, payoutFlags.scheduled)
		if err != nil {
			log.Error().Err(err).Msg("--scheduled must be YYYY-MM-DD")
			os.Exit(exitUsageError)
		}
		req.ScheduledDate = &d
	}

	store := openStore(log)
	defer store.Close()

	res, err := newEngine(store, log).GeneratePayouts(context.Background(), req)
	if err != nil {
		log.Error().Err(err).Msg("payout generation failed")
		store.Close()
		os.Exit(exitFor(err))
	}

	out := cmd.OutOrStdout()
	for _, p := range res.Payouts {
		fmt.Fprintf(out, "%s  %-20s %10s  %d line item(s)\n",
			p.PayoutNumber, p.InterpreterID, billing.FormatMoney(p.Total), p.LineItemCount)
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(out, "skipped %s: %s (%d appointment(s))\n", s.InterpreterID, s.Reason, s.AppointmentCount)
	}
	fmt.Fprintln(out, res.Message())
	return nil
}

func runPayoutExport(cmd *cobra.Command, args []string) error {
	log := setupLogger()
	mustValidate(log, cfg.Validate)

	var filter billing.PayoutFilter
	if payoutFlags.status != "" {
		status, err := billing.ParsePayoutStatus(payoutFlags.status)
		if err != nil {
			log.Error().Err(err).Msg("invalid --status")
			os.Exit(exitUsageError)
		}
		filter.Status = status
	}

	store := openStore(log)
	defer store.Close()

	engine := newEngine(store, log)
	var n int
	export := func(w io.Writer) error {
		var err error
		n, err = engine.ExportPayoutBatch(context.Background(), filter, w)
		return err
	}

	var err error
	if payoutFlags.out == "" {
		err = export(cmd.OutOrStdout())
	} else {
		err = writeFile(payoutFlags.out, func(f *os.File) error { return export(f) })
	}
	if err != nil {
		log.Error().Err(err).Msg("payout export failed")
		store.Close()
		os.Exit(exitRunError)
	}

	log.Info().Int("payouts", n).Str("out", payoutFlags.out).Msg("payout batch exported")
	return nil
}
