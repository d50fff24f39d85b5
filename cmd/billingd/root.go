package main

import (
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/logging"
	"github.com/warp/billing-engine/store/sqlite"
)

var (
	cfg        config.Config
	configPath string

	flagDB        string
	flagLogFormat string
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:               "billingd",
	Short:             "Interpreter billing and payout engine",
	Long:              "Turns completed interpreter appointments into payer invoices and interpreter payouts, and tracks both through payment.",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to a YAML config file")
	pf.StringVar(&flagDB, "db", "", "SQLite database path (or set BILLING_DB)")
	pf.StringVar(&flagLogFormat, "log-format", "", "Log format: text or json")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig layers flags over config.Load so every command sees one cfg.
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		c.DBPath = flagDB
	}
	if flags.Changed("log-format") {
		c.LogFormat = flagLogFormat
	}
	if flags.Changed("log-level") {
		c.LogLevel = flagLogLevel
	}
	cfg = c
	return nil
}

// mustValidate exits with a usage error when the config is incomplete.
func mustValidate(log zerolog.Logger, validate func() error) {
	if err := validate(); err != nil {
		log.Error().Err(err).Msg("config validation failed")
		os.Exit(exitUsageError)
	}
}

// openStore opens the database or exits.
func openStore(log zerolog.Logger) *sqlite.Store {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Error().Err(err).Str("db", cfg.DBPath).Msg("database connection failed")
		os.Exit(exitDBConnError)
	}
	return store
}

func newEngine(store billing.Store, log zerolog.Logger) *billing.Engine {
	engine := billing.NewEngine(store, log)
	engine.PaymentTermsDays = cfg.DefaultPaymentTermsDays
	return engine
}

func setupLogger() zerolog.Logger {
	return logging.Setup(cfg.LogFormat, cfg.LogLevel)
}

// exitFor maps an engine error onto a process exit code.
func exitFor(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, billing.ErrValidation), errors.Is(err, billing.ErrNotFound):
		return exitValidationError
	case errors.Is(err, billing.ErrConflict), errors.Is(err, billing.ErrInvalidTransition):
		return exitConflict
	default:
		return exitRunError
	}
}
