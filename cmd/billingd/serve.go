package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/api"
)

var (
	shutdownTimeout time.Duration
	overdueInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the billing HTTP API",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for in-flight requests on shutdown")
	f.DurationVar(&overdueInterval, "overdue-interval", time.Hour, "How often to scan for overdue invoices (0 disables)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := setupLogger()
	mustValidate(log, cfg.ValidateServer)

	store := openStore(log)
	defer store.Close()

	engine := newEngine(store, log)
	handler := api.NewHandler(engine)
	router := api.NewRouter(handler, api.RouterOptions{
		Log:            log,
		Auth:           api.NewAuthenticator(cfg.JWTSecret),
		AllowedOrigins: cfg.AllowedOrigins,
		DB:             store,
	})

	monitor := api.NewOverdueMonitor(engine)
	monitor.CheckInterval = overdueInterval
	monitor.Enabled = overdueInterval > 0
	monitor.Start()
	defer monitor.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("db", cfg.DBPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			log.Error().Err(err).Msg("server failed")
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return err
	}

	log.Info().Msg("server stopped")
	return nil
}
