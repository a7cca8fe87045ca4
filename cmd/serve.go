package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/bnema/vpnledger/internal/metrics"
)

const (
	subscriptionEventBuffer = 64
	sweepSchedule           = "@every 1h"
	shutdownTimeout         = 10 * time.Second
)

func newServeCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation daemon",
		Long:  "Runs the chain watcher, the IPN endpoint, the certificate issuer, and the hourly reconciliation sweep until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), app)
		},
	}
}

func runServe(parent context.Context, app *app) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	events := app.ledger.Subscribe(subscriptionEventBuffer)

	// One sweep before serving traffic so a restart immediately
	// reconciles certificates with the ledger.
	if err := app.issuer.Sweep(ctx); err != nil {
		app.logger.Error("startup sweep", "error", err)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(sweepSchedule, func() {
		if err := app.issuer.Sweep(ctx); err != nil {
			app.logger.Error("scheduled sweep", "error", err)
		}
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	errs := make(chan error, 3)

	go func() {
		errs <- app.watcher.Run(ctx)
	}()
	go func() {
		errs <- app.issuer.Run(ctx, events)
	}()

	httpServer := &http.Server{
		Addr:              app.cfg.ListenAddr,
		Handler:           app.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		app.logger.Info("listening", "addr", app.cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
			return
		}
		errs <- nil
	}()

	var runErr error
	received := 0
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		received++
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("http shutdown", "error", err)
	}

	// Drain the workers; they exit on context cancellation.
	for ; received < 3; received++ {
		if err := <-errs; err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
			runErr = err
		}
	}

	if err := app.store.Close(); err != nil {
		app.logger.Error("close store", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
