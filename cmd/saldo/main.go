package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"saldo/internal/backend"
	"saldo/internal/cli"
	apphttp "saldo/internal/http"
	"saldo/internal/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(log.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger.Logger)

	backendCfg, err := backend.FromAppConfig(cfg, backend.RoleServer)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}

	ctx, stop := cli.SignalContext(context.Background())
	defer stop()

	ledger, err := backend.NewFactory(logger.Logger).CreateLedger(ctx, backendCfg)
	if err != nil {
		logger.Error("Failed to initialize ledger", log.FieldError, err, "backend", backendCfg.Type)
		os.Exit(1)
	}
	// Recomputations must outlive the signal context so Close can drain them.
	if err := ledger.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Error("Failed to start ledger", log.FieldError, err)
		os.Exit(1)
	}

	deps := apphttp.Deps{
		Writer:   ledger.Guard,
		Bulk:     ledger.Bulk,
		Reader:   ledger.Queries,
		Balances: ledger.Oracle,
	}
	if ledger.Local != nil {
		deps.Recompute = ledger.Local
	}

	srv := apphttp.NewServer(":"+cfg.Port, deps, logger, apphttp.DefaultOptions())
	srv.MaxHeaderBytes = 1 << 16

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting saldo server",
			"port", cfg.Port,
			"backend", backendCfg.Type,
			"recompute", cfg.RecomputeMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received", log.FieldOperation, log.OpShutdown)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		return ledger.Close(shutdownCtx, logger.Logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}
