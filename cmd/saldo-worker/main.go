package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"saldo/internal/backend"
	"saldo/internal/cli"
	"saldo/internal/config"
	"saldo/internal/log"
	"saldo/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(log.ComponentWorker)
	cfg := cli.LoadAndValidateConfig(logger.Logger)

	if cfg.RecomputeMode != config.RecomputeAMQP {
		logger.Error("saldo-worker needs RECOMPUTE_MODE=amqp; in local mode the server recomputes itself",
			"recompute_mode", cfg.RecomputeMode)
		os.Exit(1)
	}

	backendCfg, err := backend.FromAppConfig(cfg, backend.RoleWorker)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}

	ctx, stop := cli.SignalContext(context.Background())
	defer stop()

	logger.Info("Starting saldo-worker",
		log.FieldOperation, log.OpStartup,
		"db_path", cfg.SQLiteDBPath,
		"queue", cfg.AMQPQueue,
		"reconcile_interval", cfg.ReconcileInterval)

	ledger, err := backend.NewFactory(logger.Logger).CreateLedger(ctx, backendCfg)
	if err != nil {
		logger.Error("Failed to initialize ledger", log.FieldError, err)
		os.Exit(1)
	}
	if err := ledger.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Error("Failed to start ledger", log.FieldError, err)
		os.Exit(1)
	}

	recomputeWorker := worker.NewRecomputeWorker(ledger.Local, ledger.Recomputer, cfg.ReconcileInterval,
		logger.WithComponent(log.ComponentWorker).Logger)

	// Catch up on anything published while the worker was down.
	if err := recomputeWorker.StartupReconcile(ctx); err != nil {
		logger.Error("Startup reconciliation failed", log.FieldError, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := ledger.AMQP.ConsumeRecompute(gctx, recomputeWorker.HandleRecomputeMessage)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return recomputeWorker.RunPeriodicReconcile(gctx)
	})

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("Worker stopped with error", log.FieldError, runErr)
	}

	logger.Info("Shutting down worker", log.FieldOperation, log.OpShutdown)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ledger.Close(shutdownCtx, logger.Logger); err != nil {
		logger.Error("Worker shutdown error", log.FieldError, err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete")
}
