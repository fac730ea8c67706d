package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"saldo/internal/amqp"
	"saldo/internal/services"
)

// Reconciler rebuilds all derived state from the first transaction.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// RecomputeWorker turns broker messages into local recomputations and runs a
// periodic full reconciliation as a backstop for lost messages.
type RecomputeWorker struct {
	scheduler  services.Scheduler
	reconciler Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

func NewRecomputeWorker(scheduler services.Scheduler, reconciler Reconciler, interval time.Duration, logger *slog.Logger) *RecomputeWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecomputeWorker{
		scheduler:  scheduler,
		reconciler: reconciler,
		interval:   interval,
		logger:     logger,
	}
}

// HandleRecomputeMessage hands one message to the local scheduler. An error
// makes the consumer requeue the message.
func (w *RecomputeWorker) HandleRecomputeMessage(ctx context.Context, msg *amqp.RecomputeMessage) error {
	w.logger.InfoContext(ctx, "Processing recompute message",
		"from", msg.From,
		"reason", msg.Reason,
		"published_at", msg.Timestamp)

	if err := w.scheduler.Schedule(ctx, msg.From, msg.Reason); err != nil {
		return fmt.Errorf("schedule recompute: %w", err)
	}
	return nil
}

// StartupReconcile recovers from messages missed while the worker was down.
func (w *RecomputeWorker) StartupReconcile(ctx context.Context) error {
	started := time.Now()
	if err := w.reconciler.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	w.logger.InfoContext(ctx, "Startup reconciliation completed", "duration", time.Since(started))
	return nil
}

// RunPeriodicReconcile reconciles every interval until ctx is done. A zero
// interval disables it.
func (w *RecomputeWorker) RunPeriodicReconcile(ctx context.Context) error {
	if w.interval <= 0 {
		w.logger.InfoContext(ctx, "Periodic reconciliation disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.reconciler.Reconcile(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.ErrorContext(ctx, "Periodic reconciliation failed", "error", err)
			}
		}
	}
}
