package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"saldo/internal/core"
)

// Recomputer is the background pipeline run after every mutation: drop
// cached balances from the affected instant, rebuild the daily summaries
// (which also reruns the detector) and optionally export the new rows.
type Recomputer struct {
	store        LedgerStore
	coordinator  *CacheCoordinator
	recalculator *DailySummaryRecalculator
	exporter     SummaryExporter
	now          func() time.Time
	logger       *slog.Logger
}

// NewRecomputer wires the pipeline. exporter may be nil.
func NewRecomputer(store LedgerStore, coordinator *CacheCoordinator, recalculator *DailySummaryRecalculator, exporter SummaryExporter, logger *slog.Logger) *Recomputer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recomputer{
		store:        store,
		coordinator:  coordinator,
		recalculator: recalculator,
		exporter:     exporter,
		now:          time.Now,
		logger:       logger,
	}
}

// Run recomputes everything derived from instants >= from. It matches
// RecomputeFunc so it can back a LocalScheduler.
func (r *Recomputer) Run(ctx context.Context, from time.Time) error {
	r.coordinator.InvalidateFrom(ctx, from)

	rows, err := r.recalculator.RecalculateFrom(ctx, from)
	if err != nil {
		return fmt.Errorf("recalculate from %s: %w", from.Format(time.RFC3339Nano), err)
	}

	// Marker count and stats changed once the detector finished.
	r.coordinator.InvalidateAggregates(ctx)

	if r.exporter != nil && rows > 0 {
		r.export(ctx, core.DateOf(from), core.DateOf(r.now()))
	}
	return nil
}

// Reconcile runs the pipeline from the first transaction in the log. With an
// empty log it only refreshes the markers.
func (r *Recomputer) Reconcile(ctx context.Context) error {
	first, err := r.store.ScanOrdered(ctx, nil, 1)
	if err != nil {
		return fmt.Errorf("find first transaction: %w", err)
	}
	if len(first) == 0 {
		if _, err := r.recalculator.detector.Run(ctx); err != nil {
			return err
		}
		r.coordinator.InvalidateAggregates(ctx)
		return nil
	}

	r.logger.InfoContext(ctx, "Running full reconciliation", "from", first[0].Timestamp)
	return r.Run(ctx, first[0].Timestamp)
}

func (r *Recomputer) export(ctx context.Context, from, to core.Date) {
	if from.After(to) {
		from = to
	}
	rows, err := r.store.ListDailySummaries(ctx, from, to)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to load summaries for export", "error", err)
		return
	}
	if err := r.exporter.ExportSummaries(ctx, rows); err != nil {
		r.logger.ErrorContext(ctx, "Daily summary export failed",
			"from", from.String(),
			"rows", len(rows),
			"error", err)
		return
	}
	r.logger.InfoContext(ctx, "Daily summaries exported", "rows", len(rows))
}
