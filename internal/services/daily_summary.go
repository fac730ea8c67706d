package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"saldo/internal/core"
)

const summaryUpsertChunk = 500

// DailySummaryRecalculator rebuilds per-day summary rows from a given day
// through today and then refreshes the invalid-transaction markers.
type DailySummaryRecalculator struct {
	store    LedgerStore
	oracle   *BalanceOracle
	detector *InvalidDetector
	now      func() time.Time
	logger   *slog.Logger
}

func NewDailySummaryRecalculator(store LedgerStore, oracle *BalanceOracle, detector *InvalidDetector, logger *slog.Logger) *DailySummaryRecalculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &DailySummaryRecalculator{
		store:    store,
		oracle:   oracle,
		detector: detector,
		now:      time.Now,
		logger:   logger,
	}
}

// RecalculateFrom upserts one row for every UTC day in [day(t), today] and
// returns how many rows were written. A t after today is clamped to today.
func (r *DailySummaryRecalculator) RecalculateFrom(ctx context.Context, t time.Time) (int, error) {
	now := r.now().UTC()
	today := core.DateOf(now)
	first := core.DateOf(t)
	if first.After(today) {
		first = today
	}

	// Read straight from the store: a worker process never sees the API
	// server's invalidations, so its cache cannot be trusted here.
	prev, err := r.oracle.Within(r.store).BalanceAt(ctx, first.Prev().End())
	if err != nil {
		return 0, fmt.Errorf("opening balance for %s: %w", first, err)
	}

	aggs, err := r.store.DailyAggregates(ctx, first, today)
	if err != nil {
		return 0, fmt.Errorf("load daily aggregates: %w", err)
	}
	byDay := make(map[core.Date]core.DayAggregate, len(aggs))
	for _, a := range aggs {
		byDay[a.Date] = a
	}

	written := 0
	rows := make([]core.DailySummary, 0, summaryUpsertChunk)
	for d := first; !d.After(today); d = d.Next() {
		a := byDay[d]
		balance := prev.Add(a.InAmount).Sub(a.OutAmount)
		rows = append(rows, core.DailySummary{
			Date:             d,
			Balance:          balance,
			InAmount:         a.InAmount,
			OutAmount:        a.OutAmount,
			PercentChange:    core.PercentChange(prev, balance),
			TransactionCount: a.Count,
			UpdatedAt:        now,
		})
		prev = balance

		if len(rows) == summaryUpsertChunk {
			if err := r.store.UpsertDailySummaries(ctx, rows); err != nil {
				return written, fmt.Errorf("upsert daily summaries: %w", err)
			}
			written += len(rows)
			rows = rows[:0]
		}
	}
	if len(rows) > 0 {
		if err := r.store.UpsertDailySummaries(ctx, rows); err != nil {
			return written, fmt.Errorf("upsert daily summaries: %w", err)
		}
		written += len(rows)
	}

	r.logger.InfoContext(ctx, "Daily summaries recalculated",
		"from", first.String(),
		"to", today.String(),
		"rows", written)

	if _, err := r.detector.Run(ctx); err != nil {
		return written, err
	}
	return written, nil
}
