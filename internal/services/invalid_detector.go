package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"saldo/internal/core"

	"github.com/google/uuid"
)

// DetectionResult summarizes one reconciliation pass.
type DetectionResult struct {
	RunID    string
	Scanned  int
	Invalid  int
	Duration time.Duration
}

// InvalidDetector replays the whole log in (timestamp, id) order and marks
// every transaction that would take the running balance below zero.
// After a violation the running balance is floored at zero.
type InvalidDetector struct {
	store    LedgerStore
	pageSize int
	now      func() time.Time
	logger   *slog.Logger
}

func NewInvalidDetector(store LedgerStore, pageSize int, logger *slog.Logger) *InvalidDetector {
	if pageSize <= 0 {
		pageSize = DefaultScanPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InvalidDetector{store: store, pageSize: pageSize, now: time.Now, logger: logger}
}

// Run performs a full pass and atomically replaces the marker set. If the
// pass fails the previous markers stay in place.
func (d *InvalidDetector) Run(ctx context.Context) (DetectionResult, error) {
	started := d.now()
	res := DetectionResult{RunID: uuid.NewString()}

	if err := d.scan(ctx, &res); err != nil {
		if derr := d.store.DiscardInvalid(context.WithoutCancel(ctx), res.RunID); derr != nil {
			d.logger.WarnContext(ctx, "Failed to discard staged markers",
				"run_id", res.RunID,
				"error", derr)
		}
		return res, fmt.Errorf("detector run %s: %w", res.RunID, err)
	}

	if err := d.store.PublishInvalid(ctx, res.RunID); err != nil {
		return res, fmt.Errorf("publish markers for run %s: %w", res.RunID, err)
	}

	res.Duration = d.now().Sub(started)
	d.logger.InfoContext(ctx, "Invalid transaction detection completed",
		"run_id", res.RunID,
		"scanned", res.Scanned,
		"invalid", res.Invalid,
		"duration", res.Duration)
	return res, nil
}

func (d *InvalidDetector) scan(ctx context.Context, res *DetectionResult) error {
	var (
		running int64
		after   *core.Position
		batch   = make([]core.InvalidTransaction, 0, d.pageSize)
	)

	for {
		page, err := d.store.ScanOrdered(ctx, after, d.pageSize)
		if err != nil {
			return err
		}

		detectedAt := d.now().UTC()
		for _, tx := range page {
			prospective := running + tx.Signed()
			if prospective < 0 {
				batch = append(batch, core.InvalidTransaction{
					TransactionID: tx.ID,
					Reason:        insufficientReason(running, prospective),
					DetectedAt:    detectedAt,
				})
				prospective = 0
			}
			running = prospective
		}
		res.Scanned += len(page)

		if len(batch) >= d.pageSize || (len(page) < d.pageSize && len(batch) > 0) {
			if err := d.store.StageInvalid(ctx, res.RunID, batch); err != nil {
				return fmt.Errorf("stage markers: %w", err)
			}
			res.Invalid += len(batch)
			batch = batch[:0]
		}

		if len(page) < d.pageSize {
			return nil
		}
		pos := core.PositionOf(page[len(page)-1])
		after = &pos
	}
}

func insufficientReason(running, prospective int64) string {
	return fmt.Sprintf("insufficient balance: running balance %s would drop to %s (shortfall %s)",
		core.Money{Cents: running}, core.Money{Cents: prospective}, core.Money{Cents: -prospective})
}
