package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"saldo/internal/core"
)

const DefaultBulkBatchSize = 500

// BulkLoader imports many transactions at once. It validates every record
// before writing anything and bypasses the balance gate; violations it lets
// through are picked up by the detector on the scheduled recomputation.
type BulkLoader struct {
	store       LedgerStore
	coordinator *CacheCoordinator
	scheduler   Scheduler
	batchSize   int
	now         func() time.Time
	logger      *slog.Logger
}

func NewBulkLoader(store LedgerStore, coordinator *CacheCoordinator, scheduler Scheduler, batchSize int, logger *slog.Logger) *BulkLoader {
	if batchSize <= 0 {
		batchSize = DefaultBulkBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BulkLoader{
		store:       store,
		coordinator: coordinator,
		scheduler:   scheduler,
		batchSize:   batchSize,
		now:         time.Now,
		logger:      logger,
	}
}

// Load validates, sorts and inserts the records in one store transaction.
// Exact duplicates of existing entries, or of earlier records in the same
// call, are skipped. It returns the number of rows inserted.
func (b *BulkLoader) Load(ctx context.Context, inputs []core.TransactionInput) (int, error) {
	now := b.now()
	txs := make([]core.Transaction, len(inputs))
	for i, in := range inputs {
		tx, err := core.ValidateInput(in, now)
		if err != nil {
			var ve *core.ValidationError
			if errors.As(err, &ve) {
				indexed := *ve
				indexed.Index = i
				return 0, &indexed
			}
			return 0, err
		}
		txs[i] = tx
	}
	if len(txs) == 0 {
		return 0, nil
	}

	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Timestamp.Before(txs[j].Timestamp) })

	inserted := 0
	err := b.store.WithTx(ctx, func(tx LedgerTx) error {
		for start := 0; start < len(txs); start += b.batchSize {
			end := min(start+b.batchSize, len(txs))
			n, err := tx.InsertBatch(ctx, txs[start:end])
			if err != nil {
				return fmt.Errorf("insert batch at %d: %w", start, err)
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	b.coordinator.InvalidateAll(ctx)
	earliest := txs[0].Timestamp
	if err := b.scheduler.Schedule(ctx, earliest, "bulk"); err != nil {
		b.logger.ErrorContext(ctx, "Failed to schedule recomputation after bulk load",
			"from", earliest,
			"error", err)
	}

	b.logger.InfoContext(ctx, "Bulk load committed",
		"received", len(inputs),
		"inserted", inserted,
		"skipped", len(inputs)-inserted,
		"from", earliest)
	return inserted, nil
}
