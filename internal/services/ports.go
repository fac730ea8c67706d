package services

import (
	"context"
	"time"

	"saldo/internal/core"
)

// Ports implemented by the storage and cache packages.
type (
	// LedgerReader exposes the queries the balance computations need. Both the
	// store and an open store transaction implement it.
	LedgerReader interface {
		// SumUntil returns the signed sum in cents of every transaction with
		// timestamp <= t. A non-zero excludeID leaves that transaction out.
		SumUntil(ctx context.Context, t time.Time, excludeID int64) (int64, error)

		// GetTransaction returns *core.NotFoundError when id is unknown.
		GetTransaction(ctx context.Context, id int64) (core.Transaction, error)

		// ScanOrdered returns up to limit transactions ordered by (timestamp, id)
		// strictly after the given position. A nil position starts from the
		// beginning of the log.
		ScanOrdered(ctx context.Context, after *core.Position, limit int) ([]core.Transaction, error)

		// DailyAggregates returns per-day IN/OUT sums and counts for days in
		// [from, to], inclusive. Days without transactions are omitted.
		DailyAggregates(ctx context.Context, from, to core.Date) ([]core.DayAggregate, error)
	}

	// LedgerTx is the write side available inside Store.WithTx.
	LedgerTx interface {
		LedgerReader

		InsertTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error)
		UpdateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error)
		DeleteTransaction(ctx context.Context, id int64) error

		// InsertBatch inserts the transactions in order, skipping any whose
		// (timestamp, type, amount) already exists in the log, including rows
		// inserted earlier in the same batch. It returns the number inserted.
		InsertBatch(ctx context.Context, txs []core.Transaction) (int, error)
	}

	// LedgerStore is the persistent transaction log plus its derived tables.
	LedgerStore interface {
		LedgerReader

		// WithTx runs fn in a single serializable unit. Writers are
		// serialized; fn's error rolls everything back.
		WithTx(ctx context.Context, fn func(tx LedgerTx) error) error

		// ListTransactions returns transactions ordered by (timestamp, id)
		// descending, strictly before the given position when not nil.
		ListTransactions(ctx context.Context, before *core.Position, limit int) ([]core.Transaction, error)

		ListInvalid(ctx context.Context) ([]core.InvalidTransaction, error)
		CountInvalid(ctx context.Context) (int64, error)

		// StageInvalid buffers markers for a detector run.
		StageInvalid(ctx context.Context, runID string, markers []core.InvalidTransaction) error
		// PublishInvalid atomically replaces the current marker set with the
		// markers staged under runID.
		PublishInvalid(ctx context.Context, runID string) error
		// DiscardInvalid drops markers staged under runID.
		DiscardInvalid(ctx context.Context, runID string) error

		UpsertDailySummaries(ctx context.Context, rows []core.DailySummary) error
		ListDailySummaries(ctx context.Context, from, to core.Date) ([]core.DailySummary, error)

		// TypeStats returns count, sum, min and max per transaction type.
		TypeStats(ctx context.Context) (in, out core.TypeStats, err error)

		Ping(ctx context.Context) error
		Close() error
	}

	// Cache is a byte-oriented key/value cache with per-entry TTL. Any error
	// is treated as a cache outage by callers and never surfaced.
	Cache interface {
		Get(ctx context.Context, key string) ([]byte, bool, error)
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
		Delete(ctx context.Context, key string) error
		// DeleteMatching removes every key for which match returns true.
		DeleteMatching(ctx context.Context, match func(key string) bool) (int, error)
		Clear(ctx context.Context) error
		Ping(ctx context.Context) error
	}

	// Scheduler queues an asynchronous recomputation rooted at from.
	// Schedule must not block on the recomputation itself.
	Scheduler interface {
		Schedule(ctx context.Context, from time.Time, reason string) error
	}

	// SummaryExporter pushes recomputed daily summaries to an external sink.
	SummaryExporter interface {
		ExportSummaries(ctx context.Context, rows []core.DailySummary) error
	}
)
