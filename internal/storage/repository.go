package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"saldo/internal/core"
	"saldo/internal/services"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	busyRetries   = 5
	busyBaseDelay = 20 * time.Millisecond
)

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	now     func() time.Time
}

var _ services.LedgerStore = (*SQLiteRepository)(nil)

// dsn opens write transactions with BEGIN IMMEDIATE so the balance check and
// the write it guards cannot interleave with another writer.
func dsn(dbPath string) string {
	return "file:" + dbPath +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
		now:     time.Now,
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) SumUntil(ctx context.Context, t time.Time, excludeID int64) (int64, error) {
	return sumUntil(ctx, r.queries, t, excludeID)
}

func (r *SQLiteRepository) GetTransaction(ctx context.Context, id int64) (core.Transaction, error) {
	return getTransaction(ctx, r.queries, id)
}

func (r *SQLiteRepository) ScanOrdered(ctx context.Context, after *core.Position, limit int) ([]core.Transaction, error) {
	txs, err := r.queries.ScanOrdered(ctx, after, limit)
	if err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}
	return txs, nil
}

func (r *SQLiteRepository) DailyAggregates(ctx context.Context, from, to core.Date) ([]core.DayAggregate, error) {
	aggs, err := r.queries.DailyAggregates(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("daily aggregates: %w", err)
	}
	return aggs, nil
}

func (r *SQLiteRepository) ListTransactions(ctx context.Context, before *core.Position, limit int) ([]core.Transaction, error) {
	txs, err := r.queries.ListTransactions(ctx, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

func (r *SQLiteRepository) ListInvalid(ctx context.Context) ([]core.InvalidTransaction, error) {
	markers, err := r.queries.ListInvalid(ctx)
	if err != nil {
		return nil, fmt.Errorf("list invalid transactions: %w", err)
	}
	return markers, nil
}

func (r *SQLiteRepository) CountInvalid(ctx context.Context) (int64, error) {
	n, err := r.queries.CountInvalid(ctx)
	if err != nil {
		return 0, fmt.Errorf("count invalid transactions: %w", err)
	}
	return n, nil
}

// StageInvalid writes one batch of markers in its own transaction.
func (r *SQLiteRepository) StageInvalid(ctx context.Context, runID string, markers []core.InvalidTransaction) error {
	if len(markers) == 0 {
		return nil
	}
	return r.inTx(ctx, func(q *Queries) error {
		for _, m := range markers {
			if err := q.StageInvalid(ctx, runID, m); err != nil {
				return fmt.Errorf("stage marker for transaction %d: %w", m.TransactionID, err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) PublishInvalid(ctx context.Context, runID string) error {
	err := r.inTx(ctx, func(q *Queries) error {
		if err := q.ClearInvalid(ctx); err != nil {
			return fmt.Errorf("clear markers: %w", err)
		}
		if err := q.PublishInvalid(ctx, runID); err != nil {
			return fmt.Errorf("copy staged markers: %w", err)
		}
		if err := q.DiscardInvalid(ctx, runID); err != nil {
			return fmt.Errorf("drop staged markers: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.DebugContext(ctx, "Invalid transaction markers published", "run_id", runID)
	return nil
}

func (r *SQLiteRepository) DiscardInvalid(ctx context.Context, runID string) error {
	if err := r.queries.DiscardInvalid(ctx, runID); err != nil {
		return fmt.Errorf("discard staged markers: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpsertDailySummaries(ctx context.Context, rows []core.DailySummary) error {
	if len(rows) == 0 {
		return nil
	}
	return r.inTx(ctx, func(q *Queries) error {
		for _, s := range rows {
			if err := q.UpsertDailySummary(ctx, s); err != nil {
				return fmt.Errorf("upsert summary %s: %w", s.Date, err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) ListDailySummaries(ctx context.Context, from, to core.Date) ([]core.DailySummary, error) {
	rows, err := r.queries.ListDailySummaries(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list daily summaries: %w", err)
	}
	return rows, nil
}

func (r *SQLiteRepository) TypeStats(ctx context.Context) (core.TypeStats, core.TypeStats, error) {
	in, out, err := r.queries.TypeStats(ctx)
	if err != nil {
		return in, out, fmt.Errorf("type stats: %w", err)
	}
	return in, out, nil
}

// WithTx runs fn inside an IMMEDIATE transaction, retrying when another
// writer holds the lock longer than busy_timeout.
func (r *SQLiteRepository) WithTx(ctx context.Context, fn func(tx services.LedgerTx) error) error {
	return r.inTx(ctx, func(q *Queries) error {
		return fn(&sqliteTx{q: q, now: r.now})
	})
}

func (r *SQLiteRepository) inTx(ctx context.Context, fn func(q *Queries) error) error {
	delay := busyBaseDelay
	for attempt := 1; ; attempt++ {
		err := r.runTx(ctx, fn)
		if err == nil || !isBusy(err) || attempt >= busyRetries {
			return err
		}

		slog.WarnContext(ctx, "Database busy, retrying transaction",
			"attempt", attempt,
			"delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (r *SQLiteRepository) runTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(r.queries.WithTx(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.ErrorContext(ctx, "Rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return strings.Contains(err.Error(), "database is locked")
}

type sqliteTx struct {
	q   *Queries
	now func() time.Time
}

func (t *sqliteTx) SumUntil(ctx context.Context, ts time.Time, excludeID int64) (int64, error) {
	return sumUntil(ctx, t.q, ts, excludeID)
}

func (t *sqliteTx) GetTransaction(ctx context.Context, id int64) (core.Transaction, error) {
	return getTransaction(ctx, t.q, id)
}

func (t *sqliteTx) ScanOrdered(ctx context.Context, after *core.Position, limit int) ([]core.Transaction, error) {
	txs, err := t.q.ScanOrdered(ctx, after, limit)
	if err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}
	return txs, nil
}

func (t *sqliteTx) DailyAggregates(ctx context.Context, from, to core.Date) ([]core.DayAggregate, error) {
	aggs, err := t.q.DailyAggregates(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("daily aggregates: %w", err)
	}
	return aggs, nil
}

func (t *sqliteTx) InsertTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	created, err := t.q.InsertTransaction(ctx, tx, t.now())
	if err != nil {
		return core.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	slog.InfoContext(ctx, "Transaction saved to SQLite",
		"id", created.ID,
		"type", created.Type,
		"amount_cents", created.Amount.Cents,
		"timestamp", created.Timestamp)

	return created, nil
}

func (t *sqliteTx) UpdateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	updated, err := t.q.UpdateTransaction(ctx, tx, t.now())
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, &core.NotFoundError{ID: tx.ID}
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("update transaction %d: %w", tx.ID, err)
	}
	return updated, nil
}

func (t *sqliteTx) DeleteTransaction(ctx context.Context, id int64) error {
	n, err := t.q.DeleteTransaction(ctx, id)
	if err != nil {
		return fmt.Errorf("delete transaction %d: %w", id, err)
	}
	if n == 0 {
		return &core.NotFoundError{ID: id}
	}
	if err := t.q.DeleteInvalidMarker(ctx, id); err != nil {
		return fmt.Errorf("delete marker for transaction %d: %w", id, err)
	}
	return nil
}

func (t *sqliteTx) InsertBatch(ctx context.Context, txs []core.Transaction) (int, error) {
	now := t.now()
	inserted := 0
	for _, tx := range txs {
		ok, err := t.q.InsertTransactionIfAbsent(ctx, tx, now)
		if err != nil {
			return inserted, fmt.Errorf("insert batch row: %w", err)
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func sumUntil(ctx context.Context, q *Queries, t time.Time, excludeID int64) (int64, error) {
	sum, err := q.SumUntil(ctx, t, excludeID)
	if err != nil {
		return 0, fmt.Errorf("sum transactions until %s: %w", t.Format(time.RFC3339Nano), err)
	}
	return sum, nil
}

func getTransaction(ctx context.Context, q *Queries, id int64) (core.Transaction, error) {
	tx, err := q.GetTransaction(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, &core.NotFoundError{ID: id}
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction %d: %w", id, err)
	}
	return tx, nil
}
