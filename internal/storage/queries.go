package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"saldo/internal/core"

	"github.com/shopspring/decimal"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Queries holds the SQL used by the repository. It is bound either to the
// pool or to a single transaction.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const transactionColumns = `id, ts, type, amount_cents, created_at, updated_at`

func scanTransaction(row interface{ Scan(...interface{}) error }) (core.Transaction, error) {
	var (
		t                    core.Transaction
		ts, created, updated int64
		typ                  string
	)
	if err := row.Scan(&t.ID, &ts, &typ, &t.Amount.Cents, &created, &updated); err != nil {
		return t, err
	}
	t.Timestamp = fromNanos(ts)
	t.Type = core.TxType(typ)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]core.Transaction, error) {
	defer rows.Close()
	var out []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func toNanos(t time.Time) int64 { return core.UnixNanos(t) }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

const sumUntilSQL = `
SELECT COALESCE(SUM(CASE WHEN type = 'IN' THEN amount_cents ELSE -amount_cents END), 0)
FROM transactions
WHERE ts <= ? AND id != ?`

func (q *Queries) SumUntil(ctx context.Context, t time.Time, excludeID int64) (int64, error) {
	var sum int64
	err := q.db.QueryRowContext(ctx, sumUntilSQL, toNanos(t), excludeID).Scan(&sum)
	return sum, err
}

const getTransactionSQL = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

func (q *Queries) GetTransaction(ctx context.Context, id int64) (core.Transaction, error) {
	return scanTransaction(q.db.QueryRowContext(ctx, getTransactionSQL, id))
}

const scanOrderedFirst = `SELECT ` + transactionColumns + `
FROM transactions
ORDER BY ts ASC, id ASC
LIMIT ?`

const scanOrderedAfter = `SELECT ` + transactionColumns + `
FROM transactions
WHERE ts > ? OR (ts = ? AND id > ?)
ORDER BY ts ASC, id ASC
LIMIT ?`

func (q *Queries) ScanOrdered(ctx context.Context, after *core.Position, limit int) ([]core.Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = q.db.QueryContext(ctx, scanOrderedFirst, limit)
	} else {
		ts := toNanos(after.Timestamp)
		rows, err = q.db.QueryContext(ctx, scanOrderedAfter, ts, ts, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

const listFirst = `SELECT ` + transactionColumns + `
FROM transactions
ORDER BY ts DESC, id DESC
LIMIT ?`

const listBefore = `SELECT ` + transactionColumns + `
FROM transactions
WHERE ts < ? OR (ts = ? AND id < ?)
ORDER BY ts DESC, id DESC
LIMIT ?`

func (q *Queries) ListTransactions(ctx context.Context, before *core.Position, limit int) ([]core.Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = q.db.QueryContext(ctx, listFirst, limit)
	} else {
		ts := toNanos(before.Timestamp)
		rows, err = q.db.QueryContext(ctx, listBefore, ts, ts, before.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

const dailyAggregates = `
SELECT day,
       COALESCE(SUM(CASE WHEN type = 'IN' THEN amount_cents ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN type = 'OUT' THEN amount_cents ELSE 0 END), 0),
       COUNT(*)
FROM transactions
WHERE day >= ? AND day <= ?
GROUP BY day
ORDER BY day ASC`

func (q *Queries) DailyAggregates(ctx context.Context, from, to core.Date) ([]core.DayAggregate, error) {
	rows, err := q.db.QueryContext(ctx, dailyAggregates, from.String(), to.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.DayAggregate
	for rows.Next() {
		var (
			a   core.DayAggregate
			day string
		)
		if err := rows.Scan(&day, &a.InAmount.Cents, &a.OutAmount.Cents, &a.Count); err != nil {
			return nil, err
		}
		if a.Date, err = core.ParseDate(day); err != nil {
			return nil, fmt.Errorf("parse day %q: %w", day, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const insertTransaction = `
INSERT INTO transactions (ts, day, type, amount_cents, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING ` + transactionColumns

func (q *Queries) InsertTransaction(ctx context.Context, t core.Transaction, now time.Time) (core.Transaction, error) {
	n := toNanos(now)
	return scanTransaction(q.db.QueryRowContext(ctx, insertTransaction,
		toNanos(t.Timestamp), core.DateOf(t.Timestamp).String(), string(t.Type), t.Amount.Cents, n, n))
}

const insertTransactionIfAbsent = `
INSERT INTO transactions (ts, day, type, amount_cents, created_at, updated_at)
SELECT ?, ?, ?, ?, ?, ?
WHERE NOT EXISTS (
    SELECT 1 FROM transactions WHERE ts = ? AND type = ? AND amount_cents = ?
)`

// InsertTransactionIfAbsent reports whether a row was written.
func (q *Queries) InsertTransactionIfAbsent(ctx context.Context, t core.Transaction, now time.Time) (bool, error) {
	ts, n := toNanos(t.Timestamp), toNanos(now)
	res, err := q.db.ExecContext(ctx, insertTransactionIfAbsent,
		ts, core.DateOf(t.Timestamp).String(), string(t.Type), t.Amount.Cents, n, n,
		ts, string(t.Type), t.Amount.Cents)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

const updateTransaction = `
UPDATE transactions
SET ts = ?, day = ?, type = ?, amount_cents = ?, updated_at = ?
WHERE id = ?
RETURNING ` + transactionColumns

func (q *Queries) UpdateTransaction(ctx context.Context, t core.Transaction, now time.Time) (core.Transaction, error) {
	return scanTransaction(q.db.QueryRowContext(ctx, updateTransaction,
		toNanos(t.Timestamp), core.DateOf(t.Timestamp).String(), string(t.Type), t.Amount.Cents, toNanos(now), t.ID))
}

const deleteTransaction = `DELETE FROM transactions WHERE id = ?`

func (q *Queries) DeleteTransaction(ctx context.Context, id int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteTransaction, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const deleteInvalidMarker = `DELETE FROM invalid_transactions WHERE transaction_id = ?`

func (q *Queries) DeleteInvalidMarker(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, deleteInvalidMarker, id)
	return err
}

const listInvalid = `
SELECT i.transaction_id, i.reason, i.detected_at
FROM invalid_transactions i
JOIN transactions t ON t.id = i.transaction_id
ORDER BY t.ts ASC, t.id ASC`

func (q *Queries) ListInvalid(ctx context.Context) ([]core.InvalidTransaction, error) {
	rows, err := q.db.QueryContext(ctx, listInvalid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.InvalidTransaction
	for rows.Next() {
		var (
			m        core.InvalidTransaction
			detected int64
		)
		if err := rows.Scan(&m.TransactionID, &m.Reason, &detected); err != nil {
			return nil, err
		}
		m.DetectedAt = fromNanos(detected)
		out = append(out, m)
	}
	return out, rows.Err()
}

const countInvalid = `
SELECT COUNT(*)
FROM invalid_transactions i
JOIN transactions t ON t.id = i.transaction_id`

func (q *Queries) CountInvalid(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countInvalid).Scan(&n)
	return n, err
}

const stageInvalid = `
INSERT OR REPLACE INTO invalid_transactions_staging (run_id, transaction_id, reason, detected_at)
VALUES (?, ?, ?, ?)`

func (q *Queries) StageInvalid(ctx context.Context, runID string, m core.InvalidTransaction) error {
	_, err := q.db.ExecContext(ctx, stageInvalid, runID, m.TransactionID, m.Reason, toNanos(m.DetectedAt))
	return err
}

const (
	clearInvalid   = `DELETE FROM invalid_transactions`
	publishInvalid = `
INSERT INTO invalid_transactions (transaction_id, reason, detected_at)
SELECT transaction_id, reason, detected_at
FROM invalid_transactions_staging
WHERE run_id = ?`
	discardInvalid = `DELETE FROM invalid_transactions_staging WHERE run_id = ?`
)

func (q *Queries) ClearInvalid(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, clearInvalid)
	return err
}

func (q *Queries) PublishInvalid(ctx context.Context, runID string) error {
	_, err := q.db.ExecContext(ctx, publishInvalid, runID)
	return err
}

func (q *Queries) DiscardInvalid(ctx context.Context, runID string) error {
	_, err := q.db.ExecContext(ctx, discardInvalid, runID)
	return err
}

const upsertDailySummary = `
INSERT INTO daily_summaries (day, balance_cents, in_cents, out_cents, percent_change, transaction_count, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (day) DO UPDATE SET
    balance_cents = excluded.balance_cents,
    in_cents = excluded.in_cents,
    out_cents = excluded.out_cents,
    percent_change = excluded.percent_change,
    transaction_count = excluded.transaction_count,
    updated_at = excluded.updated_at`

func (q *Queries) UpsertDailySummary(ctx context.Context, s core.DailySummary) error {
	_, err := q.db.ExecContext(ctx, upsertDailySummary,
		s.Date.String(), s.Balance.Cents, s.InAmount.Cents, s.OutAmount.Cents,
		s.PercentChange.StringFixed(2), s.TransactionCount, toNanos(s.UpdatedAt))
	return err
}

const listDailySummaries = `
SELECT day, balance_cents, in_cents, out_cents, percent_change, transaction_count, updated_at
FROM daily_summaries
WHERE day >= ? AND day <= ?
ORDER BY day ASC`

func (q *Queries) ListDailySummaries(ctx context.Context, from, to core.Date) ([]core.DailySummary, error) {
	rows, err := q.db.QueryContext(ctx, listDailySummaries, from.String(), to.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.DailySummary
	for rows.Next() {
		var (
			s            core.DailySummary
			day, pct     string
			updatedNanos int64
		)
		if err := rows.Scan(&day, &s.Balance.Cents, &s.InAmount.Cents, &s.OutAmount.Cents,
			&pct, &s.TransactionCount, &updatedNanos); err != nil {
			return nil, err
		}
		if s.Date, err = core.ParseDate(day); err != nil {
			return nil, fmt.Errorf("parse day %q: %w", day, err)
		}
		if s.PercentChange, err = decimal.NewFromString(pct); err != nil {
			return nil, fmt.Errorf("parse percent change %q: %w", pct, err)
		}
		s.UpdatedAt = fromNanos(updatedNanos)
		out = append(out, s)
	}
	return out, rows.Err()
}

const typeStats = `
SELECT type, COUNT(*), COALESCE(SUM(amount_cents), 0), COALESCE(MIN(amount_cents), 0), COALESCE(MAX(amount_cents), 0)
FROM transactions
GROUP BY type`

func (q *Queries) TypeStats(ctx context.Context) (in, out core.TypeStats, err error) {
	rows, err := q.db.QueryContext(ctx, typeStats)
	if err != nil {
		return in, out, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ string
			s   core.TypeStats
		)
		if err := rows.Scan(&typ, &s.Count, &s.Sum.Cents, &s.Min.Cents, &s.Max.Cents); err != nil {
			return in, out, err
		}
		s.Finish()
		switch core.TxType(typ) {
		case core.TxIn:
			in = s
		case core.TxOut:
			out = s
		}
	}
	return in, out, rows.Err()
}
