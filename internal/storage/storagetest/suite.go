// Package storagetest holds behaviour tests shared by every LedgerStore
// implementation.
package storagetest

import (
	"context"
	"testing"
	"time"

	"saldo/internal/core"
	"saldo/internal/services"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func tx(offset time.Duration, typ core.TxType, cents int64) core.Transaction {
	return core.Transaction{Timestamp: base.Add(offset), Type: typ, Amount: core.Money{Cents: cents}}
}

func insert(t *testing.T, s services.LedgerStore, txs ...core.Transaction) []core.Transaction {
	t.Helper()
	var out []core.Transaction
	err := s.WithTx(context.Background(), func(ltx services.LedgerTx) error {
		for _, tr := range txs {
			created, err := ltx.InsertTransaction(context.Background(), tr)
			if err != nil {
				return err
			}
			out = append(out, created)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

// Run exercises a fresh store returned by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) services.LedgerStore) {
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		s := newStore(t)
		ts := base.Add(1234567 * time.Nanosecond)
		created := insert(t, s, core.Transaction{Timestamp: ts, Type: core.TxIn, Amount: core.Money{Cents: 1050}})[0]

		assert.NotZero(t, created.ID)
		got, err := s.GetTransaction(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, got.Timestamp.Equal(ts))
		assert.Equal(t, core.TxIn, got.Type)
		assert.Equal(t, int64(1050), got.Amount.Cents)

		_, err = s.GetTransaction(ctx, created.ID+100)
		assert.True(t, core.IsNotFound(err))
	})

	t.Run("sum until is inclusive and honours exclusion", func(t *testing.T) {
		s := newStore(t)
		created := insert(t, s,
			tx(0, core.TxIn, 1000),
			tx(time.Hour, core.TxOut, 300),
			tx(2*time.Hour, core.TxIn, 50),
		)

		sum, err := s.SumUntil(ctx, base.Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(700), sum)

		sum, err = s.SumUntil(ctx, base.Add(time.Hour), created[1].ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), sum)

		sum, err = s.SumUntil(ctx, base.Add(-time.Nanosecond), 0)
		require.NoError(t, err)
		assert.Zero(t, sum)
	})

	t.Run("scan ordered pages by timestamp then id", func(t *testing.T) {
		s := newStore(t)
		insert(t, s,
			tx(3*time.Hour, core.TxIn, 1),
			tx(time.Hour, core.TxIn, 2),
			tx(time.Hour, core.TxIn, 3),
			tx(0, core.TxIn, 4),
		)

		var seen []int64
		var after *core.Position
		for {
			page, err := s.ScanOrdered(ctx, after, 3)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			for _, p := range page {
				seen = append(seen, p.Amount.Cents)
			}
			pos := core.PositionOf(page[len(page)-1])
			after = &pos
		}
		assert.Equal(t, []int64{4, 2, 3, 1}, seen)
	})

	t.Run("list transactions descending with cursor", func(t *testing.T) {
		s := newStore(t)
		insert(t, s, tx(0, core.TxIn, 1), tx(time.Hour, core.TxIn, 2), tx(time.Hour, core.TxIn, 3))

		page, err := s.ListTransactions(ctx, nil, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, int64(3), page[0].Amount.Cents)
		assert.Equal(t, int64(2), page[1].Amount.Cents)

		pos := core.PositionOf(page[1])
		rest, err := s.ListTransactions(ctx, &pos, 2)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, int64(1), rest[0].Amount.Cents)
	})

	t.Run("update and delete", func(t *testing.T) {
		s := newStore(t)
		created := insert(t, s, tx(0, core.TxIn, 100))[0]

		err := s.WithTx(ctx, func(ltx services.LedgerTx) error {
			created.Amount = core.Money{Cents: 250}
			created.Type = core.TxOut
			_, err := ltx.UpdateTransaction(ctx, created)
			return err
		})
		require.NoError(t, err)

		got, err := s.GetTransaction(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, core.TxOut, got.Type)
		assert.Equal(t, int64(250), got.Amount.Cents)

		require.NoError(t, s.WithTx(ctx, func(ltx services.LedgerTx) error {
			return ltx.DeleteTransaction(ctx, created.ID)
		}))
		err = s.WithTx(ctx, func(ltx services.LedgerTx) error {
			return ltx.DeleteTransaction(ctx, created.ID)
		})
		assert.True(t, core.IsNotFound(err))
	})

	t.Run("failed unit rolls back", func(t *testing.T) {
		s := newStore(t)
		err := s.WithTx(ctx, func(ltx services.LedgerTx) error {
			if _, err := ltx.InsertTransaction(ctx, tx(0, core.TxIn, 100)); err != nil {
				return err
			}
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		page, err := s.ScanOrdered(ctx, nil, 10)
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run("insert batch skips duplicates", func(t *testing.T) {
		s := newStore(t)
		insert(t, s, tx(0, core.TxIn, 100))

		var n int
		err := s.WithTx(ctx, func(ltx services.LedgerTx) error {
			var err error
			n, err = ltx.InsertBatch(ctx, []core.Transaction{
				tx(0, core.TxIn, 100),
				tx(time.Minute, core.TxOut, 40),
				tx(time.Minute, core.TxOut, 40),
				tx(time.Minute, core.TxIn, 40),
			})
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		page, err := s.ScanOrdered(ctx, nil, 10)
		require.NoError(t, err)
		assert.Len(t, page, 3)
	})

	t.Run("daily aggregates", func(t *testing.T) {
		s := newStore(t)
		insert(t, s,
			tx(0, core.TxIn, 1000),
			tx(time.Hour, core.TxOut, 200),
			tx(24*time.Hour, core.TxOut, 100),
			tx(72*time.Hour, core.TxIn, 5),
		)

		day := core.DateOf(base)
		aggs, err := s.DailyAggregates(ctx, day, day.Next())
		require.NoError(t, err)
		require.Len(t, aggs, 2)
		assert.Equal(t, day, aggs[0].Date)
		assert.Equal(t, int64(1000), aggs[0].InAmount.Cents)
		assert.Equal(t, int64(200), aggs[0].OutAmount.Cents)
		assert.Equal(t, int64(2), aggs[0].Count)
		assert.Equal(t, int64(100), aggs[1].OutAmount.Cents)
	})

	t.Run("invalid markers are swapped atomically", func(t *testing.T) {
		s := newStore(t)
		created := insert(t, s, tx(0, core.TxIn, 1), tx(time.Hour, core.TxOut, 5), tx(2*time.Hour, core.TxOut, 7))

		require.NoError(t, s.StageInvalid(ctx, "run-1", []core.InvalidTransaction{
			{TransactionID: created[1].ID, Reason: "first", DetectedAt: base},
		}))
		require.NoError(t, s.PublishInvalid(ctx, "run-1"))

		require.NoError(t, s.StageInvalid(ctx, "run-2", []core.InvalidTransaction{
			{TransactionID: created[2].ID, Reason: "second", DetectedAt: base},
		}))
		markers, err := s.ListInvalid(ctx)
		require.NoError(t, err)
		require.Len(t, markers, 1)
		assert.Equal(t, created[1].ID, markers[0].TransactionID)

		require.NoError(t, s.DiscardInvalid(ctx, "run-2"))
		require.NoError(t, s.PublishInvalid(ctx, "run-2"))
		n, err := s.CountInvalid(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("deleting a transaction drops its marker", func(t *testing.T) {
		s := newStore(t)
		created := insert(t, s, tx(0, core.TxOut, 5))[0]
		require.NoError(t, s.StageInvalid(ctx, "run", []core.InvalidTransaction{{TransactionID: created.ID, Reason: "r", DetectedAt: base}}))
		require.NoError(t, s.PublishInvalid(ctx, "run"))

		require.NoError(t, s.WithTx(ctx, func(ltx services.LedgerTx) error {
			return ltx.DeleteTransaction(ctx, created.ID)
		}))
		n, err := s.CountInvalid(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("daily summaries upsert by date", func(t *testing.T) {
		s := newStore(t)
		day := core.DateOf(base)
		row := core.DailySummary{
			Date:             day,
			Balance:          core.Money{Cents: 500},
			InAmount:         core.Money{Cents: 700},
			OutAmount:        core.Money{Cents: 200},
			PercentChange:    decimal.RequireFromString("12.5"),
			TransactionCount: 3,
			UpdatedAt:        base,
		}
		require.NoError(t, s.UpsertDailySummaries(ctx, []core.DailySummary{row}))
		row.Balance = core.Money{Cents: 900}
		require.NoError(t, s.UpsertDailySummaries(ctx, []core.DailySummary{row, {Date: day.Next(), UpdatedAt: base}}))

		rows, err := s.ListDailySummaries(ctx, day, day.Next())
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, int64(900), rows[0].Balance.Cents)
		assert.True(t, rows[0].PercentChange.Equal(decimal.RequireFromString("12.5")))
		assert.Equal(t, int64(3), rows[0].TransactionCount)
	})

	t.Run("type stats", func(t *testing.T) {
		s := newStore(t)
		insert(t, s, tx(0, core.TxIn, 100), tx(time.Minute, core.TxIn, 301), tx(2*time.Minute, core.TxOut, 50))

		in, out, err := s.TypeStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), in.Count)
		assert.Equal(t, int64(401), in.Sum.Cents)
		assert.Equal(t, int64(201), in.Avg.Cents)
		assert.Equal(t, int64(100), in.Min.Cents)
		assert.Equal(t, int64(301), in.Max.Cents)
		assert.Equal(t, int64(1), out.Count)
		assert.Equal(t, int64(50), out.Avg.Cents)
	})
}
