package services_test

import (
	"context"
	"testing"
	"time"

	"saldo/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func markerIDs(t *testing.T, l *ledger) []int64 {
	t.Helper()
	markers, err := l.queries.ListInvalid(context.Background())
	require.NoError(t, err)
	ids := make([]int64, 0, len(markers))
	for _, m := range markers {
		ids = append(ids, m.TransactionID)
	}
	return ids
}

func idOf(t *testing.T, l *ledger, ts time.Time, typ core.TxType, cents int64) int64 {
	t.Helper()
	all, err := l.store.ScanOrdered(context.Background(), nil, 1000)
	require.NoError(t, err)
	for _, tx := range all {
		if tx.Timestamp.Equal(ts) && tx.Type == typ && tx.Amount.Cents == cents {
			return tx.ID
		}
	}
	t.Fatalf("no transaction %s %s %d", ts, typ, cents)
	return 0
}

func TestDetector_FlagsBulkBypassWithClamp(t *testing.T) {
	l := newLedger(t)
	l.load(t,
		input(day1, "IN", "1"),
		input(day1.Add(time.Hour), "OUT", "1.50"),
		input(day1.Add(2*time.Hour), "IN", "0.50"),
		input(day1.Add(3*time.Hour), "OUT", "0.40"),
	)

	res, err := l.detector.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Scanned)
	assert.Equal(t, 1, res.Invalid)
	assert.NotEmpty(t, res.RunID)

	markers, err := l.queries.ListInvalid(context.Background())
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, idOf(t, l, day1.Add(time.Hour), core.TxOut, 150), markers[0].TransactionID)
	assert.Equal(t, "insufficient balance: running balance 1.00 would drop to -0.50 (shortfall 0.50)", markers[0].Reason)
}

func TestDetector_ClampDoesNotCarryDebt(t *testing.T) {
	l := newLedger(t)
	l.load(t,
		input(day1, "OUT", "5"),
		input(day1.Add(time.Hour), "IN", "2"),
		input(day1.Add(2*time.Hour), "OUT", "3"),
	)

	_, err := l.detector.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{
		idOf(t, l, day1, core.TxOut, 500),
		idOf(t, l, day1.Add(2*time.Hour), core.TxOut, 300),
	}, markerIDs(t, l))

	markers, err := l.queries.ListInvalid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "insufficient balance: running balance 2.00 would drop to -1.00 (shortfall 1.00)", markers[1].Reason)
}

func TestDetector_Idempotent(t *testing.T) {
	l := newLedger(t)
	l.load(t,
		input(day1, "OUT", "1"),
		input(day1.Add(time.Hour), "OUT", "2"),
		input(day1.Add(2*time.Hour), "IN", "10"),
		input(day1.Add(3*time.Hour), "OUT", "20"),
		input(day1.Add(4*time.Hour), "OUT", "1"),
	)

	_, err := l.detector.Run(context.Background())
	require.NoError(t, err)
	first := markerIDs(t, l)

	_, err = l.detector.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, markerIDs(t, l))
	assert.Len(t, first, 4)
}

func TestDetector_ReplacesPreviousMarkers(t *testing.T) {
	l := newLedger(t)
	l.load(t, input(day1, "OUT", "1"))

	_, err := l.detector.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, markerIDs(t, l), 1)

	l.load(t, input(day1.Add(-time.Hour), "IN", "5"))
	_, err = l.detector.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, markerIDs(t, l))
}

func TestDetector_OrdersSameInstantByID(t *testing.T) {
	l := newLedger(t)
	l.load(t, input(day1, "IN", "1"))
	l.load(t, input(day1, "OUT", "1"))

	_, err := l.detector.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, markerIDs(t, l), "IN inserted first at the same instant funds the OUT")
}
