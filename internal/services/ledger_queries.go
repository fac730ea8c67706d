package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"saldo/internal/core"
)

const (
	DefaultPageLimit    = 20
	MaxPageLimit        = 100
	DefaultAggregateTTL = 30 * time.Second
)

// TransactionPage is one page of the descending transaction listing.
type TransactionPage struct {
	Data         []core.Transaction
	NextCursor   *int64
	HasMore      bool
	InvalidCount int64
}

// HealthStatus reports dependency reachability.
type HealthStatus struct {
	Database error
	Cache    error
}

// LedgerQueries serves the read side of the API.
type LedgerQueries struct {
	store        LedgerStore
	oracle       *BalanceOracle
	coordinator  *CacheCoordinator
	aggregateTTL time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

func NewLedgerQueries(store LedgerStore, oracle *BalanceOracle, coordinator *CacheCoordinator, aggregateTTL time.Duration, logger *slog.Logger) *LedgerQueries {
	if aggregateTTL <= 0 {
		aggregateTTL = DefaultAggregateTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerQueries{
		store:        store,
		oracle:       oracle,
		coordinator:  coordinator,
		aggregateTTL: aggregateTTL,
		now:          time.Now,
		logger:       logger,
	}
}

// ClampLimit applies the default and the upper bound to a page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// ListTransactions pages newest first. cursor is the id of the last item of
// the previous page; an unknown id is a validation error.
func (q *LedgerQueries) ListTransactions(ctx context.Context, cursor *int64, limit int) (TransactionPage, error) {
	limit = ClampLimit(limit)

	var before *core.Position
	if cursor != nil {
		tx, err := q.store.GetTransaction(ctx, *cursor)
		if errors.Is(err, core.ErrNotFound) {
			return TransactionPage{}, core.NewValidationError("cursor", core.CodeInvalidCursor, "cursor does not reference a transaction")
		}
		if err != nil {
			return TransactionPage{}, err
		}
		pos := core.PositionOf(tx)
		before = &pos
	}

	rows, err := q.store.ListTransactions(ctx, before, limit+1)
	if err != nil {
		return TransactionPage{}, err
	}

	page := TransactionPage{Data: rows}
	if len(rows) > limit {
		page.Data = rows[:limit]
		page.HasMore = true
		next := page.Data[limit-1].ID
		page.NextCursor = &next
	}
	if page.Data == nil {
		page.Data = []core.Transaction{}
	}

	page.InvalidCount, err = q.InvalidCount(ctx)
	if err != nil {
		return TransactionPage{}, err
	}
	return page, nil
}

func (q *LedgerQueries) GetTransaction(ctx context.Context, id int64) (core.Transaction, error) {
	return q.store.GetTransaction(ctx, id)
}

func (q *LedgerQueries) ListInvalid(ctx context.Context) ([]core.InvalidTransaction, error) {
	markers, err := q.store.ListInvalid(ctx)
	if err != nil {
		return nil, err
	}
	if markers == nil {
		markers = []core.InvalidTransaction{}
	}
	return markers, nil
}

// InvalidCount is cached under KeyInvalidCount.
func (q *LedgerQueries) InvalidCount(ctx context.Context) (int64, error) {
	if raw, ok := q.coordinator.Lookup(ctx, KeyInvalidCount); ok {
		if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			return n, nil
		}
	}

	gen := q.coordinator.Generation()
	n, err := q.store.CountInvalid(ctx)
	if err != nil {
		return 0, err
	}
	q.coordinator.StoreIfCurrent(ctx, gen, KeyInvalidCount, []byte(strconv.FormatInt(n, 10)), q.aggregateTTL)
	return n, nil
}

// Stats is cached under KeyStats.
func (q *LedgerQueries) Stats(ctx context.Context) (core.Stats, error) {
	var stats core.Stats
	if raw, ok := q.coordinator.Lookup(ctx, KeyStats); ok {
		if err := json.Unmarshal(raw, &stats); err == nil {
			return stats, nil
		}
	}

	gen := q.coordinator.Generation()
	in, out, err := q.store.TypeStats(ctx)
	if err != nil {
		return stats, err
	}
	// Uncached: now is never queried again.
	balance, err := q.oracle.Within(q.store).BalanceAt(ctx, q.now())
	if err != nil {
		return stats, err
	}
	invalid, err := q.InvalidCount(ctx)
	if err != nil {
		return stats, err
	}

	stats = core.Stats{
		Total:          in.Count + out.Count,
		In:             in,
		Out:            out,
		CurrentBalance: balance,
		InvalidCount:   invalid,
	}
	if raw, err := json.Marshal(stats); err == nil {
		q.coordinator.StoreIfCurrent(ctx, gen, KeyStats, raw, q.aggregateTTL)
	}
	return stats, nil
}

// DailySummaries returns stored rows for [from, to].
func (q *LedgerQueries) DailySummaries(ctx context.Context, from, to core.Date) ([]core.DailySummary, error) {
	if to.Before(from) {
		return nil, core.NewValidationError("to", core.CodeInvalidTimestamp, "to must not be before from")
	}
	rows, err := q.store.ListDailySummaries(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("daily summaries: %w", err)
	}
	if rows == nil {
		rows = []core.DailySummary{}
	}
	return rows, nil
}

// Health pings the store and the cache. Only the store is essential.
func (q *LedgerQueries) Health(ctx context.Context) HealthStatus {
	return HealthStatus{
		Database: q.store.Ping(ctx),
		Cache:    q.coordinator.Ping(ctx),
	}
}
