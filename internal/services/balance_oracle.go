package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"saldo/internal/core"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultBalanceTTL   = 5 * time.Minute
	DefaultScanPageSize = 1000
)

type OracleConfig struct {
	BalanceTTL time.Duration
	PageSize   int
}

// BalanceOracle answers B(t), the signed sum of every transaction with
// timestamp <= t. Point queries are cached by exact instant.
type BalanceOracle struct {
	store       LedgerStore
	coordinator *CacheCoordinator
	cfg         OracleConfig
	group       singleflight.Group
	logger      *slog.Logger
}

func NewBalanceOracle(store LedgerStore, coordinator *CacheCoordinator, cfg OracleConfig, logger *slog.Logger) *BalanceOracle {
	if cfg.BalanceTTL <= 0 {
		cfg.BalanceTTL = DefaultBalanceTTL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultScanPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BalanceOracle{store: store, coordinator: coordinator, cfg: cfg, logger: logger}
}

// BalanceAt returns B(t). Cache failures fall back to the store.
func (o *BalanceOracle) BalanceAt(ctx context.Context, t time.Time) (core.Money, error) {
	key := BalanceKey(t)

	if raw, ok := o.coordinator.Lookup(ctx, key); ok {
		if cents, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			return core.Money{Cents: cents}, nil
		}
		o.logger.WarnContext(ctx, "Discarding malformed cached balance", "key", key)
	}

	// Concurrent misses share one store read; it must not be cancelled by
	// whichever caller happened to start it.
	sctx := context.WithoutCancel(ctx)
	v, err, _ := o.group.Do(key, func() (interface{}, error) {
		gen := o.coordinator.Generation()
		cents, err := o.store.SumUntil(sctx, t, 0)
		if err != nil {
			return int64(0), err
		}
		o.coordinator.StoreIfCurrent(sctx, gen, key, []byte(strconv.FormatInt(cents, 10)), o.cfg.BalanceTTL)
		return cents, nil
	})
	if err != nil {
		return core.Money{}, fmt.Errorf("balance at %s: %w", t.Format(time.RFC3339Nano), err)
	}
	return core.Money{Cents: v.(int64)}, nil
}

// BalanceExcluding returns B(t) computed without transaction id. It is not cached.
func (o *BalanceOracle) BalanceExcluding(ctx context.Context, t time.Time, id int64) (core.Money, error) {
	return o.Within(o.store).BalanceExcluding(ctx, t, id)
}

// BalancesAt answers many instants in a single ordered pass over the log.
func (o *BalanceOracle) BalancesAt(ctx context.Context, instants []time.Time) (map[time.Time]core.Money, error) {
	return o.Within(o.store).BalancesAt(ctx, instants)
}

// Within returns an uncached view over r, typically an open store
// transaction, so reads observe that transaction's snapshot.
func (o *BalanceOracle) Within(r LedgerReader) BalanceView {
	return BalanceView{reader: r, pageSize: o.cfg.PageSize}
}

// BalanceView computes balances directly from a LedgerReader.
type BalanceView struct {
	reader   LedgerReader
	pageSize int
}

func (v BalanceView) BalanceAt(ctx context.Context, t time.Time) (core.Money, error) {
	return v.BalanceExcluding(ctx, t, 0)
}

func (v BalanceView) BalanceExcluding(ctx context.Context, t time.Time, id int64) (core.Money, error) {
	cents, err := v.reader.SumUntil(ctx, t, id)
	if err != nil {
		return core.Money{}, fmt.Errorf("balance at %s: %w", t.Format(time.RFC3339Nano), err)
	}
	return core.Money{Cents: cents}, nil
}

// BalancesAt sorts the distinct instants and streams the log once in
// (timestamp, id) order, emitting the prefix sum as each instant is passed.
// Keys of the result are normalized with core.NormalizeInstant.
func (v BalanceView) BalancesAt(ctx context.Context, instants []time.Time) (map[time.Time]core.Money, error) {
	out := make(map[time.Time]core.Money, len(instants))
	if len(instants) == 0 {
		return out, nil
	}

	points := make([]time.Time, 0, len(instants))
	seen := make(map[time.Time]struct{}, len(instants))
	for _, t := range instants {
		n := core.NormalizeInstant(t)
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		points = append(points, n)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })

	pageSize := v.pageSize
	if pageSize <= 0 {
		pageSize = DefaultScanPageSize
	}

	var (
		running int64
		next    int
		after   *core.Position
	)
	for next < len(points) {
		page, err := v.reader.ScanOrdered(ctx, after, pageSize)
		if err != nil {
			return nil, fmt.Errorf("batch balances: %w", err)
		}
		for _, tx := range page {
			for next < len(points) && points[next].Before(tx.Timestamp) {
				out[points[next]] = core.Money{Cents: running}
				next++
			}
			if next == len(points) {
				break
			}
			running += tx.Signed()
		}
		if len(page) < pageSize {
			break
		}
		pos := core.PositionOf(page[len(page)-1])
		after = &pos
	}

	for ; next < len(points); next++ {
		out[points[next]] = core.Money{Cents: running}
	}
	return out, nil
}
