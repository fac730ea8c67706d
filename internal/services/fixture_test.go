package services_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"saldo/internal/cache"
	"saldo/internal/core"
	"saldo/internal/services"
	"saldo/internal/storage/memory"

	"github.com/stretchr/testify/require"
)

var (
	testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	day1    = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func clock() time.Time { return testNow }

type scheduled struct {
	From   time.Time
	Reason string
}

// recordingScheduler captures Schedule calls without running anything.
type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduled
	err   error
}

func (s *recordingScheduler) Schedule(_ context.Context, from time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduled{From: from, Reason: reason})
	return s.err
}

func (s *recordingScheduler) Calls() []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduled(nil), s.calls...)
}

// brokenCache fails every operation.
type brokenCache struct{}

var errCacheDown = errors.New("cache down")

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errCacheDown
}

func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errCacheDown
}

func (brokenCache) Delete(context.Context, string) error { return errCacheDown }

func (brokenCache) DeleteMatching(context.Context, func(string) bool) (int, error) {
	return 0, errCacheDown
}

func (brokenCache) Clear(context.Context) error { return errCacheDown }

func (brokenCache) Ping(context.Context) error { return errCacheDown }

type ledger struct {
	store        *memory.Store
	cache        services.Cache
	coordinator  *services.CacheCoordinator
	oracle       *services.BalanceOracle
	guard        *services.MutationGuard
	detector     *services.InvalidDetector
	recalculator *services.DailySummaryRecalculator
	bulk         *services.BulkLoader
	recomputer   *services.Recomputer
	queries      *services.LedgerQueries
	scheduler    *recordingScheduler
}

type ledgerOption func(*ledgerConfig)

type ledgerConfig struct {
	cache    services.Cache
	pageSize int
	exporter services.SummaryExporter
}

func withCache(c services.Cache) ledgerOption {
	return func(lc *ledgerConfig) { lc.cache = c }
}

func withExporter(e services.SummaryExporter) ledgerOption {
	return func(lc *ledgerConfig) { lc.exporter = e }
}

func newLedger(t *testing.T, opts ...ledgerOption) *ledger {
	t.Helper()
	cfg := ledgerConfig{cache: cache.NewStore(1000, time.Minute), pageSize: 2}
	for _, o := range opts {
		o(&cfg)
	}

	log := discardLogger()
	l := &ledger{
		store:     memory.NewStore(),
		cache:     cfg.cache,
		scheduler: &recordingScheduler{},
	}
	l.coordinator = services.NewCacheCoordinator(l.cache, log)
	l.oracle = services.NewBalanceOracle(l.store, l.coordinator, services.OracleConfig{PageSize: cfg.pageSize}, log)
	l.guard = services.NewMutationGuard(l.store, l.oracle, l.coordinator, l.scheduler, log)
	l.guard.SetClock(clock)
	l.detector = services.NewInvalidDetector(l.store, cfg.pageSize, log)
	l.recalculator = services.NewDailySummaryRecalculator(l.store, l.oracle, l.detector, log)
	l.recalculator.SetClock(clock)
	l.bulk = services.NewBulkLoader(l.store, l.coordinator, l.scheduler, 2, log)
	l.bulk.SetClock(clock)
	l.recomputer = services.NewRecomputer(l.store, l.coordinator, l.recalculator, cfg.exporter, log)
	l.recomputer.SetClock(clock)
	l.queries = services.NewLedgerQueries(l.store, l.oracle, l.coordinator, time.Minute, log)
	l.queries.SetClock(clock)
	return l
}

func input(ts time.Time, typ string, amount string) core.TransactionInput {
	return core.TransactionInput{Timestamp: ts.Format(time.RFC3339Nano), Type: typ, Amount: amount}
}

func (l *ledger) create(t *testing.T, ts time.Time, typ, amount string) core.Transaction {
	t.Helper()
	tx, err := l.guard.Create(context.Background(), input(ts, typ, amount))
	require.NoError(t, err)
	return tx
}

func (l *ledger) load(t *testing.T, inputs ...core.TransactionInput) {
	t.Helper()
	_, err := l.bulk.Load(context.Background(), inputs)
	require.NoError(t, err)
}

func (l *ledger) balance(t *testing.T, at time.Time) int64 {
	t.Helper()
	m, err := l.oracle.BalanceAt(context.Background(), at)
	require.NoError(t, err)
	return m.Cents
}

func (l *ledger) count(t *testing.T) int {
	t.Helper()
	all, err := l.store.ScanOrdered(context.Background(), nil, 1000)
	require.NoError(t, err)
	return len(all)
}
