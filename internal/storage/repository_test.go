package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"saldo/internal/cache"
	"saldo/internal/core"
	"saldo/internal/services"
	"saldo/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "data", "saldo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) services.LedgerStore {
		return newTestRepository(t)
	})
}

func TestRunMigrations_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saldo.db")
	require.NoError(t, RunMigrations(path))
	require.NoError(t, RunMigrations(path))

	version, dirty, err := MigrationVersion(path)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(3), version)
}

func TestMigrationVersion_EmptyDatabase(t *testing.T) {
	version, dirty, err := MigrationVersion(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Zero(t, version)
}

type noopScheduler struct{}

func (noopScheduler) Schedule(context.Context, time.Time, string) error { return nil }

func TestSQLiteRepository_ConcurrentOutsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	coordinator := services.NewCacheCoordinator(cache.NewStore(100, time.Minute), logger)
	oracle := services.NewBalanceOracle(repo, coordinator, services.OracleConfig{}, logger)
	guard := services.NewMutationGuard(repo, oracle, coordinator, noopScheduler{}, logger)

	at := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	_, err := guard.Create(ctx, core.TransactionInput{Timestamp: at.Format(time.RFC3339), Type: "IN", Amount: "100"})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		errs     = make(chan error, 20)
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := guard.Create(ctx, core.TransactionInput{
				Timestamp: at.Add(time.Hour).Format(time.RFC3339),
				Type:      "OUT",
				Amount:    "30",
			})
			if err == nil {
				accepted.Add(1)
				return
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.True(t, errors.Is(err, core.ErrInsufficientBalance), "unexpected error: %v", err)
	}
	assert.Equal(t, int32(3), accepted.Load())

	sum, err := repo.SumUntil(ctx, time.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), sum)
}

func TestSQLiteRepository_SumUntilOutsideNanosecondRange(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	err := repo.WithTx(ctx, func(tx services.LedgerTx) error {
		_, err := tx.InsertTransaction(ctx, core.Transaction{
			Timestamp: time.Date(1700, 1, 1, 0, 0, 0, 0, time.UTC),
			Type:      core.TxIn,
			Amount:    core.Money{Cents: 10000},
		})
		return err
	})
	require.NoError(t, err)

	sum, err := repo.SumUntil(ctx, time.Date(1500, 1, 1, 0, 0, 0, 0, time.UTC), 0)
	require.NoError(t, err)
	assert.Zero(t, sum)

	sum, err = repo.SumUntil(ctx, time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), sum)
}
