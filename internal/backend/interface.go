package backend

import (
	"context"
	"time"

	"saldo/internal/amqp"
	"saldo/internal/cache"
	"saldo/internal/services"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// Ledger holds every wired component of a running ledger. Scheduler is what
// mutations publish to: the local queue, or the broker in amqp mode.
type Ledger struct {
	Store       services.LedgerStore
	Cache       *cache.Store
	Coordinator *services.CacheCoordinator
	Oracle      *services.BalanceOracle
	Guard       *services.MutationGuard
	Detector    *services.InvalidDetector
	Summaries   *services.DailySummaryRecalculator
	Bulk        *services.BulkLoader
	Recomputer  *services.Recomputer
	Queries     *services.LedgerQueries

	Scheduler services.Scheduler
	// Local is the in-process recompute queue. It is nil when a server
	// publishes to the broker instead.
	Local *services.LocalScheduler
	// AMQP is set in amqp mode, for publishing or consuming.
	AMQP *amqp.Client
	// Exporter is nil when the summary export is disabled.
	Exporter services.SummaryExporter

	cacheManager    *cache.Manager
	cleanupInterval time.Duration
	started         bool
	cleanups        []CleanupFunc
}

// Factory creates ledgers based on configuration
type Factory interface {
	CreateLedger(ctx context.Context, config Config) (*Ledger, error)
}

// Role selects how recomputations are executed by the process.
type Role string

const (
	// RoleServer runs recomputations in process, or publishes them in amqp mode.
	RoleServer Role = "server"
	// RoleWorker always runs recomputations in process and consumes the broker
	// queue in amqp mode.
	RoleWorker Role = "worker"
	// RoleCLI runs recomputations in process and never touches the broker.
	RoleCLI Role = "cli"
)

// Config holds configuration for ledger creation
type Config struct {
	Type BackendType
	Role Role

	// SQLite specific
	SQLiteDBPath string

	// Recomputation
	RecomputeAMQP        bool
	AMQPURL              string
	AMQPExchange         string
	AMQPQueue            string
	RecomputeMaxAttempts int

	// Cache
	BalanceCacheTTL      time.Duration
	AggregateCacheTTL    time.Duration
	CacheMaxEntries      int
	CacheCleanupInterval time.Duration

	// Batching
	DetectorPageSize int
	BulkBatchSize    int

	// Summary export
	SheetsExportEnabled      bool
	GoogleSpreadsheetID      string
	GoogleSummarySheetName   string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
