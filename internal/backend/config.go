package backend

import (
	"fmt"
	"time"

	"saldo/internal/config"
)

const defaultCacheCleanupInterval = time.Minute

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config, role Role) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(appConfig.DataBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.DataBackend)
	}

	cfg := Config{
		Type: backendType,
		Role: role,

		SQLiteDBPath: appConfig.SQLiteDBPath,

		RecomputeAMQP:        appConfig.RecomputeMode == config.RecomputeAMQP,
		AMQPURL:              appConfig.AMQPURL,
		AMQPExchange:         appConfig.AMQPExchange,
		AMQPQueue:            appConfig.AMQPQueue,
		RecomputeMaxAttempts: appConfig.RecomputeMaxAttempts,

		BalanceCacheTTL:      appConfig.BalanceCacheTTL,
		AggregateCacheTTL:    appConfig.AggregateCacheTTL,
		CacheMaxEntries:      appConfig.CacheMaxEntries,
		CacheCleanupInterval: defaultCacheCleanupInterval,

		DetectorPageSize: appConfig.DetectorPageSize,
		BulkBatchSize:    appConfig.BulkBatchSize,

		SheetsExportEnabled:      appConfig.SheetsExportEnabled,
		GoogleSpreadsheetID:      appConfig.GoogleSpreadsheetID,
		GoogleSummarySheetName:   appConfig.GoogleSummarySheetName,
		GoogleServiceAccountJSON: appConfig.GoogleServiceAccountJSON,
		GoogleServiceAccountFile: appConfig.GoogleServiceAccountFile,
	}
	return cfg, cfg.Validate()
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}

	switch c.Role {
	case RoleServer, RoleWorker, RoleCLI:
	default:
		return fmt.Errorf("invalid role: %q", c.Role)
	}

	switch c.Type {
	case SQLiteBackend:
		if c.SQLiteDBPath == "" {
			return fmt.Errorf("SQLite database path is required for sqlite backend")
		}
	case MemoryBackend:
		// Process-local; a worker in another process could never see it.
		if c.RecomputeAMQP && c.Role != RoleCLI {
			return fmt.Errorf("amqp recompute mode requires the sqlite backend")
		}
	}

	if c.RecomputeAMQP && c.Role != RoleCLI {
		if c.AMQPURL == "" || c.AMQPQueue == "" {
			return fmt.Errorf("AMQP URL and queue are required in amqp recompute mode")
		}
	}

	return nil
}

// usesBroker reports whether the ledger needs an AMQP connection.
func (c Config) usesBroker() bool {
	return c.RecomputeAMQP && c.Role != RoleCLI
}

// runsLocally reports whether recomputations execute in this process.
func (c Config) runsLocally() bool {
	return !c.RecomputeAMQP || c.Role != RoleServer
}

// GetBackendTypes returns all valid backend types
func GetBackendTypes() []BackendType {
	return []BackendType{SQLiteBackend, MemoryBackend}
}

// GetBackendTypeStrings returns all valid backend type strings
func GetBackendTypeStrings() []string {
	types := GetBackendTypes()
	strings := make([]string, len(types))
	for i, t := range types {
		strings[i] = t.String()
	}
	return strings
}
