package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"saldo/internal/backend"
	"saldo/internal/cli"
	"saldo/internal/config"
	"saldo/internal/log"
)

var (
	envFile string
	logger  *log.Logger
	rootCmd = &cobra.Command{
		Use:   "saldoctl",
		Short: "Operate a saldo ledger from the command line",
		Long: `saldoctl runs maintenance tasks against the ledger store: schema
migrations, full reconciliation, bulk imports and point-in-time balance
queries. Recomputations always run in process, even when the server
is configured to use the broker.`,
		PersistentPreRunE: initConfig,
		SilenceUsage:      true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default: .env)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides SQLITE_DB_PATH)")
	rootCmd.PersistentFlags().String("backend", "", "data backend: sqlite or memory (overrides DATA_BACKEND)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	_ = viper.BindPFlag("sqlite_db_path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("data_backend", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(recalcCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(summariesCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(invalidCmd())
	rootCmd.AddCommand(importCmd())
}

func main() {
	ctx, stop := cli.SignalContext(context.Background())
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	if envFile != "" {
		cli.LoadEnvFile(envFile)
	} else {
		cli.LoadEnvFile()
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if level := viper.GetString("log_level"); level != "" {
		os.Setenv("LOG_LEVEL", level)
	}
	if format := viper.GetString("log_format"); format != "" {
		os.Setenv("LOG_FORMAT", format)
	}
	logger = cli.SetupLogger("saldoctl")
	return nil
}

// loadConfig reads the process configuration with flag overrides applied.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if v := viper.GetString("sqlite_db_path"); v != "" {
		cfg.SQLiteDBPath = v
	}
	if v := viper.GetString("data_backend"); v != "" {
		cfg.DataBackend = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withLedger opens a CLI ledger, runs fn and closes the ledger, waiting for
// any recomputation fn queued.
func withLedger(ctx context.Context, fn func(ctx context.Context, l *backend.Ledger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backendCfg, err := backend.FromAppConfig(cfg, backend.RoleCLI)
	if err != nil {
		return err
	}

	ledger, err := backend.NewFactory(logger.Logger).CreateLedger(ctx, backendCfg)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if err := ledger.Start(context.WithoutCancel(ctx)); err != nil {
		_ = ledger.Close(ctx, logger.Logger)
		return fmt.Errorf("start ledger: %w", err)
	}

	runErr := fn(ctx, ledger)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()
	if err := ledger.Close(closeCtx, logger.Logger); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil && ledger.Local != nil {
		runErr = ledger.Local.LastError()
	}
	return runErr
}
