package main

import (
	"context"
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"saldo/internal/backend"
	"saldo/internal/config"
	"saldo/internal/core"
	"saldo/internal/storage"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the SQLite store",
		RunE:  runMigrate,
	}
	cmd.Flags().Bool("status", false, "show the current schema version without applying changes")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	status, _ := cmd.Flags().GetBool("status")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DataBackend != config.BackendSQLite {
		return fmt.Errorf("migrate only applies to the sqlite backend, got %q", cfg.DataBackend)
	}

	if !status {
		logger.Info("Applying migrations", "db_path", cfg.SQLiteDBPath)
		if err := storage.RunMigrations(cfg.SQLiteDBPath); err != nil {
			return err
		}
	}

	version, dirty, err := storage.MigrationVersion(cfg.SQLiteDBPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", version, dirty)
	return nil
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild daily summaries and invalid markers from the first transaction",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l *backend.Ledger) error {
				started := time.Now()
				if err := l.Recomputer.Reconcile(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reconciled in %s\n", time.Since(started).Round(time.Millisecond))
				return nil
			})
		},
	}
}

func recalcCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recalc",
		Short: "Recompute derived state from an instant onward",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, _ := cmd.Flags().GetString("from")
			from, ok := core.ParseTimestamp(raw)
			if !ok {
				return fmt.Errorf("--from %q is not a valid instant", raw)
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l *backend.Ledger) error {
				if err := l.Recomputer.Run(ctx, from); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recomputed from %s\n", from.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().String("from", "", "first affected instant (RFC 3339 or YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print the balance at one or more instants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raws, _ := cmd.Flags().GetStringSlice("at")
			instants, err := parseInstants(raws, time.Now())
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l *backend.Ledger) error {
				balances, err := l.Oracle.BalancesAt(ctx, instants)
				if err != nil {
					return err
				}
				return printBalances(cmd, balances)
			})
		},
	}
	cmd.Flags().StringSlice("at", nil, "instants to query; defaults to now")
	return cmd
}

// parseInstants parses every raw instant. No input means now.
func parseInstants(raws []string, now time.Time) ([]time.Time, error) {
	if len(raws) == 0 {
		return []time.Time{core.NormalizeInstant(now)}, nil
	}
	out := make([]time.Time, 0, len(raws))
	for _, raw := range raws {
		t, ok := core.ParseTimestamp(raw)
		if !ok {
			return nil, fmt.Errorf("--at %q is not a valid instant", raw)
		}
		out = append(out, t)
	}
	return out, nil
}

func printBalances(cmd *cobra.Command, balances map[time.Time]core.Money) error {
	instants := make([]time.Time, 0, len(balances))
	for t := range balances {
		instants = append(instants, t)
	}
	slices.SortFunc(instants, func(a, b time.Time) int { return a.Compare(b) })

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tBALANCE")
	for _, t := range instants {
		fmt.Fprintf(w, "%s\t%s\n", t.Format(time.RFC3339Nano), balances[t])
	}
	return w.Flush()
}

func summariesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summaries",
		Short: "Print stored daily summaries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fromRaw, _ := cmd.Flags().GetString("from")
			toRaw, _ := cmd.Flags().GetString("to")

			to := core.DateOf(time.Now())
			if toRaw != "" {
				d, err := core.ParseDate(toRaw)
				if err != nil {
					return fmt.Errorf("--to: %w", err)
				}
				to = d
			}
			from := core.DateOf(to.Start().AddDate(0, 0, -30))
			if fromRaw != "" {
				d, err := core.ParseDate(fromRaw)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				from = d
			}

			return withLedger(cmd.Context(), func(ctx context.Context, l *backend.Ledger) error {
				rows, err := l.Queries.DailySummaries(ctx, from, to)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
				fmt.Fprintln(w, "DATE\tIN\tOUT\tBALANCE\tCHANGE %\tCOUNT\t")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t\n",
						r.Date, r.InAmount, r.OutAmount, r.Balance, r.PercentChange.StringFixed(2), r.TransactionCount)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().String("from", "", "first day (YYYY-MM-DD); defaults to 30 days before --to")
	cmd.Flags().String("to", "", "last day (YYYY-MM-DD); defaults to today")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print ledger statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l *backend.Ledger) error {
				s, err := l.Queries.Stats(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "transactions\t%d\n", s.Total)
				fmt.Fprintf(w, "current balance\t%s\n", s.CurrentBalance)
				fmt.Fprintf(w, "invalid\t%d\n", s.InvalidCount)
				for _, row := range []struct {
					name string
					ts   core.TypeStats
				}{{"IN", s.In}, {"OUT", s.Out}} {
					fmt.Fprintf(w, "%s\tcount %d\tsum %s\tavg %s\tmin %s\tmax %s\n",
						row.name, row.ts.Count, row.ts.Sum, row.ts.Avg, row.ts.Min, row.ts.Max)
				}
				return w.Flush()
			})
		},
	}
}

func invalidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalid",
		Short: "List transactions flagged by the last detection run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l *backend.Ledger) error {
				markers, err := l.Queries.ListInvalid(ctx)
				if err != nil {
					return err
				}
				if len(markers) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no invalid transactions")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tREASON\tDETECTED")
				for _, m := range markers {
					fmt.Fprintf(w, "%d\t%s\t%s\n", m.TransactionID, m.Reason, m.DetectedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}
