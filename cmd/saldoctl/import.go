package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"saldo/internal/backend"
	"saldo/internal/core"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json>",
		Short: "Bulk load transactions from a JSON array",
		Long: `Loads a JSON array of {"timestamp","type","amount"} objects in a single
store transaction. Exact duplicates are skipped. Records are not gated
by the balance check; run "saldoctl invalid" afterwards to list entries
that overdraw the ledger. Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: runImport,
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open import file: %w", err)
		}
		defer f.Close()
		r = f
	}

	inputs, err := decodeImport(r)
	if err != nil {
		return err
	}

	return withLedger(cmd.Context(), func(ctx context.Context, l *backend.Ledger) error {
		started := time.Now()
		created, err := l.Bulk.Load(ctx, inputs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d records in %s (%d duplicates skipped)\n",
			created, len(inputs), time.Since(started).Round(time.Millisecond), len(inputs)-created)
		return nil
	})
}

// importRecord accepts amounts as JSON strings or numbers.
type importRecord struct {
	Timestamp string      `json:"timestamp"`
	Type      string      `json:"type"`
	Amount    json.Number `json:"amount"`
}

func decodeImport(r io.Reader) ([]core.TransactionInput, error) {
	var records []importRecord
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode import file: %w", err)
	}

	inputs := make([]core.TransactionInput, len(records))
	for i, rec := range records {
		inputs[i] = core.TransactionInput{
			Timestamp: rec.Timestamp,
			Type:      rec.Type,
			Amount:    rec.Amount.String(),
		}
	}
	return inputs, nil
}
