package services

import (
	"context"
	"log/slog"
	"time"

	"saldo/internal/core"
)

// MutationGuard is the only write path for single transactions. OUT entries
// are checked against the balance at their own timestamp inside the same
// store transaction as the write.
type MutationGuard struct {
	store       LedgerStore
	oracle      *BalanceOracle
	coordinator *CacheCoordinator
	scheduler   Scheduler
	now         func() time.Time
	logger      *slog.Logger
}

func NewMutationGuard(store LedgerStore, oracle *BalanceOracle, coordinator *CacheCoordinator, scheduler Scheduler, logger *slog.Logger) *MutationGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &MutationGuard{
		store:       store,
		oracle:      oracle,
		coordinator: coordinator,
		scheduler:   scheduler,
		now:         time.Now,
		logger:      logger,
	}
}

func (g *MutationGuard) Create(ctx context.Context, in core.TransactionInput) (core.Transaction, error) {
	candidate, err := core.ValidateInput(in, g.now())
	if err != nil {
		return core.Transaction{}, err
	}

	var created core.Transaction
	err = g.store.WithTx(ctx, func(tx LedgerTx) error {
		if err := g.checkBalance(ctx, tx, candidate, 0); err != nil {
			return err
		}
		created, err = tx.InsertTransaction(ctx, candidate)
		return err
	})
	if err != nil {
		return core.Transaction{}, err
	}

	g.afterCommit(ctx, created.Timestamp, "create")
	g.logger.InfoContext(ctx, "Transaction created",
		"transaction_id", created.ID,
		"tx_type", created.Type,
		"amount_cents", created.Amount.Cents,
		"timestamp", created.Timestamp)
	return created, nil
}

// Update applies a partial change. Omitted fields keep their stored values.
func (g *MutationGuard) Update(ctx context.Context, id int64, patch core.TransactionPatch) (core.Transaction, error) {
	var before, after core.Transaction
	err := g.store.WithTx(ctx, func(tx LedgerTx) error {
		existing, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		before, after = existing, existing
		if patch.IsEmpty() {
			return nil
		}

		candidate, err := core.ValidateInput(patch.Apply(existing), g.now())
		if err != nil {
			return err
		}
		candidate.ID = id

		if err := g.checkBalance(ctx, tx, candidate, id); err != nil {
			return err
		}
		after, err = tx.UpdateTransaction(ctx, candidate)
		return err
	})
	if err != nil {
		return core.Transaction{}, err
	}
	if patch.IsEmpty() {
		return after, nil
	}

	from := before.Timestamp
	if after.Timestamp.Before(from) {
		from = after.Timestamp
	}
	g.afterCommit(ctx, from, "update")
	g.logger.InfoContext(ctx, "Transaction updated",
		"transaction_id", id,
		"tx_type", after.Type,
		"amount_cents", after.Amount.Cents,
		"timestamp", after.Timestamp,
		"previous_timestamp", before.Timestamp)
	return after, nil
}

// Delete removes a transaction and returns it. Deletions are never gated.
func (g *MutationGuard) Delete(ctx context.Context, id int64) (core.Transaction, error) {
	var deleted core.Transaction
	err := g.store.WithTx(ctx, func(tx LedgerTx) error {
		existing, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		deleted = existing
		return tx.DeleteTransaction(ctx, id)
	})
	if err != nil {
		return core.Transaction{}, err
	}

	g.afterCommit(ctx, deleted.Timestamp, "delete")
	g.logger.InfoContext(ctx, "Transaction deleted",
		"transaction_id", id,
		"timestamp", deleted.Timestamp)
	return deleted, nil
}

// checkBalance rejects an OUT whose amount exceeds B(ts) computed without
// excludeID. IN entries always pass.
func (g *MutationGuard) checkBalance(ctx context.Context, tx LedgerTx, candidate core.Transaction, excludeID int64) error {
	if candidate.Type != core.TxOut {
		return nil
	}
	available, err := g.oracle.Within(tx).BalanceExcluding(ctx, candidate.Timestamp, excludeID)
	if err != nil {
		return err
	}
	if candidate.Amount.Cents > available.Cents {
		return &core.InsufficientBalanceError{Available: available, Requested: candidate.Amount}
	}
	return nil
}

// afterCommit invalidates derived values from the earliest affected instant
// and queues a recomputation. Neither step can fail the request.
func (g *MutationGuard) afterCommit(ctx context.Context, from time.Time, reason string) {
	g.coordinator.InvalidateFrom(ctx, from)
	if err := g.scheduler.Schedule(ctx, from, reason); err != nil {
		g.logger.ErrorContext(ctx, "Failed to schedule recomputation",
			"from", from,
			"reason", reason,
			"error", err)
	}
}
