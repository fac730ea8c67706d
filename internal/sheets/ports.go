package sheets

import (
	"context"

	"saldo/internal/core"
)

// Ports for outbound adapters.
type (
	// SummaryWriter publishes daily summary rows to an external sheet. Writing
	// the same date twice replaces the earlier row.
	SummaryWriter interface {
		ExportSummaries(ctx context.Context, rows []core.DailySummary) error
	}

	// SummaryReader returns what was last exported, keyed by date.
	SummaryReader interface {
		ReadSummaries(ctx context.Context) (map[core.Date]core.DailySummary, error)
	}
)
