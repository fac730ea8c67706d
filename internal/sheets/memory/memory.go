package memory

import (
	"context"
	"sort"
	"sync"

	"saldo/internal/core"
	ports "saldo/internal/sheets"
)

// Store keeps exported summaries in memory, one per date. It backs local
// development and tests when no spreadsheet is configured.
type Store struct {
	mu      sync.Mutex
	rows    map[core.Date]core.DailySummary
	exports int
}

var (
	_ ports.SummaryWriter = (*Store)(nil)
	_ ports.SummaryReader = (*Store)(nil)
)

func New() *Store {
	return &Store{rows: make(map[core.Date]core.DailySummary)}
}

// ExportSummaries replaces any earlier row for the same date.
func (s *Store) ExportSummaries(_ context.Context, rows []core.DailySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.rows[r.Date] = r
	}
	s.exports++
	return nil
}

func (s *Store) ReadSummaries(_ context.Context) (map[core.Date]core.DailySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[core.Date]core.DailySummary, len(s.rows))
	for d, r := range s.rows {
		out[d] = r
	}
	return out, nil
}

// Rows returns the stored rows ordered by date.
func (s *Store) Rows() []core.DailySummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.DailySummary, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Exports counts ExportSummaries calls.
func (s *Store) Exports() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exports
}
