// Package memory provides an in-process ledger store for development and
// tests. State is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"saldo/internal/core"
	"saldo/internal/services"
)

type Store struct {
	mu        sync.RWMutex
	nextID    int64
	txs       map[int64]core.Transaction
	invalid   map[int64]core.InvalidTransaction
	staging   map[string][]core.InvalidTransaction
	summaries map[core.Date]core.DailySummary
	now       func() time.Time
}

var _ services.LedgerStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		txs:       make(map[int64]core.Transaction),
		invalid:   make(map[int64]core.InvalidTransaction),
		staging:   make(map[string][]core.InvalidTransaction),
		summaries: make(map[core.Date]core.DailySummary),
		now:       time.Now,
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func (s *Store) SumUntil(ctx context.Context, t time.Time, excludeID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumUntil(t, excludeID), nil
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

func (s *Store) ScanOrdered(ctx context.Context, after *core.Position, limit int) ([]core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scan(after, limit), nil
}

func (s *Store) DailyAggregates(ctx context.Context, from, to core.Date) ([]core.DayAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aggregates(from, to), nil
}

func (s *Store) ListTransactions(ctx context.Context, before *core.Position, limit int) ([]core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.ordered()
	out := make([]core.Transaction, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if before != nil && !positionLess(core.PositionOf(all[i]), *before) {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) ListInvalid(ctx context.Context) ([]core.InvalidTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.InvalidTransaction
	for _, tx := range s.ordered() {
		if m, ok := s.invalid[tx.ID]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) CountInvalid(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for id := range s.invalid {
		if _, ok := s.txs[id]; ok {
			n++
		}
	}
	return n, nil
}

func (s *Store) StageInvalid(ctx context.Context, runID string, markers []core.InvalidTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staging[runID] = append(s.staging[runID], markers...)
	return nil
}

func (s *Store) PublishInvalid(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[int64]core.InvalidTransaction, len(s.staging[runID]))
	for _, m := range s.staging[runID] {
		next[m.TransactionID] = m
	}
	s.invalid = next
	delete(s.staging, runID)
	return nil
}

func (s *Store) DiscardInvalid(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staging, runID)
	return nil
}

func (s *Store) UpsertDailySummaries(ctx context.Context, rows []core.DailySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.summaries[r.Date] = r
	}
	return nil
}

func (s *Store) ListDailySummaries(ctx context.Context, from, to core.Date) ([]core.DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.DailySummary
	for d, r := range s.summaries {
		if d.Before(from) || d.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *Store) TypeStats(ctx context.Context) (core.TypeStats, core.TypeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var in, out core.TypeStats
	for _, tx := range s.txs {
		st := &in
		if tx.Type == core.TxOut {
			st = &out
		}
		if st.Count == 0 || tx.Amount.Cents < st.Min.Cents {
			st.Min = tx.Amount
		}
		if tx.Amount.Cents > st.Max.Cents {
			st.Max = tx.Amount
		}
		st.Count++
		st.Sum = st.Sum.Add(tx.Amount)
	}
	in.Finish()
	out.Finish()
	return in, out, nil
}

// WithTx holds the write lock for the whole of fn. On error the transaction
// and marker tables are restored to their state before fn ran.
func (s *Store) WithTx(ctx context.Context, fn func(tx services.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[int64]core.Transaction, len(s.txs))
	for id, tx := range s.txs {
		snapshot[id] = tx
	}
	markers := make(map[int64]core.InvalidTransaction, len(s.invalid))
	for id, m := range s.invalid {
		markers[id] = m
	}
	nextID := s.nextID

	if err := fn(&memTx{s: s}); err != nil {
		s.txs = snapshot
		s.invalid = markers
		s.nextID = nextID
		return err
	}
	return nil
}

func (s *Store) get(id int64) (core.Transaction, error) {
	tx, ok := s.txs[id]
	if !ok {
		return core.Transaction{}, &core.NotFoundError{ID: id}
	}
	return tx, nil
}

func (s *Store) sumUntil(t time.Time, excludeID int64) int64 {
	var sum int64
	for id, tx := range s.txs {
		if id == excludeID || tx.Timestamp.After(t) {
			continue
		}
		sum += tx.Signed()
	}
	return sum
}

func (s *Store) ordered() []core.Transaction {
	out := make([]core.Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		return positionLess(core.PositionOf(out[i]), core.PositionOf(out[j]))
	})
	return out
}

func (s *Store) scan(after *core.Position, limit int) []core.Transaction {
	var out []core.Transaction
	for _, tx := range s.ordered() {
		if len(out) == limit {
			break
		}
		if after != nil && !positionLess(*after, core.PositionOf(tx)) {
			continue
		}
		out = append(out, tx)
	}
	return out
}

func (s *Store) aggregates(from, to core.Date) []core.DayAggregate {
	byDay := make(map[core.Date]*core.DayAggregate)
	for _, tx := range s.txs {
		d := core.DateOf(tx.Timestamp)
		if d.Before(from) || d.After(to) {
			continue
		}
		a, ok := byDay[d]
		if !ok {
			a = &core.DayAggregate{Date: d}
			byDay[d] = a
		}
		if tx.Type == core.TxIn {
			a.InAmount = a.InAmount.Add(tx.Amount)
		} else {
			a.OutAmount = a.OutAmount.Add(tx.Amount)
		}
		a.Count++
	}

	out := make([]core.DayAggregate, 0, len(byDay))
	for _, a := range byDay {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func positionLess(a, b core.Position) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// memTx runs with Store.mu already held.
type memTx struct {
	s *Store
}

func (t *memTx) SumUntil(ctx context.Context, ts time.Time, excludeID int64) (int64, error) {
	return t.s.sumUntil(ts, excludeID), nil
}

func (t *memTx) GetTransaction(ctx context.Context, id int64) (core.Transaction, error) {
	return t.s.get(id)
}

func (t *memTx) ScanOrdered(ctx context.Context, after *core.Position, limit int) ([]core.Transaction, error) {
	return t.s.scan(after, limit), nil
}

func (t *memTx) DailyAggregates(ctx context.Context, from, to core.Date) ([]core.DayAggregate, error) {
	return t.s.aggregates(from, to), nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	t.s.nextID++
	now := t.s.now().UTC()
	tx.ID = t.s.nextID
	tx.Timestamp = core.NormalizeInstant(tx.Timestamp)
	tx.CreatedAt = now
	tx.UpdatedAt = now
	t.s.txs[tx.ID] = tx
	return tx, nil
}

func (t *memTx) UpdateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	existing, ok := t.s.txs[tx.ID]
	if !ok {
		return core.Transaction{}, &core.NotFoundError{ID: tx.ID}
	}
	existing.Timestamp = core.NormalizeInstant(tx.Timestamp)
	existing.Type = tx.Type
	existing.Amount = tx.Amount
	existing.UpdatedAt = t.s.now().UTC()
	t.s.txs[tx.ID] = existing
	return existing, nil
}

func (t *memTx) DeleteTransaction(ctx context.Context, id int64) error {
	if _, ok := t.s.txs[id]; !ok {
		return &core.NotFoundError{ID: id}
	}
	delete(t.s.txs, id)
	delete(t.s.invalid, id)
	return nil
}

func (t *memTx) InsertBatch(ctx context.Context, txs []core.Transaction) (int, error) {
	inserted := 0
	for _, tx := range txs {
		if t.exists(tx) {
			continue
		}
		if _, err := t.InsertTransaction(ctx, tx); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

func (t *memTx) exists(tx core.Transaction) bool {
	for _, existing := range t.s.txs {
		if existing.SameContent(tx) {
			return true
		}
	}
	return false
}
