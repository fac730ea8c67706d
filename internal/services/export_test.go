package services

import "time"

// Test hooks for the external services_test package.

func (g *MutationGuard) SetClock(now func() time.Time)            { g.now = now }
func (b *BulkLoader) SetClock(now func() time.Time)               { b.now = now }
func (r *DailySummaryRecalculator) SetClock(now func() time.Time) { r.now = now }
func (r *Recomputer) SetClock(now func() time.Time)               { r.now = now }
func (q *LedgerQueries) SetClock(now func() time.Time)            { q.now = now }
