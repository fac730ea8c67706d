package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"saldo/internal/amqp"
	"saldo/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	mu    sync.Mutex
	froms []time.Time
	err   error
}

func (s *fakeScheduler) Schedule(_ context.Context, from time.Time, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.froms = append(s.froms, from)
	return nil
}

type countingReconciler struct {
	calls atomic.Int32
	err   error
}

func (r *countingReconciler) Reconcile(context.Context) error {
	r.calls.Add(1)
	return r.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleRecomputeMessage(t *testing.T) {
	sched := &fakeScheduler{}
	w := NewRecomputeWorker(sched, &countingReconciler{}, 0, quietLogger())
	from := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, w.HandleRecomputeMessage(context.Background(), amqp.NewRecomputeMessage(from, "create")))
	require.Len(t, sched.froms, 1)
	assert.True(t, sched.froms[0].Equal(from))
}

func TestHandleRecomputeMessage_SchedulerStopped(t *testing.T) {
	sched := &fakeScheduler{err: services.ErrSchedulerStopped}
	w := NewRecomputeWorker(sched, &countingReconciler{}, 0, quietLogger())

	err := w.HandleRecomputeMessage(context.Background(), amqp.NewRecomputeMessage(time.Now(), "create"))
	assert.ErrorIs(t, err, services.ErrSchedulerStopped)
}

func TestStartupReconcile(t *testing.T) {
	rec := &countingReconciler{}
	w := NewRecomputeWorker(&fakeScheduler{}, rec, time.Hour, quietLogger())

	require.NoError(t, w.StartupReconcile(context.Background()))
	assert.Equal(t, int32(1), rec.calls.Load())

	rec.err = errors.New("store unavailable")
	assert.Error(t, w.StartupReconcile(context.Background()))
}

func TestRunPeriodicReconcile(t *testing.T) {
	rec := &countingReconciler{err: errors.New("transient")}
	w := NewRecomputeWorker(&fakeScheduler{}, rec, 5*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.RunPeriodicReconcile(ctx) }()

	require.Eventually(t, func() bool { return rec.calls.Load() >= 3 }, time.Second, time.Millisecond,
		"failures do not stop the ticker")
	cancel()
	assert.NoError(t, <-done)
}

func TestRunPeriodicReconcile_Disabled(t *testing.T) {
	rec := &countingReconciler{}
	w := NewRecomputeWorker(&fakeScheduler{}, rec, 0, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, w.RunPeriodicReconcile(ctx))
	assert.Zero(t, rec.calls.Load())
}
