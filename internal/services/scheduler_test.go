package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"saldo/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a RecomputeFunc that remembers every instant it ran for and
// fails the first failures calls.
type recorder struct {
	mu       sync.Mutex
	runs     []time.Time
	failures int
	entered  chan struct{}
	gate     chan struct{}
}

func (r *recorder) run(ctx context.Context, from time.Time) error {
	if r.gate != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, from)
	if r.failures > 0 {
		r.failures--
		return errors.New("transient")
	}
	return nil
}

func (r *recorder) Runs() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.runs...)
}

func fastConfig() services.SchedulerConfig {
	return services.SchedulerConfig{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func startScheduler(t *testing.T, rec *recorder, cfg services.SchedulerConfig) *services.LocalScheduler {
	t.Helper()
	s := services.NewLocalScheduler(rec.run, cfg, discardLogger())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestScheduler_CoalescesToEarliest(t *testing.T) {
	rec := &recorder{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	s := startScheduler(t, rec, fastConfig())
	ctx := context.Background()

	// The first request is picked up and blocks on the gate; the next three
	// collapse into one pending run.
	require.NoError(t, s.Schedule(ctx, day1.Add(5*time.Hour), "create"))
	select {
	case <-rec.entered:
	case <-time.After(time.Second):
		t.Fatal("first recomputation never started")
	}

	require.NoError(t, s.Schedule(ctx, day1.Add(3*time.Hour), "update"))
	require.NoError(t, s.Schedule(ctx, day1.Add(time.Hour), "delete"))
	require.NoError(t, s.Schedule(ctx, day1.Add(4*time.Hour), "create"))

	close(rec.gate)
	require.Eventually(t, s.Idle, time.Second, time.Millisecond)

	runs := rec.Runs()
	require.Len(t, runs, 2)
	assert.True(t, runs[0].Equal(day1.Add(5*time.Hour)))
	assert.True(t, runs[1].Equal(day1.Add(time.Hour)))
	assert.NoError(t, s.LastError())
}

func TestScheduler_RetriesUntilSuccess(t *testing.T) {
	rec := &recorder{failures: 2}
	s := startScheduler(t, rec, fastConfig())

	require.NoError(t, s.Schedule(context.Background(), day1, "create"))
	require.Eventually(t, func() bool { return len(rec.Runs()) == 3 && s.Idle() }, time.Second, time.Millisecond)
	assert.NoError(t, s.LastError())
}

func TestScheduler_GivesUpWithRecomputeError(t *testing.T) {
	rec := &recorder{failures: 10}
	s := startScheduler(t, rec, fastConfig())

	require.NoError(t, s.Schedule(context.Background(), day1, "create"))
	require.Eventually(t, func() bool { return s.LastError() != nil && s.Idle() }, time.Second, time.Millisecond)

	var rerr *services.RecomputeError
	require.True(t, errors.As(s.LastError(), &rerr))
	assert.Equal(t, 3, rerr.Attempts)
	assert.True(t, rerr.From.Equal(day1))
	assert.NotEmpty(t, rerr.TaskID)
	assert.Len(t, rec.Runs(), 3)
}

func TestScheduler_StopDrainsPending(t *testing.T) {
	rec := &recorder{}
	s := services.NewLocalScheduler(rec.run, fastConfig(), discardLogger())
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Schedule(context.Background(), day1, "create"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.Len(t, rec.Runs(), 1)
	assert.ErrorIs(t, s.Schedule(context.Background(), day1, "late"), services.ErrSchedulerStopped)
}

func TestScheduler_StartTwice(t *testing.T) {
	s := startScheduler(t, &recorder{}, fastConfig())
	assert.Error(t, s.Start(context.Background()))
}
