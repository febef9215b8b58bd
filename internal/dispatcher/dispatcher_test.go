package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedWorker reports work while budget lasts.
type scriptedWorker struct {
	id     string
	budget *atomic.Int64
	calls  atomic.Int64
	err    error
}

func (w *scriptedWorker) ID() string { return w.id }

func (w *scriptedWorker) Step(ctx context.Context, _ string) (bool, error) {
	w.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if w.err != nil {
		return false, w.err
	}
	if w.budget != nil && w.budget.Add(-1) >= 0 {
		return true, nil
	}
	return false, nil
}

type fakeOutstanding struct {
	mu sync.Mutex
	n  int
}

func (f *fakeOutstanding) Outstanding(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n, nil
}

func (f *fakeOutstanding) set(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n = n
}

func TestDrainExitsWhenNothingOutstanding(t *testing.T) {
	t.Parallel()

	budget := &atomic.Int64{}
	budget.Store(5)
	a := &scriptedWorker{id: "a", budget: budget}
	b := &scriptedWorker{id: "b", budget: budget}
	pool := New(&fakeOutstanding{}, []Stepper{a, b}, time.Hour, zap.NewNop())
	require.Equal(t, 2, pool.Size())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Drain(ctx, "run-1"))
	require.LessOrEqual(t, budget.Load(), int64(0))
	require.Equal(t, int64(5+2), a.calls.Load()+b.calls.Load())
}

func TestDrainWaitsForOutstandingLeases(t *testing.T) {
	t.Parallel()

	store := &fakeOutstanding{n: 1}
	w := &scriptedWorker{id: "a"}
	pool := New(store, []Stepper{w}, 5*time.Millisecond, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- pool.Drain(context.Background(), "run-1") }()

	require.Eventually(t, func() bool { return w.calls.Load() >= 3 }, 5*time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("drain returned while items were outstanding")
	default:
	}

	store.set(0)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not exit")
	}
}

func TestDrainStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	pool := New(&fakeOutstanding{n: 1}, []Stepper{&scriptedWorker{id: "a"}}, time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Drain(ctx, "") }()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("drain ignored cancellation")
	}
}

func TestWakeReleasesIdleWorkers(t *testing.T) {
	t.Parallel()

	w := &scriptedWorker{id: "a"}
	pool := New(&fakeOutstanding{}, []Stepper{w}, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return w.calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	pool.Wake()
	require.Eventually(t, func() bool { return w.calls.Load() == 2 }, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after context cancel")
	}
}

func TestRunSurvivesStepErrors(t *testing.T) {
	t.Parallel()

	w := &scriptedWorker{id: "a", err: errors.New("store unavailable")}
	pool := New(&fakeOutstanding{}, []Stepper{w}, time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return w.calls.Load() >= 3 }, 5*time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestWakeWithoutWaiters(t *testing.T) {
	t.Parallel()

	pool := New(&fakeOutstanding{}, nil, 0, nil)
	pool.Wake()
	pool.Wake()
	require.Zero(t, pool.Size())
}
