package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/clock/system"
	"github.com/JakeFAU/product-automation/internal/policy/ratelimit"
	"github.com/JakeFAU/product-automation/internal/progress"
	"github.com/JakeFAU/product-automation/internal/storage/memory"
)

type fakeExecutor struct {
	store automation.JobStore
	exec  func(ctx context.Context, item automation.Item) (automation.StageOutcome, error)

	mu        sync.Mutex
	executed  []string
	finalized []string
}

func (f *fakeExecutor) ExecuteStage(ctx context.Context, item automation.Item) (automation.StageOutcome, error) {
	f.mu.Lock()
	f.executed = append(f.executed, item.ID)
	f.mu.Unlock()
	if f.exec != nil {
		return f.exec(ctx, item)
	}
	return automation.StageOutcome{Succeeded: true, Output: json.RawMessage(`{"ok":true}`), Attempts: 1}, nil
}

func (f *fakeExecutor) Finalize(ctx context.Context, runID string) (automation.Run, bool, error) {
	f.mu.Lock()
	f.finalized = append(f.finalized, runID)
	f.mu.Unlock()
	return f.store.FinalizeRun(ctx, runID)
}

func (f *fakeExecutor) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed), len(f.finalized)
}

type recordingEmitter struct {
	mu    sync.Mutex
	kinds []progress.Kind
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, evt.Kind)
}

func (r *recordingEmitter) all() []progress.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Kind(nil), r.kinds...)
}

func submit(t *testing.T, store automation.JobStore, refs ...string) automation.Run {
	t.Helper()
	run, err := store.CreateRun(context.Background(), automation.RunConfig{Parallelism: 1})
	require.NoError(t, err)
	_, err = store.AddItems(context.Background(), run.ID, refs)
	require.NoError(t, err)
	return run
}

func onlyItem(t *testing.T, store automation.JobStore, runID string) automation.Item {
	t.Helper()
	items, err := store.ListItems(context.Background(), automation.ItemFilter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func TestStepRecordsSuccessAndAdvances(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	exec := &fakeExecutor{store: store}
	events := &recordingEmitter{}
	w := New(store, exec, Config{ID: "worker-1", Lease: time.Minute}, zap.NewNop(), WithProgress(events))
	run := submit(t, store, "https://shop.example/a")

	worked, err := w.Step(context.Background(), run.ID)
	require.NoError(t, err)
	require.True(t, worked)

	item := onlyItem(t, store, run.ID)
	require.Equal(t, automation.ItemPending, item.Status)
	require.Equal(t, automation.StageCopywriting, item.Stage)
	rec := item.Results[automation.StageScraping]
	require.Equal(t, automation.RecordSucceeded, rec.Status)
	require.Equal(t, 1, rec.Attempts)
	require.Equal(t, []progress.Kind{progress.KindStageStart, progress.KindStageDone}, events.all())

	executed, finalized := exec.counts()
	require.Equal(t, 1, executed)
	require.Equal(t, 1, finalized)
}

func TestStepAppliesRunDelays(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	limiter := ratelimit.New(ratelimit.Config{Delays: map[string]time.Duration{automation.ProviderScraper: time.Hour}})
	exec := &fakeExecutor{store: store, exec: func(ctx context.Context, _ automation.Item) (automation.StageOutcome, error) {
		for i := 0; i < 2; i++ {
			if err := limiter.Acquire(ctx, automation.ProviderScraper); err != nil {
				return automation.StageOutcome{}, err
			}
		}
		return automation.StageOutcome{Succeeded: true, Output: json.RawMessage(`{"ok":true}`), Attempts: 1}, nil
	}}
	w := New(store, exec, Config{ID: "worker-1", Lease: time.Minute}, zap.NewNop())

	run, err := store.CreateRun(context.Background(), automation.RunConfig{
		Parallelism: 1,
		Delays:      map[string]time.Duration{automation.ProviderScraper: 0},
	})
	require.NoError(t, err)
	_, err = store.AddItems(context.Background(), run.ID, []string{"https://shop.example/a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	worked, err := w.Step(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, worked)
	require.Equal(t, automation.StageCopywriting, onlyItem(t, store, run.ID).Stage)
}

func TestStepNothingToClaim(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	exec := &fakeExecutor{store: store}
	w := New(store, exec, Config{ID: "worker-1"}, zap.NewNop())

	worked, err := w.Step(context.Background(), "")
	require.NoError(t, err)
	require.False(t, worked)
}

func TestStepFailureFailsItemAndRun(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	exec := &fakeExecutor{store: store, exec: func(context.Context, automation.Item) (automation.StageOutcome, error) {
		return automation.StageOutcome{Error: "scraper permanent error (no_product)", Permanent: true, Attempts: 1}, nil
	}}
	events := &recordingEmitter{}
	w := New(store, exec, Config{ID: "worker-1"}, zap.NewNop(), WithProgress(events))
	run := submit(t, store, "https://shop.example/empty")

	worked, err := w.Step(context.Background(), run.ID)
	require.NoError(t, err)
	require.True(t, worked)

	item := onlyItem(t, store, run.ID)
	require.Equal(t, "Failed(Scraping)", item.State())
	require.Contains(t, item.Error, "no_product")
	require.Equal(t, []progress.Kind{progress.KindStageStart, progress.KindStageFailed}, events.all())

	report, err := store.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, automation.RunFailed, report.Run.Status)
}

// cancelOnClaim requests cancellation right after a successful claim, as if
// an operator cancelled while the worker was between claim and execution.
type cancelOnClaim struct {
	automation.JobStore
}

func (c cancelOnClaim) ClaimNextPendingItem(ctx context.Context, req automation.ClaimRequest) (automation.Item, error) {
	item, err := c.JobStore.ClaimNextPendingItem(ctx, req)
	if err != nil {
		return item, err
	}
	if _, err := c.RequestCancel(ctx, item.RunID); err != nil {
		return item, err
	}
	return item, nil
}

func TestStepReleasesItemOfCancelledRun(t *testing.T) {
	t.Parallel()

	base := memory.NewJobStore()
	store := cancelOnClaim{JobStore: base}
	exec := &fakeExecutor{store: base}
	w := New(store, exec, Config{ID: "worker-1"}, zap.NewNop())
	run := submit(t, base, "https://shop.example/a")

	worked, err := w.Step(context.Background(), run.ID)
	require.NoError(t, err)
	require.True(t, worked)

	executed, finalized := exec.counts()
	require.Zero(t, executed)
	require.Equal(t, 1, finalized)

	item := onlyItem(t, base, run.ID)
	require.Equal(t, automation.ItemPending, item.Status)
	require.Empty(t, item.LeaseOwner)

	report, err := base.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, automation.RunCancelled, report.Run.Status)
}

func TestStepDropsResultWhenLeaseIsLost(t *testing.T) {
	t.Parallel()

	clock := system.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := memory.NewJobStore(memory.WithClock(clock))
	started := make(chan struct{})
	exec := &fakeExecutor{store: store, exec: func(ctx context.Context, _ automation.Item) (automation.StageOutcome, error) {
		close(started)
		<-ctx.Done()
		return automation.StageOutcome{}, ctx.Err()
	}}
	w := New(store, exec, Config{ID: "slow-worker", Lease: 30 * time.Millisecond}, zap.NewNop())
	run := submit(t, store, "https://shop.example/a")

	type result struct {
		worked bool
		err    error
	}
	done := make(chan result, 1)
	go func() {
		worked, err := w.Step(context.Background(), run.ID)
		done <- result{worked, err}
	}()
	<-started

	// A heartbeat may land between Advance and the claim, so keep pushing the
	// clock until the lease is really gone.
	var stolen automation.Item
	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		item, err := store.ClaimNextPendingItem(context.Background(), automation.ClaimRequest{RunID: run.ID, WorkerID: "thief", Lease: time.Hour})
		if err != nil {
			return false
		}
		stolen = item
		return true
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, "slow-worker", stolen.ReclaimedFrom)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.True(t, res.worked)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not notice the lost lease")
	}

	item := onlyItem(t, store, run.ID)
	require.Equal(t, "thief", item.LeaseOwner)
	require.Empty(t, item.Results)
}

func TestStepParentCancelReleasesItem(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	started := make(chan struct{})
	exec := &fakeExecutor{store: store, exec: func(ctx context.Context, _ automation.Item) (automation.StageOutcome, error) {
		close(started)
		<-ctx.Done()
		return automation.StageOutcome{}, ctx.Err()
	}}
	w := New(store, exec, Config{ID: "worker-1", Lease: time.Minute}, zap.NewNop())
	run := submit(t, store, "https://shop.example/a")

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := w.Step(ctx, run.ID)
		errs <- err
	}()
	<-started
	cancel()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("step did not return after cancel")
	}

	item := onlyItem(t, store, run.ID)
	require.Equal(t, automation.ItemPending, item.Status)
	require.Equal(t, automation.StageScraping, item.Stage)
	require.Empty(t, item.Results)
}
