// Package storetest holds behaviour tests shared by every automation.JobStore
// engine.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/clock/system"
)

// Factory opens a fresh, empty store driven by clock.
type Factory func(t *testing.T, clock automation.Clock) automation.JobStore

const lease = time.Minute

// Run executes the shared behaviour tests against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, factory Factory)
	}{
		{"AddItemsStartPending", testAddItemsStartPending},
		{"ClaimIsExclusive", testClaimIsExclusive},
		{"ItemsAdvanceInStageOrder", testItemsAdvanceInStageOrder},
		{"RecordingSameSuccessTwiceIsNoop", testRecordSameSuccessTwice},
		{"TerminalStageRejectsResults", testTerminalStageRejectsResults},
		{"ExpiredLeaseIsResumedOnce", testExpiredLeaseIsResumed},
		{"RenewAndReleaseLease", testRenewAndRelease},
		{"FinalizeReportsTransitionOnce", testFinalizeOnce},
		{"CancelledRunIsNotClaimed", testCancelledRunIsNotClaimed},
		{"ParallelismCapsLiveLeases", testParallelismCapsLiveLeases},
		{"ConcurrentClaimsRespectParallelism", testConcurrentClaimsRespectParallelism},
		{"ListByStatus", testListByStatus},
		{"UnknownRun", testUnknownRun},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, factory)
		})
	}
}

func newRun(t *testing.T, store automation.JobStore, refs ...string) (automation.Run, []automation.Item) {
	t.Helper()
	ctx := context.Background()
	run, err := store.CreateRun(ctx, automation.RunConfig{
		Parallelism: 2,
		Delays:      map[string]time.Duration{automation.ProviderCopy: time.Second},
	})
	require.NoError(t, err)
	items, err := store.AddItems(ctx, run.ID, refs)
	require.NoError(t, err)
	return run, items
}

func claim(t *testing.T, store automation.JobStore, runID, worker string) automation.Item {
	t.Helper()
	item, err := store.ClaimNextPendingItem(context.Background(), automation.ClaimRequest{
		RunID:    runID,
		WorkerID: worker,
		Lease:    lease,
	})
	require.NoError(t, err)
	return item
}

func success(stage automation.Stage, worker string) automation.StageOutcome {
	return automation.StageOutcome{
		Stage:     stage,
		WorkerID:  worker,
		Succeeded: true,
		Output:    json.RawMessage(`{"stage":"` + string(stage) + `","ok":true}`),
		Attempts:  1,
	}
}

func failure(stage automation.Stage, worker, msg string) automation.StageOutcome {
	return automation.StageOutcome{
		Stage:     stage,
		WorkerID:  worker,
		Error:     msg,
		Permanent: true,
		Attempts:  1,
	}
}

// publishAll drives every item of a run to published.
func publishAll(t *testing.T, store automation.JobStore, runID string) {
	t.Helper()
	ctx := context.Background()
	for {
		item, err := store.ClaimNextPendingItem(ctx, automation.ClaimRequest{RunID: runID, WorkerID: "driver", Lease: lease})
		if errors.Is(err, automation.ErrNoPendingItem) {
			return
		}
		require.NoError(t, err)
		_, err = store.RecordStageResult(ctx, item.ID, success(item.Stage, "driver"))
		require.NoError(t, err)
	}
}

func testAddItemsStartPending(t *testing.T, factory Factory) {
	store := factory(t, system.New())
	ctx := context.Background()
	run, items := newRun(t, store, "https://shop.example/a", "https://shop.example/b")
	require.Equal(t, automation.RunPending, run.Status)
	require.Len(t, items, 2)
	for i, item := range items {
		require.Equal(t, i, item.Position)
		require.Equal(t, run.ID, item.RunID)
		require.Equal(t, automation.ItemPending, item.Status)
		require.Equal(t, automation.StageScraping, item.Stage)
		require.Equal(t, "Pending", item.State())
	}

	more, err := store.AddItems(ctx, run.ID, []string{"https://shop.example/c"})
	require.NoError(t, err)
	require.Len(t, more, 1)
	require.Equal(t, 2, more[0].Position)

	report, err := store.GetRunStatus(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 3, report.Run.Counts.Total)
	require.Equal(t, 3, report.Run.Counts.Pending)
	require.Equal(t, 2, report.Run.Config.Parallelism)
	require.Equal(t, time.Second, report.Run.Config.Delays[automation.ProviderCopy])
	require.Empty(t, report.Failures)

	outstanding, err := store.Outstanding(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 3, outstanding)
}

func testClaimIsExclusive(t *testing.T, factory Factory) {
	store := factory(t, system.New())
	run, items := newRun(t, store, "https://shop.example/only")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []automation.Item
		losses  int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			item, err := store.ClaimNextPendingItem(context.Background(), automation.ClaimRequest{
				RunID:    run.ID,
				WorkerID: "worker-" + string(rune('a'+i)),
				Lease:    lease,
			})
			mu.Lock()
			defer mu.Unlock()
			var conflict *automation.ClaimConflictError
			switch {
			case err == nil:
				winners = append(winners, item)
			case errors.Is(err, automation.ErrNoPendingItem), errors.As(err, &conflict):
				losses++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	require.Equal(t, workers-1, losses)
	require.Equal(t, items[0].ID, winners[0].ID)
	require.Equal(t, automation.ItemInProgress, winners[0].Status)
	require.NotEmpty(t, winners[0].LeaseOwner)
	require.NotNil(t, winners[0].LeaseExpiresAt)

	report, err := store.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, automation.RunRunning, report.Run.Status)
	require.NotNil(t, report.Run.StartedAt)
	require.Equal(t, 1, report.Run.Counts.InProgress)
}

func testItemsAdvanceInStageOrder(t *testing.T, factory Factory) {
	store := factory(t, system.New())
	ctx := context.Background()
	run, _ := newRun(t, store, "https://shop.example/chair")

	var seen []automation.Stage
	for range automation.Stages {
		item := claim(t, store, run.ID, "w1")
		seen = append(seen, item.Stage)
		_, err := store.RecordStageResult(ctx, item.ID, success(item.Stage, "w1"))
		require.NoError(t, err)
	}
	require.Equal(t, automation.Stages, seen)

	_, err := store.ClaimNextPendingItem(ctx, automation.ClaimRequest{RunID: run.ID, WorkerID: "w1", Lease: lease})
	require.ErrorIs(t, err, automation.ErrNoPendingItem)

	items, err := store.ListItems(ctx, automation.ItemFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, automation.ItemPublished, items[0].Status)
	require.Equal(t, "Published", items[0].State())
	require.Len(t, items[0].Results, len(automation.Stages))
	for _, stage := range automation.Stages {
		require.Equal(t, automation.RecordSucceeded, items[0].Results[stage].Status)
	}

	final, changed, err := store.FinalizeRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, automation.RunCompleted, final.Status)
}

func testRecordSameSuccessTwice(t *testing.T, factory Factory) {
	store := factory(t, system.New())
	ctx := context.Background()
	run, _ := newRun(t, store, "https://shop.example/lamp")
	item := claim(t, store, run.ID, "w1")

	first, err := store.RecordStageResult(ctx, item.ID, success(automation.StageScraping, "w1"))
	require.NoError(t, err)
	require.Equal(t, automation.StageCopywriting, first.Stage)

	second, err := store.RecordStageResult(ctx, item.ID, success(automation.StageScraping, "w1"))
	require.NoError(t, err)
	require.Equal(t, automation.StageCopywriting, second.Stage)
	require.Equal(t, automation.ItemPending, second.Status)
	require.Len(t, second.Results, 1)
	require.True(t, first.UpdatedAt.Equal(second.UpdatedAt))

	different := success(automation.StageScraping, "w1")
	different.Output = json.RawMessage(`{"title":"other"}`)
	_, err = store.RecordStageResult(ctx, item.ID, different)
	require.ErrorIs(t, err, automation.ErrStageAlreadyRecorded)
}

func testTerminalStageRejectsResults(t *testing.T, factory Factory) {
	store := factory(t, system.New())
	ctx := context.Background()
	run, _ := newRun(t, store, "https://shop.example/404")
	item := claim(t, store, run.ID, "w1")

	failed, err := store.RecordStageResult(ctx, item.ID, failure(automation.StageScraping, "w1", "no product found"))
	require.NoError(t, err)
	require.Equal(t, automation.ItemFailed, failed.Status)
	require.Equal(t, "Failed(Scraping)", failed.State())

	_, err = store.RecordStageResult(ctx, item.ID, success(automation.StageScraping, "w1"))
	require.ErrorIs(t, err, automation.ErrStageAlreadyRecorded)
	_, err = store.RecordStageResult(ctx, item.ID, success(automation.StageCopywriting, "w1"))
	require.ErrorIs(t, err, automation.ErrStageAlreadyRecorded)

	report, err := store.GetRunStatus(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	require.Equal(t, automation.StageScraping, report.Failures[0].Stage)
	require.Equal(t, "no product found", report.Failures[0].Error)
	require.Equal(t, "https://shop.example/404", report.Failures[0].SourceRef)
}

func testExpiredLeaseIsResumed(t *testing.T, factory Factory) {
	clock := system.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := factory(t, clock)
	ctx := context.Background()
	run, _ := newRun(t, store, "https://shop.example/desk")

	held := claim(t, store, run.ID, "w1")
	_, err := store.ClaimNextPendingItem(ctx, automation.ClaimRequest{RunID: run.ID, WorkerID: "w2", Lease: lease})
	require.ErrorIs(t, err, automation.ErrNoPendingItem)

	outstanding, err := store.Outstanding(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, outstanding)

	clock.Advance(lease + time.Second)
	resumed := claim(t, store, run.ID, "w2")
	require.Equal(t, held.ID, resumed.ID)
	require.Equal(t, automation.StageScraping, resumed.Stage)
	require.Equal(t, 1, resumed.ReclaimCount)
	require.Equal(t, "w1", resumed.ReclaimedFrom)
	require.Equal(t, "w2", resumed.LeaseOwner)

	_, err = store.RecordStageResult(ctx, held.ID, success(automation.StageScraping, "w1"))
	var leaseErr *automation.LeaseExpiredError
	require.True(t, errors.As(err, &leaseErr), "got %v", err)
	require.Equal(t, "w2", leaseErr.CurrentOwner)

	item, err := store.RecordStageResult(ctx, held.ID, success(automation.StageScraping, "w2"))
	require.NoError(t, err)
	require.Equal(t, automation.StageCopywriting, item.Stage)

	items, err := store.ListItems(ctx, automation.ItemFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, items[0].Results, 1)
	require.Equal(t, 1, items[0].ReclaimCount)
}

func testRenewAndRelease(t *testing.T, factory Factory) {
	clock := system.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := factory(t, clock)
	ctx := context.Background()
	run, _ := newRun(t, store, "https://shop.example/rug")

	item := claim(t, store, run.ID, "w1")
	clock.Advance(50 * time.Second)
	require.NoError(t, store.RenewLease(ctx, item.ID, "w1", lease))
	clock.Advance(50 * time.Second)
	_, err := store.ClaimNextPendingItem(ctx, automation.ClaimRequest{RunID: run.ID, WorkerID: "w2", Lease: lease})
	require.ErrorIs(t, err, automation.ErrNoPendingItem)

	var leaseErr *automation.LeaseExpiredError
	require.True(t, errors.As(store.RenewLease(ctx, item.ID, "w2", lease), &leaseErr))
	require.True(t, errors.As(store.ReleaseItem(ctx, item.ID, "w2"), &leaseErr))

	require.NoError(t, store.ReleaseItem(ctx, item.ID, "w1"))
	again := claim(t, store, run.ID, "w2")
	require.Equal(t, item.ID, again.ID)
	require.Equal(t, 0, again.ReclaimCount)
	require.Empty(t, again.ReclaimedFrom)
}

func testFinalizeOnce(t *testing.T, factory Factory) {
	store := factory(t, system.New())
	ctx := context.Background()
	run, _ := newRun(t, store, "https://shop.example/ok", "https://shop.example/dupe")

	first := claim(t, store, run.ID, "w1")
	_, changed, err := store.FinalizeRun(ctx, run.ID)
	require.NoError(t, err)
	require.False(t, changed)

	_, err = store.RecordStageResult(ctx, first.ID, success(automation.StageScraping, "w1"))
	require.NoError(t, err)
	second := claim(t, store, run.ID, "w1")
	require.NotEqual(t, first.ID, second.ID)
	_, err = store.RecordStageResult(ctx, second.ID, failure(automation.StageScraping, "w1", "publisher conflict"))
	require.NoError(t, err)
	publishAll(t, store, run.ID)

	const callers = 5
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			final, changed, err := store.FinalizeRun(ctx, run.ID)
			if err != nil {
				t.Errorf("finalize: %v", err)
				return
			}
			if final.Status != automation.RunPartial {
				t.Errorf("expected partial, got %s", final.Status)
			}
			if changed {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, transitions)

	report, err := store.GetRunStatus(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, automation.RunPartial, report.Run.Status)
	require.NotNil(t, report.Run.FinishedAt)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, second.ID, report.Failures[0].ItemID)
}

func testCancelledRunIsNotClaimed(t *testing.T, factory Factory) {
	store := factory(t, system.New())
	ctx := context.Background()
	cancelled, _ := newRun(t, store, "https://shop.example/x")
	live, liveItems := newRun(t, store, "https://shop.example/y")

	run, err := store.RequestCancel(ctx, cancelled.ID)
	require.NoError(t, err)
	require.True(t, run.CancelRequested)

	item, err := store.ClaimNextPendingItem(ctx, automation.ClaimRequest{WorkerID: "w1", Lease: lease})
	require.NoError(t, err)
	require.Equal(t, liveItems[0].ID, item.ID)
	require.Equal(t, live.ID, item.RunID)

	_, err = store.ClaimNextPendingItem(ctx, automation.ClaimRequest{WorkerID: "w1", Lease: lease})
	require.ErrorIs(t, err, automation.ErrNoPendingItem)

	outstanding, err := store.Outstanding(ctx, cancelled.ID)
	require.NoError(t, err)
	require.Zero(t, outstanding)

	final, changed, err := store.FinalizeRun(ctx, cancelled.ID)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, automation.RunCancelled, final.Status)
	require.Equal(t, 1, final.Counts.Pending)

	_, err = store.RequestCancel(ctx, cancelled.ID)
	require.ErrorIs(t, err, automation.ErrRunTerminal)
	_, err = store.AddItems(ctx, cancelled.ID, []string{"https://shop.example/z"})
	require.ErrorIs(t, err, automation.ErrRunTerminal)
}

func testParallelismCapsLiveLeases(t *testing.T, factory Factory) {
	clock := system.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := factory(t, clock)
	ctx := context.Background()
	capped, _ := newRun(t, store, "https://shop.example/1", "https://shop.example/2", "https://shop.example/3", "https://shop.example/4")

	first := claim(t, store, capped.ID, "w1")
	claim(t, store, capped.ID, "w2")
	_, err := store.ClaimNextPendingItem(ctx, automation.ClaimRequest{RunID: capped.ID, WorkerID: "w3", Lease: lease})
	require.ErrorIs(t, err, automation.ErrNoPendingItem)

	uncapped, err := store.CreateRun(ctx, automation.RunConfig{})
	require.NoError(t, err)
	_, err = store.AddItems(ctx, uncapped.ID, []string{"https://shop.example/5", "https://shop.example/6"})
	require.NoError(t, err)
	for _, worker := range []string{"w3", "w4"} {
		item, err := store.ClaimNextPendingItem(ctx, automation.ClaimRequest{WorkerID: worker, Lease: lease})
		require.NoError(t, err)
		require.Equal(t, uncapped.ID, item.RunID)
	}

	// Recording a stage hands the lease back, which frees a slot.
	_, err = store.RecordStageResult(ctx, first.ID, success(automation.StageScraping, "w1"))
	require.NoError(t, err)
	third := claim(t, store, capped.ID, "w5")
	require.Equal(t, capped.ID, third.RunID)
	_, err = store.ClaimNextPendingItem(ctx, automation.ClaimRequest{RunID: capped.ID, WorkerID: "w6", Lease: lease})
	require.ErrorIs(t, err, automation.ErrNoPendingItem)

	// Lapsed leases stop counting and become reclaimable.
	clock.Advance(lease + time.Second)
	claim(t, store, capped.ID, "w7")
	claim(t, store, capped.ID, "w8")
	_, err = store.ClaimNextPendingItem(ctx, automation.ClaimRequest{RunID: capped.ID, WorkerID: "w9", Lease: lease})
	require.ErrorIs(t, err, automation.ErrNoPendingItem)

	report, err := store.GetRunStatus(ctx, capped.ID)
	require.NoError(t, err)
	require.Equal(t, 2, report.Run.Config.Parallelism)
}

func testConcurrentClaimsRespectParallelism(t *testing.T, factory Factory) {
	store := factory(t, system.New())
	refs := make([]string, 6)
	for i := range refs {
		refs[i] = "https://shop.example/item-" + string(rune('a'+i))
	}
	run, _ := newRun(t, store, refs...)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := store.ClaimNextPendingItem(context.Background(), automation.ClaimRequest{
				RunID:    run.ID,
				WorkerID: "worker-" + string(rune('a'+i)),
				Lease:    lease,
			})
			var conflict *automation.ClaimConflictError
			switch {
			case err == nil:
				mu.Lock()
				claimed++
				mu.Unlock()
			case errors.Is(err, automation.ErrNoPendingItem), errors.As(err, &conflict):
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.LessOrEqual(t, claimed, 2)
	report, err := store.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, claimed, report.Run.Counts.InProgress)
}

func testListByStatus(t *testing.T, factory Factory) {
	store := factory(t, system.New())
	ctx := context.Background()
	done, _ := newRun(t, store, "https://shop.example/1", "https://shop.example/2")
	publishAll(t, store, done.ID)
	_, _, err := store.FinalizeRun(ctx, done.ID)
	require.NoError(t, err)
	waiting, _ := newRun(t, store, "https://shop.example/3")

	completed, err := store.ListRuns(ctx, automation.RunFilter{Statuses: []automation.RunStatus{automation.RunCompleted}})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.Equal(t, done.ID, completed[0].ID)
	require.Equal(t, 2, completed[0].Counts.Published)

	open, err := store.ListRuns(ctx, automation.RunFilter{Statuses: []automation.RunStatus{automation.RunPending, automation.RunRunning}})
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, waiting.ID, open[0].ID)

	limited, err := store.ListRuns(ctx, automation.RunFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	pending, err := store.ListItems(ctx, automation.ItemFilter{Statuses: []automation.ItemStatus{automation.ItemPending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, waiting.ID, pending[0].RunID)

	published, err := store.ListItems(ctx, automation.ItemFilter{RunID: done.ID, Statuses: []automation.ItemStatus{automation.ItemPublished}})
	require.NoError(t, err)
	require.Len(t, published, 2)
	require.Equal(t, 0, published[0].Position)
	require.Equal(t, 1, published[1].Position)

	total, err := store.Outstanding(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func testUnknownRun(t *testing.T, factory Factory) {
	store := factory(t, system.New())
	ctx := context.Background()

	_, err := store.GetRunStatus(ctx, "missing")
	require.ErrorIs(t, err, automation.ErrRunNotFound)
	_, err = store.AddItems(ctx, "missing", []string{"https://shop.example/a"})
	require.ErrorIs(t, err, automation.ErrRunNotFound)
	_, _, err = store.FinalizeRun(ctx, "missing")
	require.ErrorIs(t, err, automation.ErrRunNotFound)
	_, err = store.RecordStageResult(ctx, "missing", success(automation.StageScraping, "w1"))
	require.ErrorIs(t, err, automation.ErrItemNotFound)
	require.ErrorIs(t, store.RenewLease(ctx, "missing", "w1", lease), automation.ErrItemNotFound)
}
