package automation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func claimedItem(stage Stage, owner string, now time.Time) Item {
	item := Item{ID: "item-1", RunID: "run-1", Stage: stage, Status: ItemPending}
	ApplyClaim(&item, ClaimRequest{WorkerID: owner, Lease: time.Minute}, now)
	return item
}

func TestApplyOutcomeAdvancesThroughEveryStage(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	item := Item{ID: "item-1", Stage: StageScraping, Status: ItemPending}
	require.Equal(t, "Pending", item.State())

	var seen []Stage
	for _, stage := range Stages {
		require.True(t, Claimable(item, now))
		ApplyClaim(&item, ClaimRequest{WorkerID: "w1", Lease: time.Minute}, now)
		seen = append(seen, item.Stage)
		changed, err := ApplyOutcome(&item, StageOutcome{
			Stage:     stage,
			WorkerID:  "w1",
			Succeeded: true,
			Output:    json.RawMessage(`{"ok":true}`),
		}, now)
		require.NoError(t, err)
		require.True(t, changed)
	}

	require.Equal(t, Stages, seen)
	require.Equal(t, ItemPublished, item.Status)
	require.Equal(t, StagePublished, item.Stage)
	require.Equal(t, "Published", item.State())
	require.Len(t, item.Results, len(Stages))
	require.False(t, Claimable(item, now))
}

func TestApplyOutcomeSameSuccessIsNoop(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	item := claimedItem(StageScraping, "w1", now)
	outcome := StageOutcome{
		Stage:     StageScraping,
		WorkerID:  "w1",
		Succeeded: true,
		Output:    json.RawMessage(`{"title":"Chair","price":"10.00"}`),
	}
	changed, err := ApplyOutcome(&item, outcome, now)
	require.NoError(t, err)
	require.True(t, changed)
	snapshot := item.Clone()

	// Key order and whitespace differences still count as the same outcome.
	outcome.Output = json.RawMessage(`{ "price": "10.00", "title": "Chair" }`)
	changed, err = ApplyOutcome(&item, outcome, now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, snapshot, item)
}

func TestApplyOutcomeRejectsTerminalStage(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	item := claimedItem(StageScraping, "w1", now)
	_, err := ApplyOutcome(&item, StageOutcome{
		Stage:     StageScraping,
		WorkerID:  "w1",
		Error:     "no product",
		Permanent: true,
	}, now)
	require.NoError(t, err)
	require.Equal(t, "Failed(Scraping)", item.State())

	_, err = ApplyOutcome(&item, StageOutcome{
		Stage:     StageScraping,
		WorkerID:  "w1",
		Succeeded: true,
		Output:    json.RawMessage(`{}`),
	}, now)
	require.ErrorIs(t, err, ErrStageAlreadyRecorded)

	_, err = ApplyOutcome(&item, StageOutcome{
		Stage:    StageCopywriting,
		WorkerID: "w1",
		Error:    "late",
	}, now)
	require.ErrorIs(t, err, ErrStageAlreadyRecorded)
}

func TestApplyOutcomeRejectsDifferentSuccess(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	item := claimedItem(StageScraping, "w1", now)
	_, err := ApplyOutcome(&item, StageOutcome{
		Stage: StageScraping, WorkerID: "w1", Succeeded: true, Output: json.RawMessage(`{"a":1}`),
	}, now)
	require.NoError(t, err)

	_, err = ApplyOutcome(&item, StageOutcome{
		Stage: StageScraping, WorkerID: "w1", Succeeded: true, Output: json.RawMessage(`{"a":2}`),
	}, now)
	require.ErrorIs(t, err, ErrStageAlreadyRecorded)
}

func TestApplyOutcomeRejectsStaleOwner(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	item := claimedItem(StageScraping, "w1", now)
	later := now.Add(2 * time.Minute)
	require.True(t, Claimable(item, later))
	ApplyClaim(&item, ClaimRequest{WorkerID: "w2", Lease: time.Minute}, later)
	require.Equal(t, "w1", item.ReclaimedFrom)
	require.Equal(t, 1, item.ReclaimCount)

	_, err := ApplyOutcome(&item, StageOutcome{
		Stage: StageScraping, WorkerID: "w1", Succeeded: true, Output: json.RawMessage(`{}`),
	}, later)
	var leaseErr *LeaseExpiredError
	require.True(t, errors.As(err, &leaseErr))
	require.Equal(t, "w2", leaseErr.CurrentOwner)
}

func TestApplyOutcomeValidatesShape(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	item := claimedItem(StageScraping, "w1", now)
	tests := []StageOutcome{
		{Stage: "bogus", WorkerID: "w1", Succeeded: true},
		{Stage: StageScraping, Succeeded: true},
		{Stage: StageScraping, WorkerID: "w1"},
		{Stage: StageScraping, WorkerID: "w1", Succeeded: true, Output: json.RawMessage(`{`)},
	}
	for _, outcome := range tests {
		_, err := ApplyOutcome(&item, outcome, now)
		require.ErrorIs(t, err, ErrInvalidOutcome)
	}

	_, err := ApplyOutcome(&item, StageOutcome{
		Stage: StageImageGen, WorkerID: "w1", Succeeded: true,
	}, now)
	require.ErrorIs(t, err, ErrInvalidOutcome)
}

func TestDeriveRunStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		counts    RunCounts
		cancel    bool
		want      RunStatus
		wantFinal bool
	}{
		{name: "all published", counts: RunCounts{Total: 3, Published: 3}, want: RunCompleted, wantFinal: true},
		{name: "mixed", counts: RunCounts{Total: 2, Published: 1, Failed: 1}, want: RunPartial, wantFinal: true},
		{name: "all failed", counts: RunCounts{Total: 2, Failed: 2}, want: RunFailed, wantFinal: true},
		{name: "pending", counts: RunCounts{Total: 2, Pending: 1, Published: 1}, want: RunRunning},
		{name: "in progress", counts: RunCounts{Total: 2, InProgress: 1, Failed: 1}, want: RunRunning},
		{name: "cancel with pending", counts: RunCounts{Total: 2, Pending: 1, Published: 1}, cancel: true, want: RunCancelled, wantFinal: true},
		{name: "cancel waits for in flight", counts: RunCounts{Total: 2, InProgress: 1, Pending: 1}, cancel: true, want: RunRunning},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, final := DeriveRunStatus(tt.counts, tt.cancel)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.wantFinal, final)
		})
	}
}

func TestBuildReportListsFailures(t *testing.T) {
	t.Parallel()

	items := []Item{
		{ID: "b", Position: 1, SourceRef: "https://shop/b", Status: ItemFailed, FailedStage: StagePublishing, Error: "conflict"},
		{ID: "a", Position: 0, SourceRef: "https://shop/a", Status: ItemPublished},
	}
	report := BuildReport(Run{ID: "run-1"}, items)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 2, report.Run.Counts.Total)
	require.Len(t, report.Failures, 1)
	require.Equal(t, StagePublishing, report.Failures[0].Stage)
	require.Equal(t, "conflict", report.Failures[0].Error)
}

func TestStageNext(t *testing.T) {
	t.Parallel()

	next, err := StageImageGen.Next()
	require.NoError(t, err)
	require.Equal(t, StagePublishing, next)
	_, err = StagePublished.Next()
	require.Error(t, err)
	require.Equal(t, ProviderPublisher, StagePublishing.Provider())
}

func TestLeaseLiveAndCapacity(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	item := claimedItem(StageScraping, "w1", now)
	require.True(t, LeaseLive(item, now))
	require.False(t, LeaseLive(item, now.Add(time.Minute)), "a lapsed lease is reclaimable, not live")
	require.False(t, LeaseLive(Item{Status: ItemPending}, now))

	require.False(t, RunConfig{}.AtCapacity(100))
	require.False(t, RunConfig{Parallelism: 2}.AtCapacity(1))
	require.True(t, RunConfig{Parallelism: 2}.AtCapacity(2))
}
