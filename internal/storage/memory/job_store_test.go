package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/storage/storetest"
)

func TestJobStoreBehaviour(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(_ *testing.T, clock automation.Clock) automation.JobStore {
		return NewJobStore(WithClock(clock))
	})
}

func TestJobStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	run, err := store.CreateRun(ctx, automation.RunConfig{Parallelism: 1})
	require.NoError(t, err)
	_, err = store.AddItems(ctx, run.ID, []string{"https://shop.example/a"})
	require.NoError(t, err)

	item, err := store.ClaimNextPendingItem(ctx, automation.ClaimRequest{WorkerID: "w1", Lease: time.Minute})
	require.NoError(t, err)
	recorded, err := store.RecordStageResult(ctx, item.ID, automation.StageOutcome{
		Stage: automation.StageScraping, WorkerID: "w1", Succeeded: true, Output: []byte(`{"title":"Chair"}`),
	})
	require.NoError(t, err)

	recorded.Results[automation.StageScraping] = automation.StageRecord{Status: automation.RecordFailed}
	items, err := store.ListItems(ctx, automation.ItemFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Equal(t, automation.RecordSucceeded, items[0].Results[automation.StageScraping].Status)
}

func TestJobStoreClaimValidation(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	_, err := store.ClaimNextPendingItem(context.Background(), automation.ClaimRequest{Lease: 1})
	require.Error(t, err)
	_, err = store.ClaimNextPendingItem(context.Background(), automation.ClaimRequest{WorkerID: "w1"})
	require.Error(t, err)
}
