package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{RunID: "run-1", TS: now, Kind: progress.KindRunSubmitted},
		{RunID: "run-1", TS: now, Kind: progress.KindRunSubmitted},
		{RunID: "run-1", ItemID: "i1", TS: now, Kind: progress.KindStageDone, Stage: automation.StageScraping, Dur: time.Second},
		{RunID: "run-1", ItemID: "i2", TS: now, Kind: progress.KindStageFailed, Stage: automation.StagePublishing, Permanent: true},
		{RunID: "run-1", ItemID: "i2", TS: now, Kind: progress.KindItemReclaimed},
		{RunID: "run-1", TS: now.Add(time.Minute), Kind: progress.KindRunDone, Status: automation.RunPartial, Dur: time.Minute},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsInFlight))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("partial")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.stageEvents.WithLabelValues("scraping", "succeeded")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.stageEvents.WithLabelValues("publishing", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.reclaims))
	require.Equal(t, 1, testutil.CollectAndCount(sink.stageRuntime, "automation_progress_stage_runtime_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
