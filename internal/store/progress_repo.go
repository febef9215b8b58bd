package store

import (
	"context"
	"time"
)

// StageStats aggregates stage outcomes for one run.
type StageStats struct {
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Succeeded  int64     `json:"succeeded"`
	Failed     int64     `json:"failed"`
	Retryable  int64     `json:"retryable"`
	Attempts   int64     `json:"attempts"`
	TotalMs    int64     `json:"total_ms"`
	LastUpdate time.Time `json:"last_update"`
}

// StageDelta is an increment applied to StageStats.
type StageDelta struct {
	Succeeded int64
	Failed    int64
	Retryable int64
	Attempts  int64
	Duration  time.Duration
	At        time.Time
}

// ProgressRepository persists incremental run progress.
type ProgressRepository interface {
	// RecordRunStart notes when the run began; repeated calls keep the first value.
	RecordRunStart(ctx context.Context, runID string, at time.Time) error
	// RecordRunDone stores the terminal status and finish time.
	RecordRunDone(ctx context.Context, runID string, status string, at time.Time) error
	// UpsertStageStats applies delta to the (run, stage) aggregate.
	UpsertStageStats(ctx context.Context, runID, stage string, delta StageDelta) error
	// ListStageStats returns the aggregates for one run in stage order.
	ListStageStats(ctx context.Context, runID string) ([]StageStats, error)
}
