package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/store"
)

// ProgressStore implements store.ProgressRepository on the job store's pool.
type ProgressStore struct {
	pool Pool
}

// NewProgressStore shares pool with a JobStore.
func NewProgressStore(pool Pool) (*ProgressStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ProgressStore{pool: pool}, nil
}

// ProgressStore returns a progress repository backed by the same pool.
func (s *JobStore) ProgressStore() *ProgressStore {
	return &ProgressStore{pool: s.pool}
}

// RecordRunStart inserts the run_progress row; an existing start time wins.
func (s *ProgressStore) RecordRunStart(ctx context.Context, runID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO automation_run_progress (run_id, started_at, status)
		VALUES ($1, $2, 'running')
		ON CONFLICT (run_id) DO NOTHING`, runID, at)
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordRunDone stores the terminal status for runID.
func (s *ProgressStore) RecordRunDone(ctx context.Context, runID, status string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO automation_run_progress (run_id, started_at, finished_at, status)
		VALUES ($1, $2, $2, $3)
		ON CONFLICT (run_id) DO UPDATE
		SET finished_at = EXCLUDED.finished_at, status = EXCLUDED.status`, runID, at, status)
	if err != nil {
		return fmt.Errorf("record run done: %w", err)
	}
	return nil
}

// UpsertStageStats adds delta to the (run, stage) aggregate.
func (s *ProgressStore) UpsertStageStats(ctx context.Context, runID, stage string, delta store.StageDelta) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO automation_stage_stats
			(run_id, stage, succeeded, failed, retryable, attempts, total_ms, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, stage) DO UPDATE SET
			succeeded = automation_stage_stats.succeeded + EXCLUDED.succeeded,
			failed = automation_stage_stats.failed + EXCLUDED.failed,
			retryable = automation_stage_stats.retryable + EXCLUDED.retryable,
			attempts = automation_stage_stats.attempts + EXCLUDED.attempts,
			total_ms = automation_stage_stats.total_ms + EXCLUDED.total_ms,
			last_update = GREATEST(automation_stage_stats.last_update, EXCLUDED.last_update)`,
		runID, stage, delta.Succeeded, delta.Failed, delta.Retryable, delta.Attempts,
		delta.Duration.Milliseconds(), delta.At)
	if err != nil {
		return fmt.Errorf("upsert stage stats: %w", err)
	}
	return nil
}

// ListStageStats returns the aggregates for runID in pipeline order.
func (s *ProgressStore) ListStageStats(ctx context.Context, runID string) ([]store.StageStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, stage, succeeded, failed, retryable, attempts, total_ms, last_update
		FROM automation_stage_stats
		WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage stats: %w", err)
	}
	defer rows.Close()

	byStage := make(map[string]store.StageStats)
	for rows.Next() {
		var st store.StageStats
		if err := rows.Scan(&st.RunID, &st.Stage, &st.Succeeded, &st.Failed, &st.Retryable,
			&st.Attempts, &st.TotalMs, &st.LastUpdate); err != nil {
			return nil, fmt.Errorf("scan stage stats: %w", err)
		}
		byStage[st.Stage] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stage stats: %w", err)
	}
	out := make([]store.StageStats, 0, len(byStage))
	for _, stage := range automation.Stages {
		if st, ok := byStage[string(stage)]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}
