package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/store"
)

// ProgressStore implements store.ProgressRepository in the same database file.
type ProgressStore struct {
	db *sql.DB
}

// ProgressStore returns a progress repository sharing the job store handle.
func (s *JobStore) ProgressStore() *ProgressStore {
	return &ProgressStore{db: s.db}
}

// RecordRunStart inserts the progress row; an existing start time wins.
func (p *ProgressStore) RecordRunStart(ctx context.Context, runID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO automation_run_progress (run_id, started_at, status) VALUES (?, ?, 'running')
		 ON CONFLICT (run_id) DO NOTHING`, runID, nanos(at))
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordRunDone stores the terminal status for runID.
func (p *ProgressStore) RecordRunDone(ctx context.Context, runID, status string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO automation_run_progress (run_id, started_at, finished_at, status) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET finished_at = excluded.finished_at, status = excluded.status`,
		runID, nanos(at), nanos(at), status)
	if err != nil {
		return fmt.Errorf("record run done: %w", err)
	}
	return nil
}

// UpsertStageStats adds delta to the (run, stage) aggregate.
func (p *ProgressStore) UpsertStageStats(ctx context.Context, runID, stage string, delta store.StageDelta) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO automation_stage_stats
			(run_id, stage, succeeded, failed, retryable, attempts, total_ms, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, stage) DO UPDATE SET
			succeeded = succeeded + excluded.succeeded,
			failed = failed + excluded.failed,
			retryable = retryable + excluded.retryable,
			attempts = attempts + excluded.attempts,
			total_ms = total_ms + excluded.total_ms,
			last_update = MAX(last_update, excluded.last_update)`,
		runID, stage, delta.Succeeded, delta.Failed, delta.Retryable, delta.Attempts,
		delta.Duration.Milliseconds(), nanos(delta.At))
	if err != nil {
		return fmt.Errorf("upsert stage stats: %w", err)
	}
	return nil
}

// ListStageStats returns the aggregates for runID in pipeline order.
func (p *ProgressStore) ListStageStats(ctx context.Context, runID string) ([]store.StageStats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT run_id, stage, succeeded, failed, retryable, attempts, total_ms, last_update
		FROM automation_stage_stats WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage stats: %w", err)
	}
	defer rows.Close()

	byStage := make(map[string]store.StageStats)
	for rows.Next() {
		var (
			st   store.StageStats
			last int64
		)
		if err := rows.Scan(&st.RunID, &st.Stage, &st.Succeeded, &st.Failed, &st.Retryable,
			&st.Attempts, &st.TotalMs, &last); err != nil {
			return nil, fmt.Errorf("scan stage stats: %w", err)
		}
		st.LastUpdate = fromNanos(last)
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
