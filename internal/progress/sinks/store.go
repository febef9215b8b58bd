package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/progress"
	"github.com/JakeFAU/product-automation/internal/store"
)

// StoreSink persists run milestones and per-stage aggregates through a
// store.ProgressRepository. Stage outcomes are collapsed per (run, stage)
// before writing.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the batch to the repository and returns its first error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[stageKey]*store.StageDelta)
	var order []stageKey

	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindRunSubmitted:
			if err := s.repo.RecordRunStart(ctx, evt.RunID, evt.TS); err != nil {
				return fmt.Errorf("record run start: %w", err)
			}
		case progress.KindRunDone:
			if err := s.repo.RecordRunDone(ctx, evt.RunID, string(evt.Status), evt.TS); err != nil {
				return fmt.Errorf("record run done: %w", err)
			}
		case progress.KindStageDone, progress.KindStageFailed:
			key := stageKey{runID: evt.RunID, stage: string(evt.Stage)}
			d := deltas[key]
			if d == nil {
				d = &store.StageDelta{}
				deltas[key] = d
				order = append(order, key)
			}
			switch evt.Outcome() {
			case "succeeded":
				d.Succeeded++
			case "failed":
				d.Failed++
			default:
				d.Retryable++
			}
			d.Attempts += int64(evt.Attempts)
			d.Duration += evt.Dur
			if evt.TS.After(d.At) {
				d.At = evt.TS
			}
		}
	}

	for _, key := range order {
		if err := s.repo.UpsertStageStats(ctx, key.runID, key.stage, *deltas[key]); err != nil {
			return fmt.Errorf("upsert stage stats: %w", err)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type stageKey struct {
	runID string
	stage string
}
