// Package worker executes one pipeline stage at a time for claimed items.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/clock/system"
	"github.com/JakeFAU/product-automation/internal/logging"
	"github.com/JakeFAU/product-automation/internal/policy/ratelimit"
	"github.com/JakeFAU/product-automation/internal/progress"
	"github.com/JakeFAU/product-automation/internal/telemetry"
)

const (
	defaultLease   = 2 * time.Minute
	releaseTimeout = 5 * time.Second
)

// Executor runs stages and finalizes runs. The orchestrator satisfies it.
type Executor interface {
	ExecuteStage(ctx context.Context, item automation.Item) (automation.StageOutcome, error)
	Finalize(ctx context.Context, runID string) (automation.Run, bool, error)
}

// Config controls Worker behavior.
type Config struct {
	// ID is the lease owner recorded on claimed items.
	ID string
	// Lease is how long a claim stays valid without a heartbeat. Heartbeats
	// run every Lease/3.
	Lease time.Duration
}

// Worker claims items from the job store and runs their next stage.
type Worker struct {
	store    automation.JobStore
	exec     Executor
	cfg      Config
	progress progress.Emitter
	clock    automation.Clock
	logger   *zap.Logger
}

// Option customises a Worker.
type Option func(*Worker)

// WithProgress sets the progress emitter.
func WithProgress(e progress.Emitter) Option {
	return func(w *Worker) {
		if e != nil {
			w.progress = e
		}
	}
}

// WithClock overrides the clock used for stage durations.
func WithClock(c automation.Clock) Option {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

// New constructs a Worker.
func New(store automation.JobStore, exec Executor, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		store:    store,
		exec:     exec,
		cfg:      cfg,
		progress: progress.Discard,
		clock:    system.New(),
		logger:   logger.With(logging.Worker(cfg.ID)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the lease owner name.
func (w *Worker) ID() string {
	return w.cfg.ID
}

var errLeaseLost = errors.New("lease lost")

// Step claims one item, optionally scoped to runID, and runs its current
// stage. It reports false when there was nothing to claim.
func (w *Worker) Step(ctx context.Context, runID string) (bool, error) {
	item, err := w.store.ClaimNextPendingItem(ctx, automation.ClaimRequest{
		RunID:    runID,
		WorkerID: w.cfg.ID,
		Lease:    w.cfg.Lease,
	})
	if errors.Is(err, automation.ErrNoPendingItem) {
		return false, nil
	}
	var conflict *automation.ClaimConflictError
	if errors.As(err, &conflict) {
		w.logger.Debug("lost claim race", logging.ItemID(conflict.ItemID))
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim item: %w", err)
	}

	logger := w.logger.With(logging.RunID(item.RunID), logging.ItemID(item.ID), logging.Stage(string(item.Stage)))
	if item.ReclaimedFrom != "" {
		telemetry.ObserveReclaim()
		logger.Warn("reclaimed item with expired lease",
			zap.String("previous_owner", item.ReclaimedFrom), zap.Int("reclaim_count", item.ReclaimCount))
		w.emit(progress.Event{
			RunID:  item.RunID,
			ItemID: item.ID,
			Kind:   progress.KindItemReclaimed,
			Stage:  item.Stage,
			Note:   item.ReclaimedFrom,
		})
	}

	report, err := w.store.GetRunStatus(ctx, item.RunID)
	if err != nil {
		w.release(ctx, item, logger)
		return true, fmt.Errorf("load run %s: %w", item.RunID, err)
	}
	if report.Run.CancelRequested {
		logger.Info("run cancelled, releasing item")
		w.release(ctx, item, logger)
		w.finalize(ctx, item.RunID, logger)
		return true, nil
	}

	outcome, err := w.execute(ratelimit.WithDelays(ctx, report.Run.Config.Delays), item, logger)
	if err != nil {
		return true, err
	}
	if outcome == nil {
		return true, nil
	}
	w.record(ctx, item, *outcome, logger)
	w.finalize(ctx, item.RunID, logger)
	return true, nil
}

// execute runs the stage while heartbeating the lease. A nil outcome with a
// nil error means the lease moved to another worker and nothing is recorded.
func (w *Worker) execute(ctx context.Context, item automation.Item, logger *zap.Logger) (*automation.StageOutcome, error) {
	w.emit(progress.Event{RunID: item.RunID, ItemID: item.ID, Kind: progress.KindStageStart, Stage: item.Stage})
	logger.Debug("stage started")

	stageCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	beat := w.heartbeat(stageCtx, cancel, item, logger)

	spanCtx, span := telemetry.StartStageSpan(stageCtx, item.RunID, item.ID, string(item.Stage))
	start := w.clock.Now()
	outcome, err := w.exec.ExecuteStage(spanCtx, item)
	cause := context.Cause(stageCtx)
	cancel(nil)
	<-beat

	if err != nil {
		telemetry.EndSpan(span, err)
		switch {
		case errors.Is(cause, errLeaseLost):
			logger.Warn("lease lost mid-stage, dropping result", zap.Error(cause))
			return nil, nil
		case ctx.Err() != nil:
			w.release(ctx, item, logger)
			return nil, fmt.Errorf("stage %s interrupted: %w", item.Stage, ctx.Err())
		default:
			outcome = automation.StageOutcome{Permanent: true, Error: err.Error()}
		}
	} else if !outcome.Succeeded {
		telemetry.EndSpan(span, errors.New(outcome.Error))
	} else {
		telemetry.EndSpan(span, nil)
	}

	outcome.Stage = item.Stage
	outcome.WorkerID = w.cfg.ID
	dur := w.clock.Now().Sub(start)
	if dur < 0 {
		dur = 0
	}

	evt := progress.Event{
		RunID:     item.RunID,
		ItemID:    item.ID,
		Stage:     item.Stage,
		Attempts:  outcome.Attempts,
		Permanent: outcome.Permanent,
		Dur:       dur,
	}
	if outcome.Succeeded {
		evt.Kind = progress.KindStageDone
		telemetry.ObserveStage(string(item.Stage), "succeeded", dur)
		logger.Info("stage succeeded", zap.Int("attempts", outcome.Attempts), zap.Duration("duration", dur))
	} else {
		evt.Kind = progress.KindStageFailed
		evt.Note = outcome.Error
		telemetry.ObserveStage(string(item.Stage), "failed", dur)
		logger.Warn("stage failed",
			zap.Int("attempts", outcome.Attempts),
			zap.Duration("duration", dur),
			zap.String("error", outcome.Error),
		)
	}
	w.emit(evt)
	return &outcome, nil
}

// heartbeat renews the lease every Lease/3 until ctx ends. Losing the lease
// cancels ctx with errLeaseLost.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, item automation.Item, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	interval := w.cfg.Lease / 3
	go func() {
		defer close(done)
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := w.store.RenewLease(ctx, item.ID, w.cfg.ID, w.cfg.Lease)
			if err == nil {
				continue
			}
			var expired *automation.LeaseExpiredError
			if errors.As(err, &expired) {
				cancel(fmt.Errorf("%w: %w", errLeaseLost, err))
				return
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("lease renewal failed", zap.Error(err))
		}
	}()
	return done
}

// record persists the outcome. A finished stage is recorded even when ctx has
// been cancelled in the meantime.
func (w *Worker) record(ctx context.Context, item automation.Item, outcome automation.StageOutcome, logger *zap.Logger) {
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	updated, err := w.store.RecordStageResult(recCtx, item.ID, outcome)
	var expired *automation.LeaseExpiredError
	switch {
	case err == nil:
		logger.Debug("stage recorded", zap.String("next_stage", string(updated.Stage)), zap.String("item_status", string(updated.Status)))
	case errors.As(err, &expired):
		logger.Warn("result rejected, lease moved", zap.String("current_owner", expired.CurrentOwner))
	case errors.Is(err, automation.ErrStageAlreadyRecorded):
		logger.Warn("stage already recorded", zap.Error(err))
	default:
		logger.Error("record stage result failed", zap.Error(err))
	}
}

func (w *Worker) release(ctx context.Context, item automation.Item, logger *zap.Logger) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := w.store.ReleaseItem(relCtx, item.ID, w.cfg.ID); err != nil {
		logger.Warn("release item failed", zap.Error(err))
	}
}

func (w *Worker) finalize(ctx context.Context, runID string, logger *zap.Logger) {
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, _, err := w.exec.Finalize(finCtx, runID); err != nil {
		logger.Error("finalize run failed", zap.Error(err))
	}
}

func (w *Worker) emit(evt progress.Event) {
	evt.TS = w.clock.Now().UTC()
	w.progress.Emit(evt)
}
