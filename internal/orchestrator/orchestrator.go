// Package orchestrator drives runs through the pipeline. It accepts runs into
// the job store, executes one stage of an item at a time through the provider
// adapters and finalizes runs once every item is terminal.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/clock/system"
	"github.com/JakeFAU/product-automation/internal/logging"
	"github.com/JakeFAU/product-automation/internal/progress"
	"github.com/JakeFAU/product-automation/internal/provider"
	"github.com/JakeFAU/product-automation/internal/telemetry"
)

// Errors returned to callers of the run operations.
var (
	ErrNoSourceRefs  = errors.New("at least one source reference is required")
	ErrRunActive     = errors.New("run has not finished")
	ErrNoFailedItems = errors.New("run has no failed items")
)

// Adapters bundles the stage adapters.
type Adapters struct {
	Scraper   automation.Scraper
	Copy      automation.CopyGenerator
	Images    automation.ImageGenerator
	Publisher automation.ProductPublisher
}

// Waker is notified when new work may be claimable.
type Waker interface {
	Wake()
}

// Orchestrator owns the run lifecycle.
type Orchestrator struct {
	store    automation.JobStore
	adapters Adapters
	events   automation.EventPublisher
	topic    string
	progress progress.Emitter
	clock    automation.Clock
	logger   *zap.Logger

	mu    sync.RWMutex
	waker Waker
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithEventPublisher publishes a RunSummary to topic whenever a run finishes.
func WithEventPublisher(pub automation.EventPublisher, topic string) Option {
	return func(o *Orchestrator) {
		o.events = pub
		o.topic = topic
	}
}

// WithProgress sets the progress emitter.
func WithProgress(e progress.Emitter) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.progress = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock used for event timestamps.
func WithClock(c automation.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// New builds an Orchestrator.
func New(store automation.JobStore, adapters Adapters, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: job store is required")
	}
	o := &Orchestrator{
		store:    store,
		adapters: adapters,
		progress: progress.Discard,
		clock:    system.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// SetWaker registers the pool woken after submissions and cancellations.
func (o *Orchestrator) SetWaker(w Waker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waker = w
}

func (o *Orchestrator) wake() {
	o.mu.RLock()
	w := o.waker
	o.mu.RUnlock()
	if w != nil {
		w.Wake()
	}
}

// SubmitRun creates a run over refs. Blank refs are dropped and duplicates
// collapse onto their first occurrence.
func (o *Orchestrator) SubmitRun(ctx context.Context, refs []string, cfg automation.RunConfig) (automation.Run, error) {
	cleaned := normalizeRefs(refs)
	if len(cleaned) == 0 {
		return automation.Run{}, ErrNoSourceRefs
	}
	run, err := o.store.CreateRun(ctx, cfg)
	if err != nil {
		return automation.Run{}, fmt.Errorf("create run: %w", err)
	}
	items, err := o.store.AddItems(ctx, run.ID, cleaned)
	if err != nil {
		return automation.Run{}, fmt.Errorf("add items to run %s: %w", run.ID, err)
	}
	run.Counts = automation.CountsFor(items)

	o.logger.Info("run submitted", logging.RunID(run.ID), zap.Int("items", len(items)))
	o.emit(progress.Event{RunID: run.ID, Kind: progress.KindRunSubmitted, Note: fmt.Sprintf("%d items", len(items))})
	o.wake()
	return run, nil
}

// CancelRun stops further stages from starting. Stages already executing
// finish and are recorded; the run becomes cancelled once none remain.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) (automation.Run, error) {
	run, err := o.store.RequestCancel(ctx, runID)
	if err != nil {
		return run, err
	}
	o.logger.Info("run cancellation requested", logging.RunID(runID))
	if finished, changed, err := o.Finalize(ctx, runID); err != nil {
		return run, err
	} else if changed {
		run = finished
	}
	o.wake()
	return run, nil
}

// GetRunStatus returns the run snapshot with failure detail.
func (o *Orchestrator) GetRunStatus(ctx context.Context, runID string) (automation.RunReport, error) {
	return o.store.GetRunStatus(ctx, runID)
}

// ListRuns lists runs, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, filter automation.RunFilter) ([]automation.Run, error) {
	return o.store.ListRuns(ctx, filter)
}

// ListItems lists items of a run.
func (o *Orchestrator) ListItems(ctx context.Context, filter automation.ItemFilter) ([]automation.Item, error) {
	return o.store.ListItems(ctx, filter)
}

// ResubmitFailed starts a new run over the failed items of a finished run.
func (o *Orchestrator) ResubmitFailed(ctx context.Context, runID string) (automation.Run, error) {
	report, err := o.store.GetRunStatus(ctx, runID)
	if err != nil {
		return automation.Run{}, err
	}
	if !report.Run.Status.Terminal() {
		return automation.Run{}, fmt.Errorf("resubmit %s: %w", runID, ErrRunActive)
	}
	if len(report.Failures) == 0 {
		return automation.Run{}, fmt.Errorf("resubmit %s: %w", runID, ErrNoFailedItems)
	}
	refs := make([]string, 0, len(report.Failures))
	for _, f := range report.Failures {
		refs = append(refs, f.SourceRef)
	}
	run, err := o.SubmitRun(ctx, refs, report.Run.Config)
	if err != nil {
		return automation.Run{}, err
	}
	o.logger.Info("failed items resubmitted", logging.RunID(run.ID), zap.String("from_run", runID), zap.Int("items", len(refs)))
	return run, nil
}

// Resume picks up runs left unfinished by a previous process. Runs with
// nothing left to do are finalized; the rest are returned and the pool is
// woken so expired leases get reclaimed.
func (o *Orchestrator) Resume(ctx context.Context) ([]automation.Run, error) {
	runs, err := o.store.ListRuns(ctx, automation.RunFilter{
		Statuses: []automation.RunStatus{automation.RunPending, automation.RunRunning},
	})
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}
	resumed := make([]automation.Run, 0, len(runs))
	for _, run := range runs {
		_, changed, err := o.Finalize(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if changed {
			continue
		}
		o.logger.Info("resuming run", logging.RunID(run.ID),
			zap.Int("pending", run.Counts.Pending), zap.Int("in_progress", run.Counts.InProgress))
		resumed = append(resumed, run)
	}
	if len(resumed) > 0 {
		o.wake()
	}
	return resumed, nil
}

// ExecuteStage runs the adapter for item.Stage. Provider failures come back
// as a failed outcome with a nil error; the returned error is only set when
// ctx ended before the stage could finish, in which case nothing should be
// recorded.
func (o *Orchestrator) ExecuteStage(ctx context.Context, item automation.Item) (automation.StageOutcome, error) {
	outcome := automation.StageOutcome{Stage: item.Stage}
	counted, attempts := provider.CountAttempts(ctx)
	output, err := o.dispatch(counted, item)
	outcome.Attempts = attempts()
	if err != nil {
		if ctx.Err() != nil {
			return outcome, fmt.Errorf("execute %s for item %s: %w", item.Stage, item.ID, ctx.Err())
		}
		// A stage is never retried by the pipeline, whatever the provider kind.
		outcome.Permanent = true
		outcome.Error = err.Error()
		var perr *automation.ProviderError
		if errors.As(err, &perr) && perr.Attempts > outcome.Attempts {
			outcome.Attempts = perr.Attempts
		}
		return outcome, nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		outcome.Permanent = true
		outcome.Error = fmt.Sprintf("encode %s output: %v", item.Stage, err)
		return outcome, nil
	}
	outcome.Succeeded = true
	outcome.Output = data
	return outcome, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, item automation.Item) (any, error) {
	switch item.Stage {
	case automation.StageScraping:
		if o.adapters.Scraper == nil {
			return nil, errNoAdapter(item.Stage)
		}
		return o.adapters.Scraper.Scrape(ctx, item.SourceRef)

	case automation.StageCopywriting:
		if o.adapters.Copy == nil {
			return nil, errNoAdapter(item.Stage)
		}
		product, err := decodeResult[automation.ProductData](item, automation.StageScraping)
		if err != nil {
			return nil, err
		}
		return o.adapters.Copy.Generate(ctx, product)

	case automation.StageImageGen:
		if o.adapters.Images == nil {
			return nil, errNoAdapter(item.Stage)
		}
		product, err := decodeResult[automation.ProductData](item, automation.StageScraping)
		if err != nil {
			return nil, err
		}
		cp, err := decodeResult[automation.ProductCopy](item, automation.StageCopywriting)
		if err != nil {
			return nil, err
		}
		return o.adapters.Images.Generate(ctx, product, cp)

	case automation.StagePublishing:
		if o.adapters.Publisher == nil {
			return nil, errNoAdapter(item.Stage)
		}
		product, err := decodeResult[automation.ProductData](item, automation.StageScraping)
		if err != nil {
			return nil, err
		}
		cp, err := decodeResult[automation.ProductCopy](item, automation.StageCopywriting)
		if err != nil {
			return nil, err
		}
		images, err := decodeResult[automation.ImageSet](item, automation.StageImageGen)
		if err != nil {
			return nil, err
		}
		// The item ID lets the publisher spot a product an earlier attempt created.
		return o.adapters.Publisher.Publish(provider.WithIdempotencyKey(ctx, item.ID), product, cp, images)

	default:
		return nil, fmt.Errorf("%w: item %s has no executable stage (%q)", automation.ErrInvalidOutcome, item.ID, item.Stage)
	}
}

func decodeResult[T any](item automation.Item, stage automation.Stage) (T, error) {
	var out T
	rec, ok := item.Results[stage]
	if !ok || rec.Status != automation.RecordSucceeded {
		return out, fmt.Errorf("item %s has no successful %s result", item.ID, stage)
	}
	if err := json.Unmarshal(rec.Output, &out); err != nil {
		return out, fmt.Errorf("decode %s result of item %s: %w", stage, item.ID, err)
	}
	return out, nil
}

func errNoAdapter(stage automation.Stage) error {
	return fmt.Errorf("no adapter configured for stage %s", stage)
}

// Finalize moves the run to its terminal status when nothing is left to do.
// The call that performs the transition emits RUN_DONE and publishes the
// run summary.
func (o *Orchestrator) Finalize(ctx context.Context, runID string) (automation.Run, bool, error) {
	run, changed, err := o.store.FinalizeRun(ctx, runID)
	if err != nil {
		return run, false, fmt.Errorf("finalize run %s: %w", runID, err)
	}
	if !changed {
		return run, false, nil
	}

	telemetry.ObserveRun(string(run.Status))
	o.logger.Info("run finished",
		logging.RunID(run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("published", run.Counts.Published),
		zap.Int("failed", run.Counts.Failed),
		zap.Int("pending", run.Counts.Pending),
	)
	o.emit(progress.Event{RunID: run.ID, Kind: progress.KindRunDone, Status: run.Status, Dur: runDuration(run)})
	o.publishSummary(ctx, run)
	return run, true, nil
}

func (o *Orchestrator) publishSummary(ctx context.Context, run automation.Run) {
	if o.events == nil {
		return
	}
	summary := automation.RunSummary{RunID: run.ID, Status: run.Status, Counts: run.Counts}
	if run.FinishedAt != nil {
		summary.FinishedAt = *run.FinishedAt
	}
	if report, err := o.store.GetRunStatus(ctx, run.ID); err == nil {
		summary.Counts = report.Run.Counts
		summary.Failures = report.Failures
	} else {
		o.logger.Warn("run report unavailable for summary", logging.RunID(run.ID), zap.Error(err))
	}
	id, err := o.events.Publish(ctx, o.topic, summary)
	if err != nil {
		// The run is already terminal in the store.
		o.logger.Error("publish run summary failed", logging.RunID(run.ID), zap.Error(err))
		return
	}
	o.logger.Debug("run summary published", logging.RunID(run.ID), zap.String("message_id", id))
}

func (o *Orchestrator) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = o.clock.Now().UTC()
	}
	o.progress.Emit(evt)
}

func runDuration(run automation.Run) time.Duration {
	if run.FinishedAt == nil {
		return 0
	}
	start := run.CreatedAt
	if run.StartedAt != nil {
		start = *run.StartedAt
	}
	if d := run.FinishedAt.Sub(start); d > 0 {
		return d
	}
	return 0
}

func normalizeRefs(refs []string) []string {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
