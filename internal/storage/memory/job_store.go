package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/clock/system"
	"github.com/JakeFAU/product-automation/internal/id/uuid"
)

// JobStore provides an in-memory implementation for development/testing.
// A single mutex makes every claim and record atomic.
type JobStore struct {
	mu    sync.Mutex
	runs  map[string]automation.Run
	items map[string]automation.Item
	order map[string][]string // run id -> item ids by position
	clock automation.Clock
	ids   automation.IDGenerator
}

// Option customises a JobStore.
type Option func(*JobStore)

// WithClock overrides the store clock.
func WithClock(c automation.Clock) Option {
	return func(s *JobStore) { s.clock = c }
}

// WithIDGenerator overrides how run and item IDs are minted.
func WithIDGenerator(g automation.IDGenerator) Option {
	return func(s *JobStore) { s.ids = g }
}

// NewJobStore constructs a JobStore.
func NewJobStore(opts ...Option) *JobStore {
	s := &JobStore{
		runs:  make(map[string]automation.Run),
		items: make(map[string]automation.Item),
		order: make(map[string][]string),
		clock: system.New(),
		ids:   uuid.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRun stores a new run in pending status.
func (s *JobStore) CreateRun(_ context.Context, cfg automation.RunConfig) (automation.Run, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return automation.Run{}, fmt.Errorf("create run: %w", err)
	}
	now := s.clock.Now()
	run := automation.Run{
		ID:        id,
		Status:    automation.RunPending,
		Config:    cloneConfig(cfg),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[id] = run
	return run, nil
}

// AddItems appends pending items to a run.
func (s *JobStore) AddItems(_ context.Context, runID string, refs []string) ([]automation.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("add items to %s: %w", runID, automation.ErrRunNotFound)
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("add items to %s: %w", runID, automation.ErrRunTerminal)
	}
	now := s.clock.Now()
	out := make([]automation.Item, 0, len(refs))
	for _, ref := range refs {
		id, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("add items: %w", err)
		}
		item := automation.Item{
			ID:        id,
			RunID:     runID,
			Position:  len(s.order[runID]),
			SourceRef: ref,
			Stage:     automation.StageScraping,
			Status:    automation.ItemPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.items[id] = item
		s.order[runID] = append(s.order[runID], id)
		out = append(out, item.Clone())
	}
	run.UpdatedAt = now
	s.runs[runID] = run
	return out, nil
}

// ClaimNextPendingItem leases the least recently touched claimable item whose
// run is below its parallelism cap.
func (s *JobStore) ClaimNextPendingItem(_ context.Context, req automation.ClaimRequest) (automation.Item, error) {
	if err := automation.ValidateClaim(req); err != nil {
		return automation.Item{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	live := make(map[string]int, len(s.runs))
	for _, item := range s.items {
		if automation.LeaseLive(item, now) {
			live[item.RunID]++
		}
	}

	var (
		best  automation.Item
		found bool
	)
	for _, item := range s.items {
		if req.RunID != "" && item.RunID != req.RunID {
			continue
		}
		run := s.runs[item.RunID]
		if run.Status.Terminal() || run.CancelRequested || run.Config.AtCapacity(live[run.ID]) {
			continue
		}
		if !automation.Claimable(item, now) {
			continue
		}
		if !found || claimsBefore(item, best) {
			best = item
			found = true
		}
	}
	if !found {
		return automation.Item{}, automation.ErrNoPendingItem
	}

	automation.ApplyClaim(&best, req, now)
	s.items[best.ID] = best

	run := s.runs[best.RunID]
	if run.Status == automation.RunPending {
		run.Status = automation.RunRunning
		run.StartedAt = pointerTime(now)
	}
	run.UpdatedAt = now
	s.runs[run.ID] = run
	return best.Clone(), nil
}

// RenewLease extends the lease held by owner.
func (s *JobStore) RenewLease(_ context.Context, itemID, owner string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("renew lease %s: %w", itemID, automation.ErrItemNotFound)
	}
	if item.Status != automation.ItemInProgress || item.LeaseOwner != owner {
		return &automation.LeaseExpiredError{ItemID: itemID, Owner: owner, CurrentOwner: item.LeaseOwner}
	}
	expires := s.clock.Now().Add(lease)
	item.LeaseExpiresAt = &expires
	s.items[itemID] = item
	return nil
}

// ReleaseItem returns an unstarted claim to pending.
func (s *JobStore) ReleaseItem(_ context.Context, itemID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("release %s: %w", itemID, automation.ErrItemNotFound)
	}
	if item.Status != automation.ItemInProgress || item.LeaseOwner != owner {
		return &automation.LeaseExpiredError{ItemID: itemID, Owner: owner, CurrentOwner: item.LeaseOwner}
	}
	item.Status = automation.ItemPending
	item.LeaseOwner = ""
	item.LeaseExpiresAt = nil
	item.UpdatedAt = s.clock.Now()
	s.items[itemID] = item
	return nil
}

// RecordStageResult applies a stage outcome. Repeating a recorded success is
// a no-op that returns the current item.
func (s *JobStore) RecordStageResult(_ context.Context, itemID string, outcome automation.StageOutcome) (automation.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return automation.Item{}, fmt.Errorf("record %s: %w", itemID, automation.ErrItemNotFound)
	}
	now := s.clock.Now()
	changed, err := automation.ApplyOutcome(&item, outcome, now)
	if err != nil {
		return automation.Item{}, err
	}
	if changed {
		s.items[itemID] = item
		if run, ok := s.runs[item.RunID]; ok {
			run.UpdatedAt = now
			s.runs[run.ID] = run
		}
	}
	return item.Clone(), nil
}

// GetRunStatus returns the run snapshot with per-item failure detail.
func (s *JobStore) GetRunStatus(_ context.Context, runID string) (automation.RunReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return automation.RunReport{}, fmt.Errorf("run %s: %w", runID, automation.ErrRunNotFound)
	}
	return automation.BuildReport(run, s.runItemsLocked(runID)), nil
}

// FinalizeRun moves the run to its terminal status once nothing is left to
// do. Only the call that performs the transition reports true.
func (s *JobStore) FinalizeRun(_ context.Context, runID string) (automation.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return automation.Run{}, false, fmt.Errorf("finalize %s: %w", runID, automation.ErrRunNotFound)
	}
	items := s.runItemsLocked(runID)
	run.Counts = automation.CountsFor(items)
	if run.Status.Terminal() {
		return run, false, nil
	}
	status, final := automation.DeriveRunStatus(run.Counts, run.CancelRequested)
	if !final {
		return run, false, nil
	}
	now := s.clock.Now()
	run.Status = status
	run.FinishedAt = pointerTime(now)
	run.UpdatedAt = now
	s.storeRunLocked(run)
	return run, true, nil
}

// RequestCancel flags the run for cancellation.
func (s *JobStore) RequestCancel(_ context.Context, runID string) (automation.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return automation.Run{}, fmt.Errorf("cancel %s: %w", runID, automation.ErrRunNotFound)
	}
	run.Counts = automation.CountsFor(s.runItemsLocked(runID))
	if run.Status.Terminal() {
		return run, fmt.Errorf("cancel %s: %w", runID, automation.ErrRunTerminal)
	}
	run.CancelRequested = true
	run.UpdatedAt = s.clock.Now()
	s.storeRunLocked(run)
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *JobStore) ListRuns(_ context.Context, filter automation.RunFilter) ([]automation.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]automation.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if len(filter.Statuses) > 0 && !containsRunStatus(filter.Statuses, run.Status) {
			continue
		}
		run.Counts = automation.CountsFor(s.runItemsLocked(run.ID))
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListItems returns items ordered by run and position.
func (s *JobStore) ListItems(_ context.Context, filter automation.ItemFilter) ([]automation.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if filter.RunID != "" {
		if _, ok := s.runs[filter.RunID]; !ok {
			return nil, fmt.Errorf("list items of %s: %w", filter.RunID, automation.ErrRunNotFound)
		}
	}
	out := make([]automation.Item, 0)
	for _, item := range s.items {
		if filter.RunID != "" && item.RunID != filter.RunID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsItemStatus(filter.Statuses, item.Status) {
			continue
		}
		out = append(out, item.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

// Outstanding counts items that still need a worker. An empty runID counts
// across all runs.
func (s *JobStore) Outstanding(_ context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runID != "" {
		run, ok := s.runs[runID]
		if !ok {
			return 0, fmt.Errorf("outstanding %s: %w", runID, automation.ErrRunNotFound)
		}
		return automation.OutstandingFor(run, s.runItemsLocked(runID)), nil
	}
	total := 0
	for id, run := range s.runs {
		total += automation.OutstandingFor(run, s.runItemsLocked(id))
	}
	return total, nil
}

// Close is a no-op.
func (s *JobStore) Close() error {
	return nil
}

func (s *JobStore) runItemsLocked(runID string) []automation.Item {
	ids := s.order[runID]
	out := make([]automation.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.items[id].Clone())
	}
	return out
}

func (s *JobStore) storeRunLocked(run automation.Run) {
	stored := run
	stored.Counts = automation.RunCounts{}
	s.runs[run.ID] = stored
}

// claimsBefore orders claim candidates: least recently updated first, then by
// position.
func claimsBefore(a, b automation.Item) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}
	if a.RunID != b.RunID {
		return a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.RunID < b.RunID)
	}
	return a.Position < b.Position
}

func cloneConfig(cfg automation.RunConfig) automation.RunConfig {
	out := cfg
	if cfg.Delays != nil {
		out.Delays = make(map[string]time.Duration, len(cfg.Delays))
		for k, v := range cfg.Delays {
			out.Delays[k] = v
		}
	}
	return out
}

func containsRunStatus(list []automation.RunStatus, s automation.RunStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsItemStatus(list []automation.ItemStatus, s automation.ItemStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
