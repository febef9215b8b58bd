package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// Claimable reports whether the item can be leased at now. Pending items are
// always claimable; in-progress items become claimable once their lease lapses.
func Claimable(item Item, now time.Time) bool {
	switch item.Status {
	case ItemPending:
		return true
	case ItemInProgress:
		return item.LeaseExpiresAt == nil || !now.Before(*item.LeaseExpiresAt)
	default:
		return false
	}
}

// LeaseLive reports whether item is in progress under a lease that has not
// lapsed at now. Only live leases count against a run's parallelism.
func LeaseLive(item Item, now time.Time) bool {
	return item.Status == ItemInProgress && item.LeaseExpiresAt != nil && now.Before(*item.LeaseExpiresAt)
}

// AtCapacity reports whether a run with live leases may not take another.
func (c RunConfig) AtCapacity(live int) bool {
	return c.Parallelism > 0 && live >= c.Parallelism
}

// ApplyClaim leases item to the requesting worker.
func ApplyClaim(item *Item, req ClaimRequest, now time.Time) {
	item.ReclaimedFrom = ""
	if item.Status == ItemInProgress {
		item.ReclaimedFrom = item.LeaseOwner
		item.ReclaimCount++
	}
	expires := now.Add(req.Lease)
	item.Status = ItemInProgress
	item.LeaseOwner = req.WorkerID
	item.LeaseExpiresAt = &expires
	item.UpdatedAt = now
}

// ValidateOutcome checks the shape of a stage outcome.
func ValidateOutcome(outcome StageOutcome) error {
	if !outcome.Stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidOutcome, outcome.Stage)
	}
	if outcome.WorkerID == "" {
		return fmt.Errorf("%w: worker id is required", ErrInvalidOutcome)
	}
	if !outcome.Succeeded && outcome.Error == "" {
		return fmt.Errorf("%w: failed outcome requires error detail", ErrInvalidOutcome)
	}
	if outcome.Succeeded && len(outcome.Output) > 0 && !json.Valid(outcome.Output) {
		return fmt.Errorf("%w: output is not valid JSON", ErrInvalidOutcome)
	}
	return nil
}

// ApplyOutcome folds a stage outcome into item. It returns false with no error
// when the same successful outcome was already recorded. Results for a stage
// that already has a terminal record are rejected, as are results from a
// worker that no longer holds the lease.
func ApplyOutcome(item *Item, outcome StageOutcome, now time.Time) (bool, error) {
	if err := ValidateOutcome(outcome); err != nil {
		return false, err
	}
	if existing, ok := item.Results[outcome.Stage]; ok {
		if existing.Status == RecordSucceeded && outcome.Succeeded && sameJSON(existing.Output, outcome.Output) {
			return false, nil
		}
		return false, fmt.Errorf("%w: item %s stage %s", ErrStageAlreadyRecorded, item.ID, outcome.Stage)
	}
	if item.Status.Terminal() {
		return false, fmt.Errorf("%w: item %s is %s", ErrStageAlreadyRecorded, item.ID, item.Status)
	}
	if item.Status != ItemInProgress || item.LeaseOwner != outcome.WorkerID {
		return false, &LeaseExpiredError{ItemID: item.ID, Owner: outcome.WorkerID, CurrentOwner: item.LeaseOwner}
	}
	if outcome.Stage != item.Stage {
		return false, fmt.Errorf("%w: item %s is at stage %s, not %s", ErrInvalidOutcome, item.ID, item.Stage, outcome.Stage)
	}

	if item.Results == nil {
		item.Results = make(map[Stage]StageRecord)
	}
	record := StageRecord{
		Output:     append(json.RawMessage(nil), outcome.Output...),
		Attempts:   outcome.Attempts,
		RecordedAt: now,
	}
	if outcome.Succeeded {
		next, err := outcome.Stage.Next()
		if err != nil {
			return false, err
		}
		record.Status = RecordSucceeded
		item.Stage = next
		item.Status = ItemPending
		if next == StagePublished {
			item.Status = ItemPublished
		}
	} else {
		record.Status = RecordFailed
		record.Error = outcome.Error
		record.Permanent = outcome.Permanent
		item.Status = ItemFailed
		item.FailedStage = outcome.Stage
		item.Error = outcome.Error
	}
	item.Results[outcome.Stage] = record
	item.LeaseOwner = ""
	item.LeaseExpiresAt = nil
	item.UpdatedAt = now
	return true, nil
}

// DeriveRunStatus computes the terminal status for a run, if it has one.
func DeriveRunStatus(counts RunCounts, cancelRequested bool) (RunStatus, bool) {
	if counts.InProgress > 0 {
		return RunRunning, false
	}
	if counts.Pending > 0 {
		if cancelRequested {
			return RunCancelled, true
		}
		return RunRunning, false
	}
	switch {
	case counts.Failed == 0:
		return RunCompleted, true
	case counts.Published > 0:
		return RunPartial, true
	default:
		return RunFailed, true
	}
}

// BuildReport assembles a RunReport from a run and its items.
func BuildReport(run Run, items []Item) RunReport {
	sorted := append([]Item(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	var counts RunCounts
	report := RunReport{Failures: []FailedItem{}}
	for _, item := range sorted {
		counts.Add(item.Status)
		if item.Status == ItemFailed {
			report.Failures = append(report.Failures, FailedItem{
				ItemID:    item.ID,
				SourceRef: item.SourceRef,
				Stage:     item.FailedStage,
				Error:     item.Error,
			})
		}
	}
	run.Counts = counts
	report.Run = run
	report.Succeeded = counts.Published
	report.Failed = counts.Failed
	return report
}

func sameJSON(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// ValidateClaim checks a claim request.
func ValidateClaim(req ClaimRequest) error {
	if req.WorkerID == "" {
		return errors.New("claim: worker id is required")
	}
	if req.Lease <= 0 {
		return errors.New("claim: lease must be > 0")
	}
	return nil
}

// CountsFor folds item statuses into RunCounts.
func CountsFor(items []Item) RunCounts {
	var counts RunCounts
	for _, item := range items {
		counts.Add(item.Status)
	}
	return counts
}

// OutstandingFor counts the items of one run that still need a worker.
// Pending items of a run with a cancellation request are not counted.
func OutstandingFor(run Run, items []Item) int {
	if run.Status.Terminal() {
		return 0
	}
	n := 0
	for _, item := range items {
		switch item.Status {
		case ItemInProgress:
			n++
		case ItemPending:
			if !run.CancelRequested {
				n++
			}
		}
	}
	return n
}
