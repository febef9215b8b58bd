package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/product-automation/internal/automation"
)

// Kind denotes the milestone an Event represents.
type Kind string

// Supported event kinds.
const (
	KindRunSubmitted  Kind = "RUN_SUBMITTED"
	KindRunDone       Kind = "RUN_DONE"
	KindStageStart    Kind = "STAGE_START"
	KindStageDone     Kind = "STAGE_DONE"
	KindStageFailed   Kind = "STAGE_FAILED"
	KindItemReclaimed Kind = "ITEM_RECLAIMED"
)

// Event captures one pipeline milestone.
type Event struct {
	// RunID identifies the owning run.
	RunID string
	// ItemID is set for stage and reclaim events.
	ItemID string
	// TS is the UTC timestamp recorded by the emitter.
	TS   time.Time
	Kind Kind
	// Stage is set for stage events.
	Stage automation.Stage
	// Status carries the terminal run status on KindRunDone.
	Status   automation.RunStatus
	Attempts int
	// Permanent marks a stage failure that will not be retried.
	Permanent bool
	Dur       time.Duration
	// Note holds low-volume context such as error text or the previous lease owner.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunSubmitted:
	case KindRunDone:
		if !e.Status.Terminal() {
			return fmt.Errorf("run done requires terminal status, got %q", e.Status)
		}
	case KindStageStart, KindStageDone, KindStageFailed:
		if e.ItemID == "" {
			return errors.New("stage event requires item id")
		}
		if !e.Stage.Valid() {
			return fmt.Errorf("stage event has unknown stage %q", e.Stage)
		}
	case KindItemReclaimed:
		if e.ItemID == "" {
			return errors.New("reclaim event requires item id")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Outcome labels a stage event for metrics and storage.
func (e Event) Outcome() string {
	switch e.Kind {
	case KindStageDone:
		return "succeeded"
	case KindStageFailed:
		if e.Permanent {
			return "failed"
		}
		return "retryable"
	default:
		return ""
	}
}
