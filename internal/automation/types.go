package automation

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus enumerates the lifecycle states of a Run.
type RunStatus string

// Supported run statuses.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further work happens for the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunPartial, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Stage identifies one step of the pipeline. An item's Stage is the step it
// runs next; StagePublished marks an item that finished every step.
type Stage string

// Pipeline stages in execution order.
const (
	StageScraping    Stage = "scraping"
	StageCopywriting Stage = "copywriting"
	StageImageGen    Stage = "image_gen"
	StagePublishing  Stage = "publishing"
	StagePublished   Stage = "published"
)

// Stages lists the executable stages in order.
var Stages = []Stage{StageScraping, StageCopywriting, StageImageGen, StagePublishing}

// Next returns the stage that follows s.
func (s Stage) Next() (Stage, error) {
	switch s {
	case StageScraping:
		return StageCopywriting, nil
	case StageCopywriting:
		return StageImageGen, nil
	case StageImageGen:
		return StagePublishing, nil
	case StagePublishing:
		return StagePublished, nil
	default:
		return "", fmt.Errorf("stage %q has no successor", s)
	}
}

// Valid reports whether s is an executable stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Index is the zero-based position of the stage, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	if s == StagePublished {
		return len(Stages)
	}
	return -1
}

// Provider returns the provider name used to rate limit the stage.
func (s Stage) Provider() string {
	switch s {
	case StageScraping:
		return ProviderScraper
	case StageCopywriting:
		return ProviderCopy
	case StageImageGen:
		return ProviderImage
	case StagePublishing:
		return ProviderPublisher
	default:
		return ""
	}
}

// Provider names used by the rate limiter and metrics.
const (
	ProviderScraper   = "scraper"
	ProviderCopy      = "copy"
	ProviderImage     = "image"
	ProviderPublisher = "publisher"
)

// ItemStatus is the coarse status of an item.
type ItemStatus string

// Supported item statuses.
const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemPublished  ItemStatus = "published"
	ItemFailed     ItemStatus = "failed"
)

// Terminal reports whether the item will not be claimed again.
func (s ItemStatus) Terminal() bool {
	return s == ItemPublished || s == ItemFailed
}

// RecordStatus is the outcome of a single stage.
type RecordStatus string

// Stage outcomes.
const (
	RecordSucceeded RecordStatus = "succeeded"
	RecordFailed    RecordStatus = "failed"
)

// RunConfig is the configuration snapshot stored with a run. Parallelism caps
// the run's live leases across the whole pool (0 leaves it uncapped). Delays
// override the limiter's per-provider spacing while the run's stages execute.
type RunConfig struct {
	Parallelism int                      `json:"parallelism"`
	Delays      map[string]time.Duration `json:"delays,omitempty"`
}

// RunCounts aggregates item statuses for a run.
type RunCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Published  int `json:"published"`
	Failed     int `json:"failed"`
}

// Add folds one item status into the counts.
func (c *RunCounts) Add(status ItemStatus) {
	c.Total++
	switch status {
	case ItemPending:
		c.Pending++
	case ItemInProgress:
		c.InProgress++
	case ItemPublished:
		c.Published++
	case ItemFailed:
		c.Failed++
	}
}

// Run is one automation invocation over a batch of source references.
type Run struct {
	ID              string     `json:"id"`
	Status          RunStatus  `json:"status"`
	CancelRequested bool       `json:"cancel_requested"`
	Config          RunConfig  `json:"config"`
	Counts          RunCounts  `json:"counts"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// StageRecord is the persisted result of one stage of an item.
type StageRecord struct {
	Status     RecordStatus    `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Permanent  bool            `json:"permanent,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Item is one product moving through the pipeline within a run.
type Item struct {
	ID             string                `json:"id"`
	RunID          string                `json:"run_id"`
	Position       int                   `json:"position"`
	SourceRef      string                `json:"source_ref"`
	Stage          Stage                 `json:"stage"`
	Status         ItemStatus            `json:"status"`
	FailedStage    Stage                 `json:"failed_stage,omitempty"`
	Error          string                `json:"error,omitempty"`
	LeaseOwner     string                `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time            `json:"lease_expires_at,omitempty"`
	ReclaimCount   int                   `json:"reclaim_count"`
	ReclaimedFrom  string                `json:"-"`
	Results        map[Stage]StageRecord `json:"results,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// State renders the per-item state machine position.
//
// Pending → Scraping → Copywriting → ImageGen → Publishing → Published, with
// Failed(stage) reachable from any in-progress state.
func (i Item) State() string {
	switch i.Status {
	case ItemPublished:
		return "Published"
	case ItemFailed:
		return fmt.Sprintf("Failed(%s)", stageLabel(i.FailedStage))
	case ItemInProgress:
		return stageLabel(i.Stage)
	default:
		if i.Stage == StageScraping && len(i.Results) == 0 {
			return "Pending"
		}
		return stageLabel(i.Stage)
	}
}

func stageLabel(s Stage) string {
	switch s {
	case StageScraping:
		return "Scraping"
	case StageCopywriting:
		return "Copywriting"
	case StageImageGen:
		return "ImageGen"
	case StagePublishing:
		return "Publishing"
	case StagePublished:
		return "Published"
	default:
		return string(s)
	}
}

// Clone returns a deep copy so stores never leak internal maps.
func (i Item) Clone() Item {
	out := i
	if i.LeaseExpiresAt != nil {
		ts := *i.LeaseExpiresAt
		out.LeaseExpiresAt = &ts
	}
	if i.Results != nil {
		out.Results = make(map[Stage]StageRecord, len(i.Results))
		for k, v := range i.Results {
			rec := v
			rec.Output = append(json.RawMessage(nil), v.Output...)
			out.Results[k] = rec
		}
	}
	return out
}

// StageOutcome is what a worker reports after executing one stage.
type StageOutcome struct {
	Stage     Stage
	WorkerID  string
	Succeeded bool
	Output    json.RawMessage
	Error     string
	Permanent bool
	Attempts  int
}

// ClaimRequest selects and leases the next pending item.
type ClaimRequest struct {
	// RunID optionally scopes the claim to one run.
	RunID    string
	WorkerID string
	Lease    time.Duration
}

// FailedItem summarises one failed item for run status reports.
type FailedItem struct {
	ItemID    string `json:"item_id"`
	SourceRef string `json:"source_ref"`
	Stage     Stage  `json:"stage"`
	Error     string `json:"error"`
}

// RunReport is a run snapshot with per-item failure detail.
type RunReport struct {
	Run       Run          `json:"run"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Failures  []FailedItem `json:"failures"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Statuses []RunStatus
	Limit    int
}

// ItemFilter narrows ListItems.
type ItemFilter struct {
	RunID    string
	Statuses []ItemStatus
}

// RunSummary is published when a run reaches a terminal status.
type RunSummary struct {
	RunID      string       `json:"run_id"`
	Status     RunStatus    `json:"status"`
	Counts     RunCounts    `json:"counts"`
	Failures   []FailedItem `json:"failures,omitempty"`
	FinishedAt time.Time    `json:"finished_at"`
}
