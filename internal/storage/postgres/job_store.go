// Package postgres provides the Postgres-backed automation.JobStore.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/clock/system"
	"github.com/JakeFAU/product-automation/internal/id/uuid"
)

// JobStoreConfig controls the Postgres connection pool used by the job store.
type JobStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// JobStore persists runs and items in Postgres. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never block on the same item.
type JobStore struct {
	pool  Pool
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

// NewJobStore connects to Postgres using cfg.
func NewJobStore(ctx context.Context, cfg JobStoreConfig, opts ...Option) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewJobStoreWithPool(pool, opts...)
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool Pool, opts ...Option) (*JobStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	s := &JobStore{pool: pool, clock: system.New(), ids: uuid.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate creates the automation tables and indexes.
func (s *JobStore) Migrate(ctx context.Context) error {
	for _, ddl := range []string{schema, progressSchema} {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *JobStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateRun stores a new run in pending status.
func (s *JobStore) CreateRun(ctx context.Context, cfg automation.RunConfig) (automation.Run, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return automation.Run{}, fmt.Errorf("create run: %w", err)
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return automation.Run{}, fmt.Errorf("encode run config: %w", err)
	}
	now := s.clock.Now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO automation_runs (id, status, cancel_requested, config, created_at, updated_at)
		VALUES ($1, $2, false, $3, $4, $4)`,
		id, string(automation.RunPending), cfgJSON, now)
	if err != nil {
		return automation.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return automation.Run{ID: id, Status: automation.RunPending, Config: cfg, CreatedAt: now, UpdatedAt: now}, nil
}

// AddItems appends pending items to a run.
func (s *JobStore) AddItems(ctx context.Context, runID string, refs []string) ([]automation.Item, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin add items: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM automation_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("add items to %s: %w", runID, automation.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock run: %w", err)
	}
	if automation.RunStatus(status).Terminal() {
		return nil, fmt.Errorf("add items to %s: %w", runID, automation.ErrRunTerminal)
	}
	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM automation_items WHERE run_id = $1`, runID).Scan(&next); err != nil {
		return nil, fmt.Errorf("next position: %w", err)
	}

	now := s.clock.Now()
	out := make([]automation.Item, 0, len(refs))
	for i, ref := range refs {
		id, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("add items: %w", err)
		}
		item := automation.Item{
			ID:        id,
			RunID:     runID,
			Position:  next + i,
			SourceRef: ref,
			Stage:     automation.StageScraping,
			Status:    automation.ItemPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO automation_items (id, run_id, position, source_ref, stage, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			item.ID, item.RunID, item.Position, item.SourceRef, string(item.Stage), string(item.Status), now); err != nil {
			return nil, fmt.Errorf("insert item: %w", err)
		}
		out = append(out, item)
	}
	if _, err := tx.Exec(ctx, `UPDATE automation_runs SET updated_at = $1 WHERE id = $2`, now, runID); err != nil {
		return nil, fmt.Errorf("touch run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit add items: %w", err)
	}
	return out, nil
}

// ClaimNextPendingItem leases the least recently touched claimable item whose
// run is below its parallelism cap. Two claims can both pass the cap filter
// under SKIP LOCKED; the run row lock and a recount make the later one back
// out with a *automation.ClaimConflictError.
func (s *JobStore) ClaimNextPendingItem(ctx context.Context, req automation.ClaimRequest) (automation.Item, error) {
	if err := automation.ValidateClaim(req); err != nil {
		return automation.Item{}, err
	}
	now := s.clock.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return automation.Item{}, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	row := tx.QueryRow(ctx, claimSQL, now, req.RunID, req.WorkerID, now.Add(req.Lease))
	var previousStatus, previousOwner string
	item, err := scanItem(row, &previousStatus, &previousOwner)
	if errors.Is(err, pgx.ErrNoRows) {
		return automation.Item{}, automation.ErrNoPendingItem
	}
	if err != nil {
		return automation.Item{}, fmt.Errorf("claim item: %w", err)
	}
	if automation.ItemStatus(previousStatus) == automation.ItemInProgress {
		item.ReclaimedFrom = previousOwner
	}

	var parallelism int
	if err := tx.QueryRow(ctx, markRunningSQL, now, item.RunID).Scan(&parallelism); err != nil {
		return automation.Item{}, fmt.Errorf("mark run running: %w", err)
	}
	if parallelism > 0 {
		var live int
		if err := tx.QueryRow(ctx, liveLeasesSQL, item.RunID, now).Scan(&live); err != nil {
			return automation.Item{}, fmt.Errorf("count live leases: %w", err)
		}
		if live > parallelism {
			return automation.Item{}, &automation.ClaimConflictError{ItemID: item.ID}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return automation.Item{}, fmt.Errorf("commit claim %s: %w", item.ID, err)
	}
	return item, nil
}

// RenewLease extends the lease held by owner.
func (s *JobStore) RenewLease(ctx context.Context, itemID, owner string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_items SET lease_expires_at = $1
		WHERE id = $2 AND status = 'in_progress' AND lease_owner = $3`,
		s.clock.Now().Add(lease), itemID, owner)
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", itemID, err)
	}
	return s.leaseResult(ctx, tag, itemID, owner)
}

// ReleaseItem returns an unstarted claim to pending.
func (s *JobStore) ReleaseItem(ctx context.Context, itemID, owner string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_items
		SET status = 'pending', lease_owner = '', lease_expires_at = NULL, updated_at = $1
		WHERE id = $2 AND status = 'in_progress' AND lease_owner = $3`,
		s.clock.Now(), itemID, owner)
	if err != nil {
		return fmt.Errorf("release %s: %w", itemID, err)
	}
	return s.leaseResult(ctx, tag, itemID, owner)
}

func (s *JobStore) leaseResult(ctx context.Context, tag pgconn.CommandTag, itemID, owner string) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current string
	err := s.pool.QueryRow(ctx, `SELECT lease_owner FROM automation_items WHERE id = $1`, itemID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("item %s: %w", itemID, automation.ErrItemNotFound)
	}
	if err != nil {
		return fmt.Errorf("load item %s: %w", itemID, err)
	}
	return &automation.LeaseExpiredError{ItemID: itemID, Owner: owner, CurrentOwner: current}
}

// RecordStageResult applies a stage outcome under a row lock. Repeating a
// recorded success is a no-op that returns the current item.
func (s *JobStore) RecordStageResult(ctx context.Context, itemID string, outcome automation.StageOutcome) (automation.Item, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return automation.Item{}, fmt.Errorf("begin record: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	item, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM automation_items WHERE id = $1 FOR UPDATE`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return automation.Item{}, fmt.Errorf("record %s: %w", itemID, automation.ErrItemNotFound)
	}
	if err != nil {
		return automation.Item{}, fmt.Errorf("load item %s: %w", itemID, err)
	}
	now := s.clock.Now()
	changed, err := automation.ApplyOutcome(&item, outcome, now)
	if err != nil {
		return automation.Item{}, err
	}
	if !changed {
		return item, nil
	}
	results, err := json.Marshal(item.Results)
	if err != nil {
		return automation.Item{}, fmt.Errorf("encode results: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE automation_items
		SET stage = $1, status = $2, failed_stage = $3, error = $4, lease_owner = $5,
		    lease_expires_at = $6, results = $7, updated_at = $8
		WHERE id = $9`,
		string(item.Stage), string(item.Status), string(item.FailedStage), item.Error, item.LeaseOwner,
		item.LeaseExpiresAt, results, now, item.ID); err != nil {
		return automation.Item{}, fmt.Errorf("update item %s: %w", itemID, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE automation_runs SET updated_at = $1 WHERE id = $2`, now, item.RunID); err != nil {
		return automation.Item{}, fmt.Errorf("touch run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return automation.Item{}, fmt.Errorf("commit record: %w", err)
	}
	return item, nil
}

// GetRunStatus returns the run snapshot with per-item failure detail.
func (s *JobStore) GetRunStatus(ctx context.Context, runID string) (automation.RunReport, error) {
	run, err := loadRun(ctx, s.pool, runID, false)
	if err != nil {
		return automation.RunReport{}, fmt.Errorf("run %s: %w", runID, err)
	}
	items, err := s.queryItems(ctx, automation.ItemFilter{RunID: runID})
	if err != nil {
		return automation.RunReport{}, err
	}
	return automation.BuildReport(run, items), nil
}

// FinalizeRun moves the run to its terminal status once nothing is left to
// do. The run row is locked so only one caller sees the transition.
func (s *JobStore) FinalizeRun(ctx context.Context, runID string) (automation.Run, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return automation.Run{}, false, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	run, err := loadRun(ctx, tx, runID, true)
	if err != nil {
		return automation.Run{}, false, fmt.Errorf("finalize %s: %w", runID, err)
	}
	counts, err := countItems(ctx, tx, runID)
	if err != nil {
		return automation.Run{}, false, err
	}
	run.Counts = counts
	if run.Status.Terminal() {
		return run, false, nil
	}
	status, final := automation.DeriveRunStatus(counts, run.CancelRequested)
	if !final {
		return run, false, nil
	}
	now := s.clock.Now()
	if _, err := tx.Exec(ctx,
		`UPDATE automation_runs SET status = $1, finished_at = $2, updated_at = $2 WHERE id = $3`,
		string(status), now, runID); err != nil {
		return automation.Run{}, false, fmt.Errorf("finalize %s: %w", runID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return automation.Run{}, false, fmt.Errorf("commit finalize: %w", err)
	}
	run.Status = status
	run.FinishedAt = &now
	run.UpdatedAt = now
	return run, true, nil
}

// RequestCancel flags the run for cancellation.
func (s *JobStore) RequestCancel(ctx context.Context, runID string) (automation.Run, error) {
	if _, err := s.pool.Exec(ctx, `
		UPDATE automation_runs SET cancel_requested = true, updated_at = $1
		WHERE id = $2 AND status IN ('pending', 'running')`, s.clock.Now(), runID); err != nil {
		return automation.Run{}, fmt.Errorf("cancel %s: %w", runID, err)
	}
	run, err := loadRun(ctx, s.pool, runID, false)
	if err != nil {
		return automation.Run{}, fmt.Errorf("cancel %s: %w", runID, err)
	}
	if run.Counts, err = countItems(ctx, s.pool, runID); err != nil {
		return automation.Run{}, err
	}
	if run.Status.Terminal() {
		return run, fmt.Errorf("cancel %s: %w", runID, automation.ErrRunTerminal)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *JobStore) ListRuns(ctx context.Context, filter automation.RunFilter) ([]automation.Run, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM automation_runs
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []automation.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i := range runs {
		if runs[i].Counts, err = countItems(ctx, s.pool, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ListItems returns items ordered by run and position.
func (s *JobStore) ListItems(ctx context.Context, filter automation.ItemFilter) ([]automation.Item, error) {
	if filter.RunID != "" {
		if _, err := loadRun(ctx, s.pool, filter.RunID, false); err != nil {
			return nil, fmt.Errorf("list items of %s: %w", filter.RunID, err)
		}
	}
	return s.queryItems(ctx, filter)
}

// Outstanding counts items that still need a worker. An empty runID counts
// across all runs.
func (s *JobStore) Outstanding(ctx context.Context, runID string) (int, error) {
	if runID != "" {
		if _, err := loadRun(ctx, s.pool, runID, false); err != nil {
			return 0, fmt.Errorf("outstanding %s: %w", runID, err)
		}
	}
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM automation_items i
		JOIN automation_runs r ON r.id = i.run_id
		WHERE r.status IN ('pending', 'running')
		  AND ($1 = '' OR i.run_id = $1)
		  AND (i.status = 'in_progress' OR (i.status = 'pending' AND NOT r.cancel_requested))`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outstanding: %w", err)
	}
	return n, nil
}

func (s *JobStore) queryItems(ctx context.Context, filter automation.ItemFilter) ([]automation.Item, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM automation_items
		WHERE ($1 = '' OR run_id = $1)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY run_id, position`, filter.RunID, statuses)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	items := make([]automation.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadRun(ctx context.Context, q querier, runID string, lock bool) (automation.Run, error) {
	query := `SELECT ` + runColumns + ` FROM automation_runs WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	run, err := scanRun(q.QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return automation.Run{}, automation.ErrRunNotFound
	}
	if err != nil {
		return automation.Run{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

func countItems(ctx context.Context, q querier, runID string) (automation.RunCounts, error) {
	rows, err := q.Query(ctx,
		`SELECT status, COUNT(*) FROM automation_items WHERE run_id = $1 GROUP BY status`, runID)
	if err != nil {
		return automation.RunCounts{}, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()
	var counts automation.RunCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return automation.RunCounts{}, fmt.Errorf("scan counts: %w", err)
		}
		for i := 0; i < n; i++ {
			counts.Add(automation.ItemStatus(status))
		}
	}
	return counts, rows.Err()
}

func scanRun(row pgx.Row) (automation.Run, error) {
	var (
		run    automation.Run
		status string
		cfg    []byte
	)
	if err := row.Scan(&run.ID, &status, &run.CancelRequested, &cfg, &run.CreatedAt,
		&run.StartedAt, &run.FinishedAt, &run.UpdatedAt); err != nil {
		return automation.Run{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &run.Config); err != nil {
			return automation.Run{}, fmt.Errorf("decode run config: %w", err)
		}
	}
	run.Status = automation.RunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return run, nil
}

// scanItem reads itemColumns followed by any extra destinations.
func scanItem(row pgx.Row, extra ...any) (automation.Item, error) {
	var (
		item                       automation.Item
		stage, status, failedStage string
		results                    []byte
	)
	dest := []any{&item.ID, &item.RunID, &item.Position, &item.SourceRef, &stage, &status, &failedStage,
		&item.Error, &item.LeaseOwner, &item.LeaseExpiresAt, &item.ReclaimCount, &results,
		&item.CreatedAt, &item.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return automation.Item{}, err
	}
	item.Stage = automation.Stage(stage)
	item.Status = automation.ItemStatus(status)
	item.FailedStage = automation.Stage(failedStage)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	if len(results) > 0 && string(results) != "{}" && string(results) != "null" {
		if err := json.Unmarshal(results, &item.Results); err != nil {
			return automation.Item{}, fmt.Errorf("decode results: %w", err)
		}
	}
	return item, nil
}
