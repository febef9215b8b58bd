// Package sqlite implements automation.JobStore on an embedded SQLite file.
// It is the fallback store when no Postgres DSN is configured.
//
// Claims and stage records are optimistic: a row is read, the state change is
// computed in Go and written back guarded by the row version.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/clock/system"
	"github.com/JakeFAU/product-automation/internal/id/uuid"
)

const recordRetries = 3

// JobStore persists runs and items in SQLite.
type JobStore struct {
	db    *sql.DB
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

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string, opts ...Option) (*JobStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serialises writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)
	s := NewWithDB(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle without migrating it.
func NewWithDB(db *sql.DB, opts ...Option) *JobStore {
	s := &JobStore{db: db, clock: system.New(), ids: uuid.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the automation tables and indexes.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *JobStore) Close() error {
	return s.db.Close()
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO automation_runs (id, status, cancel_requested, config, created_at, updated_at)
		 VALUES (?, ?, 0, ?, ?, ?)`,
		id, string(automation.RunPending), string(cfgJSON), nanos(now), nanos(now))
	if err != nil {
		return automation.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return automation.Run{
		ID:        id,
		Status:    automation.RunPending,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AddItems appends pending items to a run.
func (s *JobStore) AddItems(ctx context.Context, runID string, refs []string) ([]automation.Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin add items: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	run, err := loadRun(ctx, tx, runID)
	if err != nil {
		return nil, fmt.Errorf("add items to %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("add items to %s: %w", runID, automation.ErrRunTerminal)
	}
	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM automation_items WHERE run_id = ?`, runID).Scan(&next); err != nil {
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
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO automation_items (id, run_id, position, source_ref, stage, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.RunID, item.Position, item.SourceRef, string(item.Stage), string(item.Status),
			nanos(now), nanos(now)); err != nil {
			return nil, fmt.Errorf("insert item: %w", err)
		}
		out = append(out, item)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE automation_runs SET updated_at = ? WHERE id = ?`, nanos(now), runID); err != nil {
		return nil, fmt.Errorf("touch run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit add items: %w", err)
	}
	return out, nil
}

// ClaimNextPendingItem leases the least recently touched claimable item whose
// run is below its parallelism cap. The read and both writes share one
// transaction. It returns a *automation.ClaimConflictError when another claim
// won the row between the read and the write.
func (s *JobStore) ClaimNextPendingItem(ctx context.Context, req automation.ClaimRequest) (automation.Item, error) {
	if err := automation.ValidateClaim(req); err != nil {
		return automation.Item{}, err
	}
	now := s.clock.Now()

	query := `SELECT ` + prefixed("i", itemColumns) + `
		FROM automation_items i
		JOIN automation_runs r ON r.id = i.run_id
		WHERE r.cancel_requested = 0
		  AND r.status IN ('pending', 'running')
		  AND (i.status = 'pending'
		       OR (i.status = 'in_progress' AND (i.lease_expires_at IS NULL OR i.lease_expires_at <= ?)))
		  AND (COALESCE(json_extract(r.config, '$.parallelism'), 0) <= 0
		       OR (SELECT COUNT(*) FROM automation_items a
		           WHERE a.run_id = i.run_id AND a.status = 'in_progress' AND a.lease_expires_at > ?)
		          < json_extract(r.config, '$.parallelism'))`
	args := []any{nanos(now), nanos(now)}
	if req.RunID != "" {
		query += ` AND i.run_id = ?`
		args = append(args, req.RunID)
	}
	query += ` ORDER BY i.updated_at, r.created_at, i.position LIMIT 1`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return automation.Item{}, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	item, version, err := scanItem(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return automation.Item{}, automation.ErrNoPendingItem
	}
	if err != nil {
		return automation.Item{}, fmt.Errorf("select claim candidate: %w", err)
	}

	automation.ApplyClaim(&item, req, now)
	ok, err := s.writeItem(ctx, tx, item, version)
	if err != nil {
		return automation.Item{}, fmt.Errorf("claim %s: %w", item.ID, err)
	}
	if !ok {
		return automation.Item{}, &automation.ClaimConflictError{ItemID: item.ID}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE automation_runs
		 SET status = CASE WHEN status = 'pending' THEN 'running' ELSE status END,
		     started_at = COALESCE(started_at, ?),
		     updated_at = ?
		 WHERE id = ?`,
		nanos(now), nanos(now), item.RunID); err != nil {
		return automation.Item{}, fmt.Errorf("mark run running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return automation.Item{}, fmt.Errorf("commit claim %s: %w", item.ID, err)
	}
	return item, nil
}

// RenewLease extends the lease held by owner.
func (s *JobStore) RenewLease(ctx context.Context, itemID, owner string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_items SET lease_expires_at = ?, version = version + 1
		 WHERE id = ? AND status = 'in_progress' AND lease_owner = ?`,
		nanos(s.clock.Now().Add(lease)), itemID, owner)
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", itemID, err)
	}
	return s.leaseResult(ctx, res, itemID, owner)
}

// ReleaseItem returns an unstarted claim to pending.
func (s *JobStore) ReleaseItem(ctx context.Context, itemID, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_items
		 SET status = 'pending', lease_owner = '', lease_expires_at = NULL, updated_at = ?, version = version + 1
		 WHERE id = ? AND status = 'in_progress' AND lease_owner = ?`,
		nanos(s.clock.Now()), itemID, owner)
	if err != nil {
		return fmt.Errorf("release %s: %w", itemID, err)
	}
	return s.leaseResult(ctx, res, itemID, owner)
}

func (s *JobStore) leaseResult(ctx context.Context, res sql.Result, itemID, owner string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	item, _, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM automation_items WHERE id = ?`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("item %s: %w", itemID, automation.ErrItemNotFound)
	}
	if err != nil {
		return fmt.Errorf("load item %s: %w", itemID, err)
	}
	return &automation.LeaseExpiredError{ItemID: itemID, Owner: owner, CurrentOwner: item.LeaseOwner}
}

// RecordStageResult applies a stage outcome. Repeating a recorded success is
// a no-op that returns the current item.
func (s *JobStore) RecordStageResult(ctx context.Context, itemID string, outcome automation.StageOutcome) (automation.Item, error) {
	for attempt := 0; attempt < recordRetries; attempt++ {
		item, version, err := scanItem(s.db.QueryRowContext(ctx,
			`SELECT `+itemColumns+` FROM automation_items WHERE id = ?`, itemID))
		if errors.Is(err, sql.ErrNoRows) {
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
		ok, err := s.writeItem(ctx, s.db, item, version)
		if err != nil {
			return automation.Item{}, fmt.Errorf("record %s: %w", itemID, err)
		}
		if ok {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE automation_runs SET updated_at = ? WHERE id = ?`, nanos(now), item.RunID); err != nil {
				return automation.Item{}, fmt.Errorf("touch run: %w", err)
			}
			return item, nil
		}
	}
	return automation.Item{}, fmt.Errorf("record %s: concurrent updates kept winning", itemID)
}

// GetRunStatus returns the run snapshot with per-item failure detail.
func (s *JobStore) GetRunStatus(ctx context.Context, runID string) (automation.RunReport, error) {
	run, err := loadRun(ctx, s.db, runID)
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
// do. The status update is conditional so only one caller sees the
// transition.
func (s *JobStore) FinalizeRun(ctx context.Context, runID string) (automation.Run, bool, error) {
	run, err := loadRun(ctx, s.db, runID)
	if err != nil {
		return automation.Run{}, false, fmt.Errorf("finalize %s: %w", runID, err)
	}
	counts, err := s.counts(ctx, runID)
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_runs SET status = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		string(status), nanos(now), nanos(now), runID)
	if err != nil {
		return automation.Run{}, false, fmt.Errorf("finalize %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return automation.Run{}, false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		current, err := loadRun(ctx, s.db, runID)
		if err != nil {
			return automation.Run{}, false, fmt.Errorf("finalize %s: %w", runID, err)
		}
		current.Counts = counts
		return current, false, nil
	}
	run.Status = status
	run.FinishedAt = &now
	run.UpdatedAt = now
	return run, true, nil
}

// RequestCancel flags the run for cancellation.
func (s *JobStore) RequestCancel(ctx context.Context, runID string) (automation.Run, error) {
	now := s.clock.Now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE automation_runs SET cancel_requested = 1, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`, nanos(now), runID); err != nil {
		return automation.Run{}, fmt.Errorf("cancel %s: %w", runID, err)
	}
	run, err := loadRun(ctx, s.db, runID)
	if err != nil {
		return automation.Run{}, fmt.Errorf("cancel %s: %w", runID, err)
	}
	if run.Counts, err = s.counts(ctx, runID); err != nil {
		return automation.Run{}, err
	}
	if run.Status.Terminal() {
		return run, fmt.Errorf("cancel %s: %w", runID, automation.ErrRunTerminal)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *JobStore) ListRuns(ctx context.Context, filter automation.RunFilter) ([]automation.Run, error) {
	query := `SELECT ` + runColumns + ` FROM automation_runs`
	var args []any
	if len(filter.Statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []automation.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	// Counts are read after the cursor closes; the pool has one connection.
	for i := range runs {
		if runs[i].Counts, err = s.counts(ctx, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ListItems returns items ordered by run and position.
func (s *JobStore) ListItems(ctx context.Context, filter automation.ItemFilter) ([]automation.Item, error) {
	if filter.RunID != "" {
		if _, err := loadRun(ctx, s.db, filter.RunID); err != nil {
			return nil, fmt.Errorf("list items of %s: %w", filter.RunID, err)
		}
	}
	return s.queryItems(ctx, filter)
}

// Outstanding counts items that still need a worker. An empty runID counts
// across all runs.
func (s *JobStore) Outstanding(ctx context.Context, runID string) (int, error) {
	query := `SELECT COUNT(*) FROM automation_items i
		JOIN automation_runs r ON r.id = i.run_id
		WHERE r.status IN ('pending', 'running')
		  AND (i.status = 'in_progress' OR (i.status = 'pending' AND r.cancel_requested = 0))`
	var args []any
	if runID != "" {
		if _, err := loadRun(ctx, s.db, runID); err != nil {
			return 0, fmt.Errorf("outstanding %s: %w", runID, err)
		}
		query += ` AND i.run_id = ?`
		args = append(args, runID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("outstanding: %w", err)
	}
	return n, nil
}

func (s *JobStore) counts(ctx context.Context, runID string) (automation.RunCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM automation_items WHERE run_id = ? GROUP BY status`, runID)
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

func (s *JobStore) queryItems(ctx context.Context, filter automation.ItemFilter) ([]automation.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM automation_items`
	var (
		where []string
		args  []any
	)
	if filter.RunID != "" {
		where = append(where, `run_id = ?`)
		args = append(args, filter.RunID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, `status IN (`+placeholders(len(filter.Statuses))+`)`)
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY run_id, position`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	items := make([]automation.Item, 0)
	for rows.Next() {
		item, _, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// writeItem stores item if the row still has version. It reports false when
// another writer got there first.
func (s *JobStore) writeItem(ctx context.Context, db execer, item automation.Item, version int64) (bool, error) {
	results, err := json.Marshal(item.Results)
	if err != nil {
		return false, fmt.Errorf("encode results: %w", err)
	}
	if item.Results == nil {
		results = []byte("{}")
	}
	res, err := db.ExecContext(ctx,
		`UPDATE automation_items
		 SET stage = ?, status = ?, failed_stage = ?, error = ?, lease_owner = ?, lease_expires_at = ?,
		     reclaim_count = ?, results = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(item.Stage), string(item.Status), string(item.FailedStage), item.Error, item.LeaseOwner,
		nullableNanos(item.LeaseExpiresAt), item.ReclaimCount, string(results), nanos(item.UpdatedAt),
		item.ID, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func loadRun(ctx context.Context, db queryRower, runID string) (automation.Run, error) {
	run, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM automation_runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return automation.Run{}, automation.ErrRunNotFound
	}
	if err != nil {
		return automation.Run{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (automation.Run, error) {
	var (
		run               automation.Run
		status, cfg       string
		cancel            int
		created, updated  int64
		started, finished sql.NullInt64
	)
	if err := row.Scan(&run.ID, &status, &cancel, &cfg, &created, &started, &finished, &updated); err != nil {
		return automation.Run{}, err
	}
	if err := json.Unmarshal([]byte(cfg), &run.Config); err != nil {
		return automation.Run{}, fmt.Errorf("decode run config: %w", err)
	}
	run.Status = automation.RunStatus(status)
	run.CancelRequested = cancel != 0
	run.CreatedAt = fromNanos(created)
	run.UpdatedAt = fromNanos(updated)
	run.StartedAt = fromNullable(started)
	run.FinishedAt = fromNullable(finished)
	return run, nil
}

func scanItem(row scanner) (automation.Item, int64, error) {
	var (
		item                       automation.Item
		stage, status, failedStage string
		leaseExpires               sql.NullInt64
		results                    string
		version, created, updated  int64
	)
	if err := row.Scan(&item.ID, &item.RunID, &item.Position, &item.SourceRef, &stage, &status, &failedStage,
		&item.Error, &item.LeaseOwner, &leaseExpires, &item.ReclaimCount, &results, &version,
		&created, &updated); err != nil {
		return automation.Item{}, 0, err
	}
	item.Stage = automation.Stage(stage)
	item.Status = automation.ItemStatus(status)
	item.FailedStage = automation.Stage(failedStage)
	item.LeaseExpiresAt = fromNullable(leaseExpires)
	item.CreatedAt = fromNanos(created)
	item.UpdatedAt = fromNanos(updated)
	if results != "" && results != "{}" {
		if err := json.Unmarshal([]byte(results), &item.Results); err != nil {
			return automation.Item{}, 0, fmt.Errorf("decode results: %w", err)
		}
	}
	return item, version, nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullable(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	ts := fromNanos(n.Int64)
	return &ts
}
