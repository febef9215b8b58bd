package postgres

const schema = `
CREATE TABLE IF NOT EXISTS automation_runs (
	id               TEXT PRIMARY KEY,
	status           TEXT        NOT NULL,
	cancel_requested BOOLEAN     NOT NULL DEFAULT false,
	config           JSONB       NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS automation_runs_status_idx ON automation_runs (status, created_at);

CREATE TABLE IF NOT EXISTS automation_items (
	id               TEXT PRIMARY KEY,
	run_id           TEXT        NOT NULL REFERENCES automation_runs (id),
	position         INTEGER     NOT NULL,
	source_ref       TEXT        NOT NULL,
	stage            TEXT        NOT NULL,
	status           TEXT        NOT NULL,
	failed_stage     TEXT        NOT NULL DEFAULT '',
	error            TEXT        NOT NULL DEFAULT '',
	lease_owner      TEXT        NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	reclaim_count    INTEGER     NOT NULL DEFAULT 0,
	results          JSONB       NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (run_id, position)
);
CREATE INDEX IF NOT EXISTS automation_items_run_status_idx ON automation_items (run_id, status);
CREATE INDEX IF NOT EXISTS automation_items_status_updated_idx ON automation_items (status, updated_at);
`

const itemColumns = `id, run_id, position, source_ref, stage, status, failed_stage, error,
	lease_owner, lease_expires_at, reclaim_count, results, created_at, updated_at`

const runColumns = `id, status, cancel_requested, config, created_at, started_at, finished_at, updated_at`

// claimSQL leases one claimable item from a run below its parallelism cap.
// Parameters: $1 now, $2 optional run id, $3 worker id, $4 lease expiry.
const claimSQL = `
WITH candidate AS (
	SELECT i.id, i.status AS previous_status, i.lease_owner AS previous_owner
	FROM automation_items i
	JOIN automation_runs r ON r.id = i.run_id
	WHERE r.status IN ('pending', 'running')
	  AND NOT r.cancel_requested
	  AND ($2 = '' OR i.run_id = $2)
	  AND (i.status = 'pending'
	       OR (i.status = 'in_progress' AND (i.lease_expires_at IS NULL OR i.lease_expires_at <= $1)))
	  AND (COALESCE((r.config->>'parallelism')::int, 0) <= 0
	       OR (SELECT COUNT(*) FROM automation_items a
	           WHERE a.run_id = i.run_id AND a.status = 'in_progress' AND a.lease_expires_at > $1)
	          < (r.config->>'parallelism')::int)
	ORDER BY i.updated_at, r.created_at, i.position
	LIMIT 1
	FOR UPDATE OF i SKIP LOCKED
)
UPDATE automation_items i
SET status = 'in_progress',
    lease_owner = $3,
    lease_expires_at = $4,
    reclaim_count = i.reclaim_count + CASE WHEN candidate.previous_status = 'in_progress' THEN 1 ELSE 0 END,
    updated_at = $1
FROM candidate
WHERE i.id = candidate.id
RETURNING i.id, i.run_id, i.position, i.source_ref, i.stage, i.status, i.failed_stage, i.error,
	i.lease_owner, i.lease_expires_at, i.reclaim_count, i.results, i.created_at, i.updated_at,
	candidate.previous_status, candidate.previous_owner`

// markRunningSQL starts the run and returns its parallelism cap. The row lock
// it takes serialises claims on the same run until commit.
const markRunningSQL = `
UPDATE automation_runs
SET status = CASE WHEN status = 'pending' THEN 'running' ELSE status END,
    started_at = COALESCE(started_at, $1),
    updated_at = $1
WHERE id = $2
RETURNING COALESCE((config->>'parallelism')::int, 0)`

const liveLeasesSQL = `
SELECT COUNT(*) FROM automation_items
WHERE run_id = $1 AND status = 'in_progress' AND lease_expires_at > $2`

const progressSchema = `
CREATE TABLE IF NOT EXISTS automation_run_progress (
	run_id      TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS automation_stage_stats (
	run_id      TEXT        NOT NULL,
	stage       TEXT        NOT NULL,
	succeeded   BIGINT      NOT NULL DEFAULT 0,
	failed      BIGINT      NOT NULL DEFAULT 0,
	retryable   BIGINT      NOT NULL DEFAULT 0,
	attempts    BIGINT      NOT NULL DEFAULT 0,
	total_ms    BIGINT      NOT NULL DEFAULT 0,
	last_update TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, stage)
);
`
