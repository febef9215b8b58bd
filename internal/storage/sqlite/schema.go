package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS automation_runs (
	id               TEXT PRIMARY KEY,
	status           TEXT    NOT NULL,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	config           TEXT    NOT NULL,
	created_at       INTEGER NOT NULL,
	started_at       INTEGER,
	finished_at      INTEGER,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS automation_runs_status_idx ON automation_runs (status, created_at);

CREATE TABLE IF NOT EXISTS automation_items (
	id               TEXT PRIMARY KEY,
	run_id           TEXT    NOT NULL REFERENCES automation_runs (id),
	position         INTEGER NOT NULL,
	source_ref       TEXT    NOT NULL,
	stage            TEXT    NOT NULL,
	status           TEXT    NOT NULL,
	failed_stage     TEXT    NOT NULL DEFAULT '',
	error            TEXT    NOT NULL DEFAULT '',
	lease_owner      TEXT    NOT NULL DEFAULT '',
	lease_expires_at INTEGER,
	reclaim_count    INTEGER NOT NULL DEFAULT 0,
	results          TEXT    NOT NULL DEFAULT '{}',
	version          INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	UNIQUE (run_id, position)
);
CREATE INDEX IF NOT EXISTS automation_items_run_status_idx ON automation_items (run_id, status);
CREATE INDEX IF NOT EXISTS automation_items_status_updated_idx ON automation_items (status, updated_at);

CREATE TABLE IF NOT EXISTS automation_run_progress (
	run_id      TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	status      TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS automation_stage_stats (
	run_id      TEXT    NOT NULL,
	stage       TEXT    NOT NULL,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	retryable   INTEGER NOT NULL DEFAULT 0,
	attempts    INTEGER NOT NULL DEFAULT 0,
	total_ms    INTEGER NOT NULL DEFAULT 0,
	last_update INTEGER NOT NULL,
	PRIMARY KEY (run_id, stage)
);
`

const itemColumns = `id, run_id, position, source_ref, stage, status, failed_stage, error,
	lease_owner, lease_expires_at, reclaim_count, results, version, created_at, updated_at`

const runColumns = `id, status, cancel_requested, config, created_at, started_at, finished_at, updated_at`
