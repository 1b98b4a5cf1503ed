package statestore

// schema is the ephemeral batch-state layout (spec.md §4.3, §6). The whole
// database is reset-safe: an operator may delete the file at any time when
// no runner is live, so nothing here is treated as a durable record of
// truth — that role belongs to PrimaryStore and ResearchStore.
const schema = `
CREATE TABLE IF NOT EXISTS session (
	session_id    TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	started_at    TEXT NOT NULL DEFAULT '',
	completed_at  TEXT NOT NULL DEFAULT '',
	total_items   INTEGER NOT NULL DEFAULT 0,
	completed_count INTEGER NOT NULL DEFAULT 0,
	errored_count   INTEGER NOT NULL DEFAULT 0,
	skipped_count   INTEGER NOT NULL DEFAULT 0,
	config_snapshot TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS item (
	item_id              TEXT PRIMARY KEY,
	session_id           TEXT NOT NULL,
	primary_person_id    TEXT NOT NULL,
	subject_year         INTEGER NOT NULL DEFAULT 0,
	subject_url          TEXT NOT NULL DEFAULT '',
	display_name         TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	retry_count          INTEGER NOT NULL DEFAULT 0,
	last_attempt_at      TEXT NOT NULL DEFAULT '',
	last_error_kind      TEXT NOT NULL DEFAULT '',
	last_error_message   TEXT NOT NULL DEFAULT '',
	extracted_snapshot   TEXT NOT NULL DEFAULT '',
	research_page_id     TEXT NOT NULL DEFAULT '',
	research_person_ids  TEXT NOT NULL DEFAULT '[]',
	primary_citation_id  TEXT NOT NULL DEFAULT '',
	primary_source_id    TEXT NOT NULL DEFAULT '',
	primary_event_id     TEXT NOT NULL DEFAULT '',
	edge_first_line      INTEGER NOT NULL DEFAULT 0,
	edge_last_line       INTEGER NOT NULL DEFAULT 0,
	edge_sample_line     INTEGER NOT NULL DEFAULT 0,
	fingerprint          TEXT NOT NULL DEFAULT '',
	image_id             TEXT NOT NULL DEFAULT '',
	insertion_order      INTEGER NOT NULL,
	UNIQUE (session_id, primary_person_id, subject_year)
);
CREATE INDEX IF NOT EXISTS idx_item_session_status ON item(session_id, status, insertion_order);

CREATE TABLE IF NOT EXISTS checkpoint (
	session_id  TEXT PRIMARY KEY,
	last_item_id TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_image (
	image_id        TEXT PRIMARY KEY,
	first_processed TEXT NOT NULL,
	last_processed  TEXT NOT NULL,
	research_page_id TEXT NOT NULL,
	session_id      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metric (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	op          TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	success     INTEGER NOT NULL,
	session_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metric_op_kind ON metric(op, kind, recorded_at);
`
