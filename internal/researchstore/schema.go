package researchstore

// schema is the persistent research/census sidecar layout (spec.md §4.2, §6).
// census_person_field implements the EAV store for year-specific columns
// (spec.md §9 "retain the research schema's entity-attribute-value table
// explicitly; do not try to statically enumerate per-year columns").
const schema = `
CREATE TABLE IF NOT EXISTS extraction_batch (
	batch_id   TEXT PRIMARY KEY,
	source     TEXT NOT NULL, -- 'census' | 'findagrave'
	note       TEXT NOT NULL DEFAULT '',
	opened_at  TEXT NOT NULL,
	closed_at  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS census_page (
	page_id           TEXT PRIMARY KEY,
	batch_id          TEXT NOT NULL,
	year              INTEGER NOT NULL,
	state             TEXT NOT NULL DEFAULT '',
	county            TEXT NOT NULL DEFAULT '',
	township          TEXT NOT NULL DEFAULT '',
	enumeration_dist  TEXT NOT NULL DEFAULT '',
	sheet             TEXT NOT NULL DEFAULT '',
	stamp             TEXT NOT NULL DEFAULT '',
	image_id          TEXT NOT NULL UNIQUE, -- dedup key (spec.md §3 invariant 2)
	source_url        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_census_page_batch ON census_page(batch_id);

CREATE TABLE IF NOT EXISTS census_person (
	research_person_id TEXT PRIMARY KEY,
	page_id            TEXT NOT NULL,
	line               INTEGER NOT NULL,
	family_number      TEXT NOT NULL DEFAULT '',
	given_name         TEXT NOT NULL DEFAULT '',
	surname            TEXT NOT NULL DEFAULT '',
	relation_to_head   TEXT NOT NULL DEFAULT '',
	sex                TEXT NOT NULL DEFAULT '',
	race               TEXT NOT NULL DEFAULT '',
	age_years          INTEGER NOT NULL DEFAULT 0,
	birthplace         TEXT NOT NULL DEFAULT '',
	owner_name         TEXT NOT NULL DEFAULT '',
	column_indicator   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_census_person_page ON census_person(page_id);

-- EAV store for year-specific extension fields.
CREATE TABLE IF NOT EXISTS census_person_field (
	research_person_id TEXT NOT NULL,
	field_name         TEXT NOT NULL,
	field_label        TEXT NOT NULL DEFAULT '',
	value              TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (research_person_id, field_name)
);

-- field_history preserves the original extracted value of any mutated
-- field: the first mutation creates an "original" record before the new
-- value is written (spec.md §3 invariant 5).
CREATE TABLE IF NOT EXISTS field_history (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	research_person_id TEXT NOT NULL,
	field_name         TEXT NOT NULL,
	old_value          TEXT NOT NULL,
	new_value          TEXT NOT NULL,
	source             TEXT NOT NULL DEFAULT '',
	actor              TEXT NOT NULL DEFAULT '',
	is_original        INTEGER NOT NULL DEFAULT 0,
	recorded_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_field_history_person_field ON field_history(research_person_id, field_name);

CREATE TABLE IF NOT EXISTS rmtree_link (
	research_person_id TEXT NOT NULL,
	primary_person_id  TEXT NOT NULL,
	citation_id        TEXT NOT NULL DEFAULT '',
	event_id           TEXT NOT NULL DEFAULT '',
	confidence         REAL NOT NULL DEFAULT 0,
	method             TEXT NOT NULL DEFAULT '',
	fingerprint        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (research_person_id, primary_person_id)
);
CREATE INDEX IF NOT EXISTS idx_rmtree_link_primary ON rmtree_link(primary_person_id);

CREATE TABLE IF NOT EXISTS match_attempt (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id         TEXT NOT NULL,
	item_id            TEXT NOT NULL,
	row_line           INTEGER NOT NULL,
	decision           TEXT NOT NULL,
	primary_person_id  TEXT NOT NULL DEFAULT '',
	score              REAL NOT NULL DEFAULT 0,
	method             TEXT NOT NULL DEFAULT '',
	skip_reason        TEXT NOT NULL DEFAULT '',
	candidates_json    TEXT NOT NULL DEFAULT '[]',
	recorded_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_match_attempt_session ON match_attempt(session_id);

CREATE TABLE IF NOT EXISTS gap_pattern (
	pattern_id  TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS extraction_gap (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	item_id     TEXT NOT NULL,
	pattern_id  TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_extraction_gap_pattern ON extraction_gap(pattern_id);
`
