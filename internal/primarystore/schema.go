package primarystore

// schema models the narrow slice of a RootsMagic-style .rmtree this adapter
// needs: persons, names, families, places, events, witnesses, sources,
// citations, and media links. It is not a full genealogy schema — only the
// tables and columns the operations in store.go touch exist here.
//
// Name matching is case-insensitive per spec.md §4's "existing case-
// insensitive genealogy database" contract: NameTable.Surname/Given use
// COLLATE NOCASE.
const schema = `
CREATE TABLE IF NOT EXISTS PersonTable (
	PersonID    TEXT PRIMARY KEY,
	Sex         TEXT NOT NULL DEFAULT 'U',
	BirthYear   INTEGER NOT NULL DEFAULT 0,
	DeathYear   INTEGER NOT NULL DEFAULT 0,
	ParentFamilyID TEXT NOT NULL DEFAULT '',
	IsLiving    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS NameTable (
	NameID    TEXT PRIMARY KEY,
	OwnerID   TEXT NOT NULL,
	Surname   TEXT COLLATE NOCASE NOT NULL DEFAULT '',
	Given     TEXT COLLATE NOCASE NOT NULL DEFAULT '',
	NameType  TEXT NOT NULL DEFAULT 'primary' -- primary, alternate, maiden, married
);
CREATE INDEX IF NOT EXISTS idx_name_owner ON NameTable(OwnerID);
CREATE INDEX IF NOT EXISTS idx_name_surname ON NameTable(Surname COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS FamilyTable (
	FamilyID  TEXT PRIMARY KEY,
	FatherID  TEXT NOT NULL DEFAULT '',
	MotherID  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ChildTable (
	FamilyID TEXT NOT NULL,
	ChildID  TEXT NOT NULL,
	PRIMARY KEY (FamilyID, ChildID)
);
CREATE INDEX IF NOT EXISTS idx_child_childid ON ChildTable(ChildID);

CREATE TABLE IF NOT EXISTS PlaceTable (
	PlaceID   TEXT PRIMARY KEY,
	Name      TEXT NOT NULL,
	Reverse   TEXT NOT NULL,
	Latitude  INTEGER NOT NULL DEFAULT 0,
	Longitude INTEGER NOT NULL DEFAULT 0,
	DetailOf  TEXT NOT NULL DEFAULT '' -- non-empty => this row is a "place detail" (e.g. cemetery) nested under PlaceID=DetailOf
);
CREATE INDEX IF NOT EXISTS idx_place_name ON PlaceTable(Name COLLATE NOCASE);

-- Events are polymorphic: OwnerType is 'person' or 'family'; for census
-- events the subject often participates via WitnessTable rather than
-- ownership (spec.md §9 "polymorphic event ownership and the witness
-- relation... do not collapse").
CREATE TABLE IF NOT EXISTS EventTable (
	EventID   TEXT PRIMARY KEY,
	EventType TEXT NOT NULL, -- 'census', 'burial', etc
	OwnerType TEXT NOT NULL, -- 'person' | 'family'
	OwnerID   TEXT NOT NULL,
	PlaceID   TEXT NOT NULL DEFAULT '',
	Date      TEXT NOT NULL DEFAULT '' -- explicit UTC-normalized string; never a current-time default
);
CREATE INDEX IF NOT EXISTS idx_event_owner ON EventTable(OwnerType, OwnerID);

CREATE TABLE IF NOT EXISTS WitnessTable (
	WitnessID TEXT PRIMARY KEY,
	EventID   TEXT NOT NULL,
	PersonID  TEXT NOT NULL,
	Role      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_witness_event ON WitnessTable(EventID);
CREATE INDEX IF NOT EXISTS idx_witness_person ON WitnessTable(PersonID);

-- SourceTable.Fields is a schemaless JSON blob (read/written with
-- tidwall/gjson + sjson). Free-form citations (TemplateID = 0) store their
-- three composed citation strings here under "Footnote"/"ShortFootnote"/
-- "Bibliography" (spec.md §4.1 write_citation contract) rather than in
-- CitationTable's text columns.
CREATE TABLE IF NOT EXISTS SourceTable (
	SourceID TEXT PRIMARY KEY,
	Name     TEXT NOT NULL DEFAULT '',
	Fields   TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS CitationTable (
	CitationID    TEXT PRIMARY KEY,
	SourceID      TEXT NOT NULL,
	TemplateID    INTEGER NOT NULL DEFAULT 0, -- 0 = free-form
	ThirdPartyURL TEXT NOT NULL DEFAULT '',
	FreeFormText  TEXT NOT NULL DEFAULT '', -- the pre-extraction placeholder text
	Footnote      TEXT NOT NULL DEFAULT '',
	ShortFootnote TEXT NOT NULL DEFAULT '',
	Bibliography  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_citation_source ON CitationTable(SourceID);
CREATE INDEX IF NOT EXISTS idx_citation_url ON CitationTable(ThirdPartyURL);

CREATE TABLE IF NOT EXISTS CitationLinkTable (
	CitationID TEXT NOT NULL,
	OwnerType  TEXT NOT NULL, -- 'event' | 'person' | 'family'
	OwnerID    TEXT NOT NULL,
	PRIMARY KEY (CitationID, OwnerType, OwnerID)
);

CREATE TABLE IF NOT EXISTS MediaLinkTable (
	MediaID   TEXT PRIMARY KEY,
	OwnerType TEXT NOT NULL,
	OwnerID   TEXT NOT NULL,
	MediaFile TEXT NOT NULL,
	Caption   TEXT NOT NULL DEFAULT '',
	RefNumber TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_media_owner ON MediaLinkTable(OwnerType, OwnerID);

-- Recorded memorial URL for findagrave candidates (no burial citation yet).
CREATE TABLE IF NOT EXISTS MemorialRefTable (
	PersonID TEXT PRIMARY KEY,
	URL      TEXT NOT NULL
);
`
