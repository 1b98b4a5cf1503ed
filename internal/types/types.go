// Package types defines the domain entities shared across RMCitecraft's
// stores and orchestration components (spec.md §3).
package types

import "time"

// SessionKind identifies which third-party source a Session targets.
type SessionKind string

const (
	KindCensus     SessionKind = "census"
	KindFindAGrave SessionKind = "findagrave"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionQueued    SessionStatus = "queued"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ItemStatus is the per-item state machine position (spec.md §4.10).
type ItemStatus string

const (
	ItemQueued       ItemStatus = "queued"
	ItemExtracting   ItemStatus = "extracting"
	ItemExtracted    ItemStatus = "extracted"
	ItemAwaitingUser ItemStatus = "awaiting_user"
	ItemMatching     ItemStatus = "matching"
	ItemFormatting   ItemStatus = "formatting"
	ItemCommitting   ItemStatus = "committing"
	ItemComplete     ItemStatus = "complete"
	ItemError        ItemStatus = "error"
)

// ErrorKind is the taxonomy from spec.md §7. Defined here (rather than only
// in internal/errs) because it is persisted verbatim on Item.LastErrorKind.
type ErrorKind string

const (
	ErrKindTransient     ErrorKind = "transient"
	ErrKindDataIncomplete ErrorKind = "data_incomplete"
	ErrKindValidation    ErrorKind = "validation"
	ErrKindDuplicate     ErrorKind = "duplicate"
	ErrKindPartialCommit ErrorKind = "partial_commit"
	ErrKindBlocked       ErrorKind = "blocked"
	ErrKindFatal         ErrorKind = "fatal"
)

// Session identifies one batch run (spec.md §3 Session).
type Session struct {
	ID           string
	Kind         SessionKind
	Status       SessionStatus
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	// DurationHours is (completed_at or started_at, whichever is later) minus
	// created_at, in hours; 0 until the session has started.
	DurationHours  float64
	Total          int
	Completed      int
	Errored        int
	Skipped        int
	ConfigSnapshot map[string]string
}

// SubjectKey uniquely identifies an Item's target within a Session: a
// primary-store person id plus the optional year/URL that disambiguates
// multiple census appearances of the same person.
type SubjectKey struct {
	PrimaryPersonID string
	Year            int    // 0 for findagrave
	URL             string // third-party source URL, when known up front
}

// Item is one unit of work inside a Session (spec.md §3 Item).
type Item struct {
	ID               string
	SessionID        string
	Subject          SubjectKey
	DisplayName      string
	Status           ItemStatus
	RetryCount       int
	LastAttemptAt    *time.Time
	LastErrorKind    ErrorKind
	LastErrorMessage string

	// ExtractedSnapshot is the opaque JSON-encoded Extraction, set once
	// extraction succeeds. Stored as an encoding/json blob — census and
	// findagrave extractions have incompatible shapes and neither component
	// needs to see the other's fields.
	ExtractedSnapshot []byte

	// Produced cross-refs, populated by WriteCoordinator as steps commit.
	ResearchPageID       string
	ResearchPersonIDs    []string
	PrimaryCitationID    string
	PrimarySourceID      string
	PrimaryEventID       string

	EdgeFlags EdgeFlags

	// Fingerprint is the CitationArtifact fingerprint last written for this
	// item; it is recorded but not read back by the BatchRunner.
	Fingerprint string

	ImageID string // normalized third-party URL, the dedup key
}

// EdgeFlags are the advisory page-boundary flags from EdgeDetector (§4.8).
type EdgeFlags struct {
	FirstLineWarning bool
	LastLineWarning  bool
	SampleLine       bool
}

// Checkpoint is the per-session resume cursor (spec.md §3 Checkpoint).
type Checkpoint struct {
	SessionID       string
	LastItemID      string
	Timestamp       time.Time
}

// ProcessedImage is one ProcessedImageLedger entry (spec.md §3).
type ProcessedImage struct {
	ImageID         string
	FirstProcessed  time.Time
	LastProcessed   time.Time
	ResearchPageID  string
	SessionID       string
}

// Metric is one StateStore performance sample (spec.md §4.3 record_metric).
type Metric struct {
	Op         string
	DurationMS int64
	Success    bool
	SessionID  string
	Kind       SessionKind
	RecordedAt time.Time
}

// Page is jurisdictional + image metadata for one census page (§3 Extraction).
type Page struct {
	ID              string
	Year            int
	State           string
	County          string
	Township        string
	EnumerationDist string
	Sheet           string // e.g. "3B"
	Stamp           string // 1950 form
	ImageID         string
	SourceURL       string
}

// PersonRow is one extracted household-member row (§3 Extraction).
type PersonRow struct {
	Line                int
	FamilyNumber        string
	GivenName           string
	Surname             string
	RelationToHead      string
	Sex                 string
	Race                string
	AgeYears            int
	BirthPlace          string
	// YearFields holds year-specific extension columns (e.g. 1900's
	// "years married", 1940's "usual residence") as a schemaless map,
	// per SPEC_FULL.md's EAV guidance — the formatter/matcher read through
	// a named-field interface, never static struct fields.
	YearFields map[string]string

	// Slave-schedule specific (1850/1860 kind=slave).
	OwnerName string
	Column    string
}

// ExtractionKind distinguishes census population/slave/mortality schedules
// from findagrave memorials.
type ExtractionKind string

const (
	ExtractionCensusPopulation ExtractionKind = "population"
	ExtractionCensusSlave      ExtractionKind = "slave"
	ExtractionCensusMortality  ExtractionKind = "mortality"
	ExtractionFindAGrave       ExtractionKind = "findagrave"
)

// Extraction is the result of one external-source extraction (§3 Extraction).
type Extraction struct {
	Kind      ExtractionKind
	SourceURL string

	// Census fields.
	CensusPage  Page
	PersonRows  []PersonRow

	// FindAGrave fields.
	MemorialName   string
	MemorialDate   string
	CemeteryName   string
	CemeteryPlace  string
	BurialDate     string
	PhotoPaths     []string
	FamilyLinkURLs []string

	MissingFields []string // non-empty => DataIncomplete (§4.Extractor)
}

// MatchMethod records how a PersonRow was resolved to a primary-store person.
type MatchMethod string

const (
	MatchExact       MatchMethod = "exact_name"
	MatchAlternate   MatchMethod = "alternate_name"
	MatchFuzzy       MatchMethod = "fuzzy"
	MatchReused      MatchMethod = "reused_extraction"
)

// MatchDecisionKind is the outer decision for one PersonRow (§3 MatchResult).
type MatchDecisionKind string

const (
	DecisionMatched      MatchDecisionKind = "matched"
	DecisionReviewNeeded MatchDecisionKind = "review_needed"
	DecisionSkipped      MatchDecisionKind = "skipped"
)

// CandidateScore is one scored (PersonRow, primary person) pairing, retained
// for analytics even when not selected (§4.7 closing paragraph).
type CandidateScore struct {
	PrimaryPersonID string
	Score           float64
	NameScore       float64
	RelationScore   float64
	AgeScore        float64
	BirthplaceScore float64
}

// MatchResult is the outcome for one extracted PersonRow (§3 MatchResult).
type MatchResult struct {
	RowLine         int
	Decision        MatchDecisionKind
	PrimaryPersonID string // set iff Decision == matched
	Score           float64
	Method          MatchMethod
	SkipReason      string
	Candidates      []CandidateScore
}

// CitationArtifact is the formatter's output (§3 CitationArtifact, §4.6).
type CitationArtifact struct {
	Footnote      string
	ShortFootnote string
	Bibliography  string
	Fingerprint   string
}

// Place is a hierarchical location (§3 Place).
type Place struct {
	ID          string
	Hierarchy   string // comma-delimited, city->country
	Reverse     string // derived reverse form
	DetailOf    string // non-empty when this Place is a "place detail" (cemetery) nested under another
}
