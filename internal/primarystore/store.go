// Package primarystore adapts an existing case-insensitive genealogy
// database (the ".rmtree") to the narrow set of operations the Batch
// Orchestration Core needs (spec.md §4.1). It hides the free-form-vs-
// templated citation write-path distinction from every other component
// (spec.md §9).
package primarystore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/miams/rmcitecraft/internal/errs"
	"github.com/miams/rmcitecraft/internal/sqliteutil"
	"github.com/miams/rmcitecraft/internal/types"
)

// MinSupportedVersion / MaxSupportedVersion are the .rmtree schema versions
// this build understands; opening an out-of-range database is a Fatal error
// (spec.md §4.1 "refuse to write if the database version is outside a
// supported set").
const (
	MinSupportedVersion = "v1.0.0"
	MaxSupportedVersion = "v1.9.0"
	CurrentVersion      = "v1.9.0"
)

// Store is the PrimaryStore adapter.
type Store struct {
	db *sql.DB
}

// Open opens (or initializes) the primary store at path.
func Open(path string) (*Store, error) {
	db, err := sqliteutil.Open(sqliteutil.OpenOptions{
		Path:                 path,
		CaseInsensitiveNames: true,
		SchemaDDL:            schema,
		MinSupportedVersion:  MinSupportedVersion,
		MaxSupportedVersion:  MaxSupportedVersion,
		CurrentVersion:       CurrentVersion,
	})
	if err != nil {
		return nil, errs.Fatal("open primary store", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CandidateFilter narrows find_candidates (spec.md §4.9 QueueBuilder input).
type CandidateFilter struct {
	Year  int // 0 = any year
	State string
	Limit int
	Offset int
}

// find_candidates returns persons with a placeholder citation matching the
// filter (census) or a recorded memorial URL with no burial citation
// (findagrave), per spec.md §4.1.
func (s *Store) FindCandidates(ctx context.Context, kind types.SessionKind, filter CandidateFilter) ([]types.SubjectKey, error) {
	switch kind {
	case types.KindCensus:
		return s.findCensusCandidates(ctx, filter)
	case types.KindFindAGrave:
		return s.findFindAGraveCandidates(ctx, filter)
	default:
		return nil, fmt.Errorf("find_candidates: unknown session kind %q", kind)
	}
}

func (s *Store) findCensusCandidates(ctx context.Context, filter CandidateFilter) ([]types.SubjectKey, error) {
	// A placeholder citation: free-form (TemplateID=0) with a non-empty
	// ThirdPartyURL and an empty Footnote column. The year and state
	// filters match against the placeholder's FreeFormText.
	query := strings.Builder{}
	query.WriteString(`
		SELECT cl.OwnerID, c.CitationID, c.ThirdPartyURL
		FROM CitationTable c
		JOIN CitationLinkTable cl ON cl.CitationID = c.CitationID AND cl.OwnerType = 'person'
		WHERE c.TemplateID = 0
		  AND c.ThirdPartyURL != ''
		  AND c.Footnote = ''
	`)
	var args []interface{}
	if filter.Year != 0 {
		query.WriteString(` AND c.FreeFormText LIKE ?`)
		args = append(args, fmt.Sprintf("%%%d%%", filter.Year))
	}
	if filter.State != "" {
		query.WriteString(` AND c.FreeFormText LIKE ?`)
		args = append(args, "%"+filter.State+"%")
	}
	query.WriteString(` ORDER BY cl.OwnerID, c.CitationID`)
	if filter.Limit > 0 {
		query.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, errs.Transient("find_candidates", err)
	}
	defer rows.Close()

	var out []types.SubjectKey
	for rows.Next() {
		var personID, citationID, url string
		if err := rows.Scan(&personID, &citationID, &url); err != nil {
			return nil, err
		}
		out = append(out, types.SubjectKey{PrimaryPersonID: personID, Year: filter.Year, URL: url})
	}
	return out, rows.Err()
}

func (s *Store) findFindAGraveCandidates(ctx context.Context, filter CandidateFilter) ([]types.SubjectKey, error) {
	query := `
		SELECT m.PersonID, m.URL
		FROM MemorialRefTable m
		WHERE NOT EXISTS (
			SELECT 1 FROM EventTable e
			JOIN CitationLinkTable cl ON cl.OwnerType = 'event' AND cl.OwnerID = e.EventID
			WHERE e.EventType = 'burial' AND e.OwnerID = m.PersonID
		)
		ORDER BY m.PersonID
	`
	var args []interface{}
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Transient("find_candidates", err)
	}
	defer rows.Close()

	var out []types.SubjectKey
	for rows.Next() {
		var personID, url string
		if err := rows.Scan(&personID, &url); err != nil {
			return nil, err
		}
		out = append(out, types.SubjectKey{PrimaryPersonID: personID, URL: url})
	}
	return out, rows.Err()
}

// NameVariant is one NameTable row for a person (primary, alternate, maiden, married).
type NameVariant struct {
	Given, Surname, NameType string
}

// SubjectFacts is load_subject's return shape (spec.md §4.1).
type SubjectFacts struct {
	PersonID        string
	Names           []NameVariant
	Sex             string
	BirthYear       int
	DeathYear       int
	ParentFamilyID  string
	SpouseFamilyIDs []string
	ChildrenIDs     []string
	// Household is every person sharing the subject's census-year
	// household: head, spouses, children, and co-residents linked via the
	// witness relation to a shared census event (spec.md §4.1).
	Household []string
}

// LoadSubject gathers name variants, vitals, family links, and the census-
// year household for key.PrimaryPersonID.
func (s *Store) LoadSubject(ctx context.Context, key types.SubjectKey) (*SubjectFacts, error) {
	facts := &SubjectFacts{PersonID: key.PrimaryPersonID}

	row := s.db.QueryRowContext(ctx, `SELECT Sex, BirthYear, DeathYear, ParentFamilyID FROM PersonTable WHERE PersonID = ?`, key.PrimaryPersonID)
	if err := row.Scan(&facts.Sex, &facts.BirthYear, &facts.DeathYear, &facts.ParentFamilyID); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("load_subject: person %s not found", key.PrimaryPersonID)
		}
		return nil, errs.Transient("load_subject", err)
	}

	nameRows, err := s.db.QueryContext(ctx, `SELECT Given, Surname, NameType FROM NameTable WHERE OwnerID = ?`, key.PrimaryPersonID)
	if err != nil {
		return nil, errs.Transient("load_subject names", err)
	}
	defer nameRows.Close()
	for nameRows.Next() {
		var nv NameVariant
		if err := nameRows.Scan(&nv.Given, &nv.Surname, &nv.NameType); err != nil {
			return nil, err
		}
		facts.Names = append(facts.Names, nv)
	}
	if err := nameRows.Err(); err != nil {
		return nil, err
	}

	spouseRows, err := s.db.QueryContext(ctx, `SELECT FamilyID FROM FamilyTable WHERE FatherID = ? OR MotherID = ?`, key.PrimaryPersonID, key.PrimaryPersonID)
	if err != nil {
		return nil, errs.Transient("load_subject spouses", err)
	}
	defer spouseRows.Close()
	for spouseRows.Next() {
		var fid string
		if err := spouseRows.Scan(&fid); err != nil {
			return nil, err
		}
		facts.SpouseFamilyIDs = append(facts.SpouseFamilyIDs, fid)
	}
	if err := spouseRows.Err(); err != nil {
		return nil, err
	}

	childRows, err := s.db.QueryContext(ctx, `
		SELECT c.ChildID FROM ChildTable c
		JOIN FamilyTable f ON f.FamilyID = c.FamilyID
		WHERE f.FatherID = ? OR f.MotherID = ?`, key.PrimaryPersonID, key.PrimaryPersonID)
	if err != nil {
		return nil, errs.Transient("load_subject children", err)
	}
	defer childRows.Close()
	for childRows.Next() {
		var cid string
		if err := childRows.Scan(&cid); err != nil {
			return nil, err
		}
		facts.ChildrenIDs = append(facts.ChildrenIDs, cid)
	}
	if err := childRows.Err(); err != nil {
		return nil, err
	}

	household, err := s.censusHousehold(ctx, key.PrimaryPersonID, key.Year)
	if err != nil {
		return nil, err
	}
	facts.Household = household

	return facts, nil
}

// censusHousehold returns every person who owns or witnesses a 'census'
// event for the given year that the subject also participates in
// (spec.md §9: "owned-by, witnessed-by" lookup, never collapsed).
func (s *Store) censusHousehold(ctx context.Context, personID string, year int) ([]string, error) {
	yearStr := ""
	if year != 0 {
		yearStr = strconv.Itoa(year)
	}

	query := `
		SELECT DISTINCT p FROM (
			SELECT e.OwnerID AS p FROM EventTable e
			WHERE e.EventType = 'census' AND (? = '' OR e.Date LIKE '%' || ? || '%')
			  AND e.EventID IN (
			      SELECT EventID FROM EventTable WHERE OwnerID = ? AND EventType = 'census'
			      UNION
			      SELECT EventID FROM WitnessTable WHERE PersonID = ?
			  )
			UNION
			SELECT w.PersonID AS p FROM WitnessTable w
			JOIN EventTable e ON e.EventID = w.EventID
			WHERE e.EventType = 'census' AND (? = '' OR e.Date LIKE '%' || ? || '%')
			  AND e.EventID IN (
			      SELECT EventID FROM EventTable WHERE OwnerID = ? AND EventType = 'census'
			      UNION
			      SELECT EventID FROM WitnessTable WHERE PersonID = ?
			  )
		)`
	rows, err := s.db.QueryContext(ctx, query, yearStr, yearStr, personID, personID, yearStr, yearStr, personID, personID)
	if err != nil {
		return nil, errs.Transient("census_household", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReadCitation returns the existing placeholder text and third-party URL
// for citationID (spec.md §4.1 read_citation).
func (s *Store) ReadCitation(ctx context.Context, citationID string) (freeFormText, thirdPartyURL string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT FreeFormText, ThirdPartyURL FROM CitationTable WHERE CitationID = ?`, citationID)
	if err := row.Scan(&freeFormText, &thirdPartyURL); err != nil {
		if err == sql.ErrNoRows {
			return "", "", fmt.Errorf("read_citation: %s not found", citationID)
		}
		return "", "", errs.Transient("read_citation", err)
	}
	return freeFormText, thirdPartyURL, nil
}

// WriteCitation is the critical contract of spec.md §4.1: for free-form
// citations (TemplateID = 0) the three strings go into the owning
// SourceTable row's Fields JSON blob under Footnote/ShortFootnote/
// Bibliography; for templated citations they go directly into
// CitationTable's text columns. Callers (WriteCoordinator) never need to
// know which path ran.
func (s *Store) WriteCitation(ctx context.Context, citationID string, artifact types.CitationArtifact) error {
	return sqliteutil.RunInTx(s.db, func(tx *sql.Tx) error {
		var sourceID string
		var templateID int
		row := tx.QueryRowContext(ctx, `SELECT SourceID, TemplateID FROM CitationTable WHERE CitationID = ?`, citationID)
		if err := row.Scan(&sourceID, &templateID); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("write_citation: %s not found", citationID)
			}
			return errs.Transient("write_citation lookup", err)
		}

		if templateID == 0 {
			var fields string
			if err := tx.QueryRowContext(ctx, `SELECT Fields FROM SourceTable WHERE SourceID = ?`, sourceID).Scan(&fields); err != nil {
				return errs.Transient("write_citation source fields", err)
			}
			var err error
			fields, err = sjson.Set(fields, "Footnote", artifact.Footnote)
			if err != nil {
				return err
			}
			fields, err = sjson.Set(fields, "ShortFootnote", artifact.ShortFootnote)
			if err != nil {
				return err
			}
			fields, err = sjson.Set(fields, "Bibliography", artifact.Bibliography)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE SourceTable SET Fields = ? WHERE SourceID = ?`, fields, sourceID); err != nil {
				return errs.Transient("write_citation source update", err)
			}
			return nil
		}

		_, err := tx.ExecContext(ctx, `UPDATE CitationTable SET Footnote = ?, ShortFootnote = ?, Bibliography = ? WHERE CitationID = ?`,
			artifact.Footnote, artifact.ShortFootnote, artifact.Bibliography, citationID)
		if err != nil {
			return errs.Transient("write_citation columns update", err)
		}
		return nil
	})
}

// SourceFields reads a free-form source's structured fields blob; only
// tests call it.
func (s *Store) SourceFields(ctx context.Context, sourceID string) (string, error) {
	var fields string
	err := s.db.QueryRowContext(ctx, `SELECT Fields FROM SourceTable WHERE SourceID = ?`, sourceID).Scan(&fields)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return fields, err
}

// CreateBurialEvent creates a 'burial' event owned by personID at a place
// and (optionally) a cemetery "place detail", returning the new event id
// (spec.md §4.1 create_burial_event).
func (s *Store) CreateBurialEvent(ctx context.Context, personID, placeID, cemeteryID, date string) (string, error) {
	eventID := uuid.NewString()
	effectivePlace := placeID
	if cemeteryID != "" {
		effectivePlace = cemeteryID
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO EventTable (EventID, EventType, OwnerType, OwnerID, PlaceID, Date) VALUES (?, 'burial', 'person', ?, ?, ?)`,
		eventID, personID, effectivePlace, date)
	if err != nil {
		return "", errs.Transient("create_burial_event", err)
	}
	return eventID, nil
}

// CreateCitation creates a brand-new free-form citation and its backing
// source row, for sources (like a findagrave memorial) that have no
// pre-existing placeholder citation for WriteCitation to fill in. Returns
// the new citation id.
func (s *Store) CreateCitation(ctx context.Context, name, thirdPartyURL string) (string, error) {
	sourceID := uuid.NewString()
	citationID := uuid.NewString()
	return citationID, sqliteutil.RunInTx(s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO SourceTable (SourceID, Name, Fields) VALUES (?, ?, '{}')`, sourceID, name); err != nil {
			return errs.Transient("create_citation source", err)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO CitationTable (CitationID, SourceID, TemplateID, ThirdPartyURL) VALUES (?, ?, 0, ?)`,
			citationID, sourceID, thirdPartyURL)
		if err != nil {
			return errs.Transient("create_citation", err)
		}
		return nil
	})
}

// LinkCitationToEvent links a citation to an event (or, by passing an
// EventID that is actually a FamilyID-owned event, a family event).
func (s *Store) LinkCitationToEvent(ctx context.Context, citationID, eventID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO CitationLinkTable (CitationID, OwnerType, OwnerID) VALUES (?, 'event', ?)`, citationID, eventID)
	if err != nil {
		return errs.Transient("link_citation_to_event", err)
	}
	return nil
}

// deriveReverse turns "City, County, State, Country" into "Country, State, County, City".
func deriveReverse(hierarchy string) string {
	parts := strings.Split(hierarchy, ",")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ", ")
}

// UpsertPlace ensures a Place row exists for hierarchy, maintaining the
// reverse form, and returns its id. Integer spatial columns other adapters
// might leave null are set to 0, never NULL (spec.md §4.1, §6).
func (s *Store) UpsertPlace(ctx context.Context, hierarchy string) (string, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT PlaceID FROM PlaceTable WHERE Name = ? COLLATE NOCASE`, hierarchy).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", errs.Transient("upsert_place lookup", err)
	}

	placeID := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `INSERT INTO PlaceTable (PlaceID, Name, Reverse, Latitude, Longitude) VALUES (?, ?, ?, 0, 0)`,
		placeID, hierarchy, deriveReverse(hierarchy))
	if err != nil {
		return "", errs.Transient("upsert_place insert", err)
	}
	return placeID, nil
}

// PlaceCandidate is one ranked lookup_place_candidates result.
type PlaceCandidate struct {
	PlaceID   string
	Name      string
	UsageCount int
}

// LookupPlaceCandidates ranks existing places by name similarity proxy
// (substring match) and usage count, feeding the place-approval protocol
// (spec.md §4.10).
func (s *Store) LookupPlaceCandidates(ctx context.Context, hierarchy string) ([]PlaceCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.PlaceID, p.Name, COUNT(e.EventID) AS usage
		FROM PlaceTable p
		LEFT JOIN EventTable e ON e.PlaceID = p.PlaceID
		WHERE p.Name LIKE '%' || ? || '%' COLLATE NOCASE
		GROUP BY p.PlaceID
		ORDER BY usage DESC, p.Name ASC
		LIMIT 10`, lastComponent(hierarchy))
	if err != nil {
		return nil, errs.Transient("lookup_place_candidates", err)
	}
	defer rows.Close()

	var out []PlaceCandidate
	for rows.Next() {
		var c PlaceCandidate
		if err := rows.Scan(&c.PlaceID, &c.Name, &c.UsageCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func lastComponent(hierarchy string) string {
	parts := strings.Split(hierarchy, ",")
	if len(parts) == 0 {
		return hierarchy
	}
	return strings.TrimSpace(parts[0])
}

// AttachMedia attaches a media file (e.g. a downloaded findagrave photo) to
// an entity (person, family, event, citation) and returns the new media id
// (spec.md §4.1 attach_media).
func (s *Store) AttachMedia(ctx context.Context, ownerType, ownerID, path, caption, ref string) (string, error) {
	mediaID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO MediaLinkTable (MediaID, OwnerType, OwnerID, MediaFile, Caption, RefNumber) VALUES (?, ?, ?, ?, ?, ?)`,
		mediaID, ownerType, ownerID, path, caption, ref)
	if err != nil {
		return "", errs.Transient("attach_media", err)
	}
	return mediaID, nil
}

// gjsonFieldOrEmpty reads a single field out of a schemaless Fields blob;
// nothing in the repository calls it.
func gjsonFieldOrEmpty(blob, field string) string {
	return gjson.Get(blob, field).String()
}
