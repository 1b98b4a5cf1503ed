// Package researchstore adapts the persistent census/research sidecar
// database (spec.md §4.2, §6): complete transcriptions, EAV-extensible
// per-year fields, field-level history, match provenance, and gap
// analytics. Distinct from PrimaryStore, which remains the user's source
// of truth — this store exists to outlive any one batch (spec.md §4.11
// recovery model).
package researchstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miams/rmcitecraft/internal/errs"
	"github.com/miams/rmcitecraft/internal/sqliteutil"
	"github.com/miams/rmcitecraft/internal/types"
)

const (
	MinSupportedVersion = "v1.0.0"
	MaxSupportedVersion = "v1.9.0"
	CurrentVersion      = "v1.9.0"
)

// Store is the ResearchStore adapter.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sqliteutil.Open(sqliteutil.OpenOptions{
		Path:                path,
		SchemaDDL:           schema,
		MinSupportedVersion: MinSupportedVersion,
		MaxSupportedVersion: MaxSupportedVersion,
		CurrentVersion:      CurrentVersion,
	})
	if err != nil {
		return nil, errs.Fatal("open research store", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func nowUTC() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// CreateBatch opens a new extraction_batch (spec.md §4.2 create_batch).
func (s *Store) CreateBatch(ctx context.Context, source, note string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO extraction_batch (batch_id, source, note, opened_at) VALUES (?, ?, ?, ?)`,
		id, source, note, nowUTC())
	if err != nil {
		return "", errs.Transient("create_batch", err)
	}
	return id, nil
}

// CloseBatch marks a batch closed.
func (s *Store) CloseBatch(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE extraction_batch SET closed_at = ? WHERE batch_id = ?`, nowUTC(), batchID)
	if err != nil {
		return errs.Transient("close_batch", err)
	}
	return nil
}

// InsertPage inserts a census_page row and returns its id. Callers
// (WriteCoordinator) are responsible for checking LookupPageByImage first —
// InsertPage itself will surface a DuplicateError on a re-insert of the
// same image_id, preserving invariant 2 (exactly one Page per image id).
func (s *Store) InsertPage(ctx context.Context, tx *sql.Tx, p types.Page) (string, error) {
	id := uuid.NewString()
	exec := anyExecer(s.db, tx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO census_page (page_id, batch_id, year, state, county, township, enumeration_dist, sheet, stamp, image_id, source_url)
		VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Year, p.State, p.County, p.Township, p.EnumerationDist, p.Sheet, p.Stamp, p.ImageID, p.SourceURL)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.lookupPageByImageTx(ctx, exec, p.ImageID)
			if lookupErr == nil && existing != "" {
				return "", errs.NewDuplicate(existing, "census_page.image_id already recorded")
			}
		}
		return "", errs.Transient("insert_page", err)
	}
	return id, nil
}

// InsertPerson inserts a census_person row linked to pageID and returns its
// research_person_id (spec.md §4.2 insert_person).
func (s *Store) InsertPerson(ctx context.Context, tx *sql.Tx, row types.PersonRow, pageID string) (string, error) {
	id := uuid.NewString()
	exec := anyExecer(s.db, tx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO census_person (research_person_id, page_id, line, family_number, given_name, surname, relation_to_head, sex, race, age_years, birthplace, owner_name, column_indicator)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, pageID, row.Line, row.FamilyNumber, row.GivenName, row.Surname, row.RelationToHead, row.Sex, row.Race, row.AgeYears, row.BirthPlace, row.OwnerName, row.Column)
	if err != nil {
		return "", errs.Transient("insert_person", err)
	}
	return id, nil
}

// InsertFields upserts EAV extension fields for a research person
// (spec.md §4.2 insert_fields; idempotent on (research_person_id, field_name)
// per §4.2 Guarantees).
func (s *Store) InsertFields(ctx context.Context, tx *sql.Tx, researchPersonID string, fields map[string]string) error {
	exec := anyExecer(s.db, tx)
	for name, value := range fields {
		_, err := exec.ExecContext(ctx, `
			INSERT INTO census_person_field (research_person_id, field_name, value)
			VALUES (?, ?, ?)
			ON CONFLICT(research_person_id, field_name) DO UPDATE SET value = excluded.value`,
			researchPersonID, name, value)
		if err != nil {
			return errs.Transient("insert_fields", err)
		}
	}
	return nil
}

// RecordFieldHistory records a field mutation. On the first mutation of a
// (research_person_id, field_name) pair, it first materializes an
// "original" history row holding old as both old_value and new_value, then
// appends the actual mutation row — satisfying spec.md §3 invariant 5 and
// §8 property 3 without requiring callers to track "is this the first
// edit" themselves.
func (s *Store) RecordFieldHistory(ctx context.Context, tx *sql.Tx, researchPersonID, field, oldValue, newValue, source, actor string) error {
	exec := anyExecer(s.db, tx)

	var count int
	if err := exec.QueryRowContext(ctx, `SELECT COUNT(*) FROM field_history WHERE research_person_id = ? AND field_name = ?`, researchPersonID, field).Scan(&count); err != nil {
		return errs.Transient("record_field_history count", err)
	}

	now := nowUTC()
	if count == 0 {
		_, err := exec.ExecContext(ctx, `
			INSERT INTO field_history (research_person_id, field_name, old_value, new_value, source, actor, is_original, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
			researchPersonID, field, oldValue, oldValue, source, actor, now)
		if err != nil {
			return errs.Transient("record_field_history original", err)
		}
	}

	_, err := exec.ExecContext(ctx, `
		INSERT INTO field_history (research_person_id, field_name, old_value, new_value, source, actor, is_original, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		researchPersonID, field, oldValue, newValue, source, actor, now)
	if err != nil {
		return errs.Transient("record_field_history", err)
	}
	return nil
}

// OriginalFieldValue returns the first-ever recorded value for a field,
// regardless of how many times it has since been mutated (spec.md §8
// property 3).
func (s *Store) OriginalFieldValue(ctx context.Context, researchPersonID, field string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT old_value FROM field_history
		WHERE research_person_id = ? AND field_name = ? AND is_original = 1
		ORDER BY id ASC LIMIT 1`, researchPersonID, field).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// LinkToPrimary records a rmtree_link row (spec.md §4.2 link_to_primary).
func (s *Store) LinkToPrimary(ctx context.Context, tx *sql.Tx, researchPersonID, primaryPersonID, citationID, eventID string, confidence float64, method, fingerprint string) error {
	exec := anyExecer(s.db, tx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO rmtree_link (research_person_id, primary_person_id, citation_id, event_id, confidence, method, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(research_person_id, primary_person_id) DO UPDATE SET
			citation_id = excluded.citation_id, event_id = excluded.event_id,
			confidence = excluded.confidence, method = excluded.method, fingerprint = excluded.fingerprint`,
		researchPersonID, primaryPersonID, citationID, eventID, confidence, method, fingerprint)
	if err != nil {
		return errs.Transient("link_to_primary", err)
	}
	return nil
}

// LinkFingerprint returns the fingerprint last recorded for a link, for
// comparison with write.ShouldReformat; nothing in the repository calls it.
func (s *Store) LinkFingerprint(ctx context.Context, researchPersonID, primaryPersonID string) (string, error) {
	var fp string
	err := s.db.QueryRowContext(ctx, `SELECT fingerprint FROM rmtree_link WHERE research_person_id = ? AND primary_person_id = ?`, researchPersonID, primaryPersonID).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return fp, err
}

// RecordMatchAttempt persists every MatchEngine decision, matched or not,
// with its full candidate vector (spec.md §4.7 closing paragraph).
func (s *Store) RecordMatchAttempt(ctx context.Context, tx *sql.Tx, sessionID, itemID string, r types.MatchResult) error {
	exec := anyExecer(s.db, tx)
	candJSON, err := json.Marshal(r.Candidates)
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO match_attempt (session_id, item_id, row_line, decision, primary_person_id, score, method, skip_reason, candidates_json, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, itemID, r.RowLine, string(r.Decision), r.PrimaryPersonID, r.Score, string(r.Method), r.SkipReason, string(candJSON), nowUTC())
	if err != nil {
		return errs.Transient("record_match_attempt", err)
	}
	return nil
}

// Gap is one systematic-failure record (spec.md §3, §4.7).
type Gap struct {
	SessionID string
	ItemID    string
	PatternID string
	Detail    string
}

// RecordGap persists a gap, registering its pattern_id in gap_pattern on
// first use (spec.md §4.2 record_gap; SPEC_FULL.md "gap pattern
// classification").
func (s *Store) RecordGap(ctx context.Context, tx *sql.Tx, g Gap) error {
	exec := anyExecer(s.db, tx)
	_, err := exec.ExecContext(ctx, `INSERT OR IGNORE INTO gap_pattern (pattern_id, description) VALUES (?, '')`, g.PatternID)
	if err != nil {
		return errs.Transient("record_gap pattern", err)
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO extraction_gap (session_id, item_id, pattern_id, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?)`, g.SessionID, g.ItemID, g.PatternID, g.Detail, nowUTC())
	if err != nil {
		return errs.Transient("record_gap", err)
	}
	return nil
}

// LookupBySourceURL returns the research_person_id previously extracted
// from url, if any (spec.md §4.2 lookup_by_source_url — the duplicate
// guard's dedup check).
func (s *Store) LookupBySourceURL(ctx context.Context, url string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT cp.research_person_id FROM census_person cp
		JOIN census_page p ON p.page_id = cp.page_id
		WHERE p.source_url = ? LIMIT 1`, url).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errs.Transient("lookup_by_source_url", err)
	}
	return id, nil
}

// LoadExtractionByURL reconstructs the Page and every PersonRow previously
// recorded for sourceURL, for the duplicate guard's reuse path (spec.md
// §4.10: "skip extraction and jump to matching using the stored
// extraction"). Returns a nil page when nothing was ever recorded for url.
func (s *Store) LoadExtractionByURL(ctx context.Context, url string) (*types.Page, []types.PersonRow, error) {
	var page types.Page
	err := s.db.QueryRowContext(ctx, `
		SELECT page_id, year, state, county, township, enumeration_dist, sheet, stamp, image_id, source_url
		FROM census_page WHERE source_url = ?`, url).
		Scan(&page.ID, &page.Year, &page.State, &page.County, &page.Township, &page.EnumerationDist, &page.Sheet, &page.Stamp, &page.ImageID, &page.SourceURL)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errs.Transient("load_extraction_by_url page", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT research_person_id, line, family_number, given_name, surname, relation_to_head, sex, race, age_years, birthplace, owner_name, column_indicator
		FROM census_person WHERE page_id = ? ORDER BY line`, page.ID)
	if err != nil {
		return nil, nil, errs.Transient("load_extraction_by_url persons", err)
	}
	defer rows.Close()

	var out []types.PersonRow
	var ids []string
	for rows.Next() {
		var pr types.PersonRow
		var researchPersonID string
		if err := rows.Scan(&researchPersonID, &pr.Line, &pr.FamilyNumber, &pr.GivenName, &pr.Surname, &pr.RelationToHead, &pr.Sex, &pr.Race, &pr.AgeYears, &pr.BirthPlace, &pr.OwnerName, &pr.Column); err != nil {
			return nil, nil, err
		}
		ids = append(ids, researchPersonID)
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for i, researchPersonID := range ids {
		fields, err := s.loadFields(ctx, researchPersonID)
		if err != nil {
			return nil, nil, err
		}
		out[i].YearFields = fields
	}

	return &page, out, nil
}

func (s *Store) loadFields(ctx context.Context, researchPersonID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field_name, value FROM census_person_field WHERE research_person_id = ?`, researchPersonID)
	if err != nil {
		return nil, errs.Transient("load_fields", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// LookupPageByImage returns the page_id already recorded for imageID, if
// any (spec.md §4.2 lookup_page_by_image — the QueueBuilder/WriteCoordinator
// dedup check).
func (s *Store) LookupPageByImage(ctx context.Context, imageID string) (string, error) {
	return s.lookupPageByImageTx(ctx, s.db, imageID)
}

func (s *Store) lookupPageByImageTx(ctx context.Context, exec execer, imageID string) (string, error) {
	var id string
	err := exec.QueryRowContext(ctx, `SELECT page_id FROM census_page WHERE image_id = ?`, imageID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errs.Transient("lookup_page_by_image", err)
	}
	return id, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func anyExecer(db *sql.DB, tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return db
}

// RunInTx opens a transaction against the research store for batched,
// all-or-nothing multi-call sequences (spec.md §4.2 Guarantees: "inserts
// are batchable inside a single transaction").
func (s *Store) RunInTx(fn func(tx *sql.Tx) error) error {
	return sqliteutil.RunInTx(s.db, fn)
}

func isUniqueViolation(err error) bool {
	// ncruces/go-sqlite3 surfaces SQLite's own error text; matching on the
	// standard "UNIQUE constraint failed" message avoids a driver-specific
	// error-code import.
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
