// Package statestore adapts the ephemeral, reset-safe batch-state database
// (spec.md §4.3, §6): sessions, items, checkpoints, the processed-image
// ledger, and performance metrics. Single-writer discipline is enforced at
// two levels: sqliteutil.Open caps the pool at one connection, and KindLock
// provides the cross-process "at most one runner per kind" guarantee of
// spec.md §5, grounded on the teacher's internal/daemon registry pattern
// (a file lock guarding a JSON/SQLite registry of live runners).
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/flock"
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

type Store struct {
	db   *sql.DB
	path string
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
		return nil, errs.Fatal("open state store", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func nowUTC() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// KindLock returns an exclusive, cross-process file lock scoped to one
// session kind, enforcing "at most one runner per kind at any time"
// (spec.md §5). Callers must call Unlock when the runner stops.
func KindLock(stateDBPath string, kind types.SessionKind) *flock.Flock {
	return flock.New(fmt.Sprintf("%s.%s.lock", stateDBPath, kind))
}

// CreateSession inserts a new session row in 'queued' status.
func (s *Store) CreateSession(ctx context.Context, kind types.SessionKind, total int, configSnapshot map[string]string) (*types.Session, error) {
	id := uuid.NewString()
	snap, err := json.Marshal(configSnapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal config snapshot: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session (session_id, kind, status, created_at, total_items, config_snapshot)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(kind), string(types.SessionQueued), now.Format(time.RFC3339Nano), total, string(snap))
	if err != nil {
		return nil, errs.Transient("create_session", err)
	}
	return &types.Session{
		ID: id, Kind: kind, Status: types.SessionQueued, CreatedAt: now,
		Total: total, ConfigSnapshot: configSnapshot,
	}, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, status, created_at, started_at, completed_at, total_items, completed_count, errored_count, skipped_count, config_snapshot,
		       (julianday(COALESCE(NULLIF(completed_at, ''), NULLIF(started_at, ''))) - julianday(created_at)) * 24
		FROM session WHERE session_id = ?`, id)

	var sess types.Session
	sess.ID = id
	var kind, status, createdAt, startedAt, completedAt, snap string
	var durationHours sql.NullFloat64
	if err := row.Scan(&kind, &status, &createdAt, &startedAt, &completedAt, &sess.Total, &sess.Completed, &sess.Errored, &sess.Skipped, &snap, &durationHours); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("get_session: %s not found", id)
		}
		return nil, errs.Transient("get_session", err)
	}
	sess.Kind = types.SessionKind(kind)
	sess.Status = types.SessionStatus(status)
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt != "" {
		t, _ := time.Parse(time.RFC3339Nano, startedAt)
		sess.StartedAt = &t
	}
	if completedAt != "" {
		t, _ := time.Parse(time.RFC3339Nano, completedAt)
		sess.CompletedAt = &t
	}
	if durationHours.Valid {
		sess.DurationHours = durationHours.Float64
	}
	_ = json.Unmarshal([]byte(snap), &sess.ConfigSnapshot)
	return &sess, nil
}

// FindResumableSession returns the most recently created queued, running,
// or paused session of kind, if any — cmd/rmcitecraft start resumes this
// session instead of building a fresh queue, so re-running start after a
// crash or an operator-issued stop continues the same batch rather than
// re-scanning PrimaryStore (spec.md §4.10 resume model).
func (s *Store) FindResumableSession(ctx context.Context, kind types.SessionKind) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM session
		WHERE kind = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		string(kind), string(types.SessionQueued), string(types.SessionRunning), string(types.SessionPaused))

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Transient("find_resumable_session", err)
	}
	return s.GetSession(ctx, id)
}

// ListSessions returns the most recently created sessions, newest first,
// optionally restricted to one kind — backs `rmcitecraft status` (spec.md
// §6 "Operator-facing CLI surface").
func (s *Store) ListSessions(ctx context.Context, kind types.SessionKind, limit int) ([]types.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows *sql.Rows
	var err error
	if kind != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT session_id FROM session WHERE kind = ? ORDER BY created_at DESC LIMIT ?`, string(kind), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT session_id FROM session ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, errs.Transient("list_sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Transient("list_sessions", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Transient("list_sessions", err)
	}

	out := make([]types.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, nil
}

// SetSessionStatus transitions a session's status, stamping started_at /
// completed_at as appropriate. The BatchRunner is the only caller.
func (s *Store) SetSessionStatus(ctx context.Context, id string, status types.SessionStatus) error {
	now := nowUTC()
	switch status {
	case types.SessionRunning:
		_, err := s.db.ExecContext(ctx, `UPDATE session SET status = ?, started_at = CASE WHEN started_at = '' THEN ? ELSE started_at END WHERE session_id = ?`, string(status), now, id)
		return wrapTransient("set_session_status", err)
	case types.SessionCompleted, types.SessionFailed:
		_, err := s.db.ExecContext(ctx, `UPDATE session SET status = ?, completed_at = ? WHERE session_id = ?`, string(status), now, id)
		return wrapTransient("set_session_status", err)
	default:
		_, err := s.db.ExecContext(ctx, `UPDATE session SET status = ? WHERE session_id = ?`, string(status), id)
		return wrapTransient("set_session_status", err)
	}
}

// IncrementSessionCounters bumps completed/errored/skipped atomically,
// maintaining spec.md §3 invariant 4.
func (s *Store) IncrementSessionCounters(ctx context.Context, id string, completedDelta, erroredDelta, skippedDelta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE session SET completed_count = completed_count + ?, errored_count = errored_count + ?, skipped_count = skipped_count + ?
		WHERE session_id = ?`, completedDelta, erroredDelta, skippedDelta, id)
	return wrapTransient("increment_session_counters", err)
}

// CreateItems bulk-inserts Items for a freshly built queue, preserving
// QueueBuilder's order via insertion_order (spec.md §4.9 step 5).
func (s *Store) CreateItems(ctx context.Context, sessionID string, items []types.Item) error {
	return sqliteutil.RunInTx(s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO item (item_id, session_id, primary_person_id, subject_year, subject_url, display_name, status, insertion_order, image_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, it := range items {
			if it.ID == "" {
				it.ID = uuid.NewString()
			}
			if _, err := stmt.ExecContext(ctx, it.ID, sessionID, it.Subject.PrimaryPersonID, it.Subject.Year, it.Subject.URL, it.DisplayName, string(types.ItemQueued), i, it.ImageID); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanItem(row interface {
	Scan(dest ...interface{}) error
}) (*types.Item, error) {
	var it types.Item
	var status, lastAttempt, errKind, personIDs, edgeFirst, edgeLast, edgeSample string
	var year sql.NullInt64
	err := row.Scan(
		&it.ID, &it.SessionID, &it.Subject.PrimaryPersonID, &year, &it.Subject.URL, &it.DisplayName,
		&status, &it.RetryCount, &lastAttempt, &errKind, &it.LastErrorMessage,
		&it.ExtractedSnapshot, &it.ResearchPageID, &personIDs,
		&it.PrimaryCitationID, &it.PrimarySourceID, &it.PrimaryEventID,
		&edgeFirst, &edgeLast, &edgeSample, &it.Fingerprint, &it.ImageID,
	)
	if err != nil {
		return nil, err
	}
	it.Subject.Year = int(year.Int64)
	it.Status = types.ItemStatus(status)
	it.LastErrorKind = types.ErrorKind(errKind)
	if lastAttempt != "" {
		t, _ := time.Parse(time.RFC3339Nano, lastAttempt)
		it.LastAttemptAt = &t
	}
	_ = json.Unmarshal([]byte(personIDs), &it.ResearchPersonIDs)
	it.EdgeFlags = types.EdgeFlags{
		FirstLineWarning: edgeFirst == "1",
		LastLineWarning:  edgeLast == "1",
		SampleLine:       edgeSample == "1",
	}
	return &it, nil
}

const itemColumns = `
	item_id, session_id, primary_person_id, subject_year, subject_url, display_name,
	status, retry_count, last_attempt_at, last_error_kind, last_error_message,
	extracted_snapshot, research_page_id, research_person_ids,
	primary_citation_id, primary_source_id, primary_event_id,
	edge_first_line, edge_last_line, edge_sample_line, fingerprint, image_id`

// GetItem loads one item by id.
func (s *Store) GetItem(ctx context.Context, itemID string) (*types.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM item WHERE item_id = ?`, itemID)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get_item: %s not found", itemID)
	}
	if err != nil {
		return nil, errs.Transient("get_item", err)
	}
	return it, nil
}

// NextQueuedItem returns the first item whose status is 'queued', or
// 'awaiting_user' (left behind only by a crash during an operator
// suspension), in insertion order (spec.md §4.3 next_queued_item — the
// resume path).
func (s *Store) NextQueuedItem(ctx context.Context, sessionID string) (*types.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM item
		WHERE session_id = ? AND status IN (?, ?)
		ORDER BY insertion_order ASC LIMIT 1`, sessionID, string(types.ItemQueued), string(types.ItemAwaitingUser))
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Transient("next_queued_item", err)
	}
	return it, nil
}

// NextResumableItem returns an item left mid-WriteCoordinator (status
// 'committing') ahead of any queued item, so resume finishes step 3 before
// starting new work (spec.md §4.11 recovery model).
func (s *Store) NextResumableItem(ctx context.Context, sessionID string) (*types.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM item
		WHERE session_id = ? AND status = ?
		ORDER BY insertion_order ASC LIMIT 1`, sessionID, string(types.ItemCommitting))
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Transient("next_resumable_item", err)
	}
	return it, nil
}

// UpdateItem persists the full mutable state of an item (status, retry
// count, error, snapshots, produced ids, edge flags, fingerprint).
func (s *Store) UpdateItem(ctx context.Context, it *types.Item) error {
	personIDs, err := json.Marshal(it.ResearchPersonIDs)
	if err != nil {
		return fmt.Errorf("marshal research_person_ids: %w", err)
	}
	lastAttempt := ""
	if it.LastAttemptAt != nil {
		lastAttempt = it.LastAttemptAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE item SET
			status = ?, retry_count = ?, last_attempt_at = ?, last_error_kind = ?, last_error_message = ?,
			extracted_snapshot = ?, research_page_id = ?, research_person_ids = ?,
			primary_citation_id = ?, primary_source_id = ?, primary_event_id = ?,
			edge_first_line = ?, edge_last_line = ?, edge_sample_line = ?, fingerprint = ?, image_id = ?
		WHERE item_id = ?`,
		string(it.Status), it.RetryCount, lastAttempt, string(it.LastErrorKind), it.LastErrorMessage,
		it.ExtractedSnapshot, it.ResearchPageID, string(personIDs),
		it.PrimaryCitationID, it.PrimarySourceID, it.PrimaryEventID,
		boolToInt(it.EdgeFlags.FirstLineWarning), boolToInt(it.EdgeFlags.LastLineWarning), boolToInt(it.EdgeFlags.SampleLine),
		it.Fingerprint, it.ImageID, it.ID)
	return wrapTransient("update_item", err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MarkImageProcessed records a ProcessedImageLedger entry, updating
// last_processed if one already exists for imageID (spec.md §4.3
// mark_image_processed).
func (s *Store) MarkImageProcessed(ctx context.Context, tx *sql.Tx, imageID, pageID, sessionID string) error {
	exec := anyExecer(s.db, tx)
	now := nowUTC()
	_, err := exec.ExecContext(ctx, `
		INSERT INTO processed_image (image_id, first_processed, last_processed, research_page_id, session_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(image_id) DO UPDATE SET last_processed = excluded.last_processed, research_page_id = excluded.research_page_id, session_id = excluded.session_id`,
		imageID, now, now, pageID, sessionID)
	return wrapTransient("mark_image_processed", err)
}

// IsImageProcessed reports whether imageID is already in the ledger
// (spec.md §4.3 is_image_processed).
func (s *Store) IsImageProcessed(ctx context.Context, imageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed_image WHERE image_id = ?`, imageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Transient("is_image_processed", err)
	}
	return true, nil
}

// AppendCheckpoint records the last completed item id for a session
// (spec.md §4.3 append_checkpoint). Checkpoint ids must be non-decreasing
// in insertion order within a session (spec.md §8 property 4); callers are
// expected to only call this after an item completes in queue order.
func (s *Store) AppendCheckpoint(ctx context.Context, tx *sql.Tx, sessionID, itemID string) error {
	exec := anyExecer(s.db, tx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO checkpoint (session_id, last_item_id, recorded_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_item_id = excluded.last_item_id, recorded_at = excluded.recorded_at`,
		sessionID, itemID, nowUTC())
	return wrapTransient("append_checkpoint", err)
}

// ReadCheckpoint returns the last completed item id for a session, if any
// (spec.md §4.3 read_checkpoint).
func (s *Store) ReadCheckpoint(ctx context.Context, sessionID string) (string, error) {
	var itemID string
	err := s.db.QueryRowContext(ctx, `SELECT last_item_id FROM checkpoint WHERE session_id = ?`, sessionID).Scan(&itemID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errs.Transient("read_checkpoint", err)
	}
	return itemID, nil
}

// RecordMetric appends one performance sample (spec.md §4.3 record_metric).
func (s *Store) RecordMetric(ctx context.Context, m types.Metric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metric (op, duration_ms, success, session_id, kind, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`, m.Op, m.DurationMS, boolToInt(m.Success), m.SessionID, string(m.Kind), nowUTC())
	return wrapTransient("record_metric", err)
}

// RecentDurations returns up to limit most-recent successful durations for
// (op, kind), newest first — the BatchRunner's adaptive-timeout rolling
// median feed (spec.md §5 Timeouts).
func (s *Store) RecentDurations(ctx context.Context, op string, kind types.SessionKind, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT duration_ms FROM metric
		WHERE op = ? AND kind = ? AND success = 1
		ORDER BY id DESC LIMIT ?`, op, string(kind), limit)
	if err != nil {
		return nil, errs.Transient("recent_durations", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RunInTx opens a transaction against the state store, used by
// WriteCoordinator's step 3 (spec.md §4.11).
func (s *Store) RunInTx(fn func(tx *sql.Tx) error) error {
	return sqliteutil.RunInTx(s.db, fn)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func anyExecer(db *sql.DB, tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return db
}

func wrapTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.Transient(op, err)
}
