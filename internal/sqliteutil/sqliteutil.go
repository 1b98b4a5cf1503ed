// Package sqliteutil holds the connection-opening and schema-versioning
// boilerplate shared by PrimaryStore, ResearchStore, and StateStore.
// Grounded on the teacher's internal/storage/sqlite migrations.go pattern
// (an ordered Migration{Name, Func} slice run at open time); the actual
// connection-opener did not survive retrieval from the teacher repo, so it
// is authored fresh in the same idiom, against the pure-Go ncruces/go-sqlite3
// driver the teacher depends on.
package sqliteutil

import (
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"golang.org/x/mod/semver"
)

// Migration is one forward-only, idempotent schema step.
type Migration struct {
	Name string
	Func func(*sql.DB) error
}

// OpenOptions configures Open.
type OpenOptions struct {
	// Path is the sqlite file path ("" is rejected — callers must not rely
	// on an in-memory default, per spec.md §6's "missing required keys
	// produce a startup error, never silent defaults").
	Path string

	// CaseInsensitiveNames registers a NOCASE-friendly setup for name
	// columns, matching spec.md §4.1's "existing case-insensitive
	// genealogy database" contract. PRAGMA case_sensitive_like=OFF plus
	// NOCASE collation on name columns is handled by the PrimaryStore
	// schema itself; Open does not read this field and sets no extra
	// pragmas for it.
	CaseInsensitiveNames bool

	// Migrations run in order after the base schema DDL, before Open
	// returns.
	Migrations []Migration

	// SchemaDDL is executed once, before migrations, with
	// CREATE TABLE IF NOT EXISTS semantics.
	SchemaDDL string

	// MinSupportedVersion / MaxSupportedVersion bound the schema_version
	// row this store will operate against (semver strings, e.g. "v1.0.0").
	// A store whose stamped version falls outside this range refuses to
	// open (spec.md §4.1 "refuse to write if the database version is
	// outside a supported set"; §6 ResearchStore "refuses to open at a
	// future version").
	MinSupportedVersion string
	MaxSupportedVersion string
	// CurrentVersion is stamped into a fresh database and used to detect
	// "future version" databases on existing ones.
	CurrentVersion string
}

// Open opens (or creates) a sqlite database at opts.Path, applies the base
// schema and migrations, and enforces the schema-version gate.
func Open(opts OpenOptions) (*sql.DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqliteutil: empty database path")
	}

	// file: prefix is required by the ncruces/go-sqlite3 driver.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=30000&_journal_mode=WAL&_foreign_keys=on", opts.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", opts.Path, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline (spec.md §5)

	if opts.SchemaDDL != "" {
		if _, err := db.Exec(opts.SchemaDDL); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying base schema to %s: %w", opts.Path, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema_meta: %w", err)
	}

	if err := gateVersion(db, opts); err != nil {
		db.Close()
		return nil, err
	}

	for _, m := range opts.Migrations {
		if err := m.Func(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration %q: %w", m.Name, err)
		}
	}

	return db, nil
}

func gateVersion(db *sql.DB, opts OpenOptions) error {
	var stamped string
	err := db.QueryRow(`SELECT value FROM schema_meta WHERE key = 'version'`).Scan(&stamped)
	if err == sql.ErrNoRows {
		if opts.CurrentVersion == "" {
			return nil
		}
		_, err = db.Exec(`INSERT INTO schema_meta(key, value) VALUES ('version', ?)`, opts.CurrentVersion)
		return err
	}
	if err != nil {
		return fmt.Errorf("reading schema_meta version: %w", err)
	}

	if opts.MaxSupportedVersion != "" && semver.Compare(normalize(stamped), normalize(opts.MaxSupportedVersion)) > 0 {
		return fmt.Errorf("database schema version %s is newer than this build supports (max %s)", stamped, opts.MaxSupportedVersion)
	}
	if opts.MinSupportedVersion != "" && semver.Compare(normalize(stamped), normalize(opts.MinSupportedVersion)) < 0 {
		return fmt.Errorf("database schema version %s is older than this build supports (min %s)", stamped, opts.MinSupportedVersion)
	}
	return nil
}

func normalize(v string) string {
	if len(v) == 0 || v[0] != 'v' {
		return "v" + v
	}
	return v
}

// RunInTx runs fn inside a transaction opened with db.Begin (SQLite's
// default deferred mode, which takes the write lock at the first write),
// committing on success and rolling back on error or panic.
func RunInTx(db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
