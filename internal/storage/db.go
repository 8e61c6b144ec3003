package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reviewer-dev/reviewer/internal/config"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
  pr_key TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  repo TEXT NOT NULL,
  number INTEGER NOT NULL,
  last_commit TEXT NOT NULL DEFAULT '',
  first_seen_at TEXT NOT NULL,
  last_seen_at TEXT NOT NULL,
  triggered_at TEXT,
  trigger_status TEXT NOT NULL DEFAULT '' CHECK(trigger_status IN ('','seeded','success','failed')),
  reviewed_at TEXT,
  last_error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ledger_scopes (
  scope TEXT PRIMARY KEY,
  seeded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daemon_state (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  poll_count INTEGER NOT NULL DEFAULT 0,
  last_poll_at TEXT,
  last_error TEXT NOT NULL DEFAULT '',
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS review_sessions (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  repo TEXT NOT NULL,
  number INTEGER NOT NULL,
  commit_id TEXT NOT NULL,
  phase TEXT NOT NULL,
  approved INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS review_issues (
  session_id TEXT NOT NULL REFERENCES review_sessions(id) ON DELETE CASCADE,
  ordinal INTEGER NOT NULL,
  severity TEXT NOT NULL,
  file_path TEXT NOT NULL,
  line INTEGER NOT NULL,
  body TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  selected INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (session_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_review_sessions_pr ON review_sessions(owner, repo, number);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_repo ON ledger_entries(owner, repo);
`

type DB struct {
	*sql.DB

	// RecoveredFrom is set when the database file was unreadable and was
	// moved aside; it holds the path it was moved to.
	RecoveredFrom string
}

// DefaultDBPath returns the default database path
func DefaultDBPath() string {
	return config.StatePath()
}

// Open opens or creates the database at the given path. A file that is not
// a readable SQLite database is renamed to <path>.corrupt-<timestamp> and a
// fresh database is created in its place.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := openAt(dbPath)
	if err == nil {
		return db, nil
	}
	if !isCorrupt(err) {
		return nil, err
	}

	aside := fmt.Sprintf("%s.corrupt-%s", dbPath, time.Now().UTC().Format("20060102T150405"))
	if rerr := os.Rename(dbPath, aside); rerr != nil {
		return nil, errors.Join(err, fmt.Errorf("move corrupt database aside: %w", rerr))
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(dbPath + suffix)
	}
	db, err = openAt(dbPath)
	if err != nil {
		return nil, err
	}
	db.RecoveredFrom = aside
	return db, nil
}

func openAt(dbPath string) (*DB, error) {
	// Open with WAL mode and busy timeout
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var check string
	if err := db.QueryRow(`PRAGMA quick_check`).Scan(&check); err != nil {
		db.Close()
		return nil, fmt.Errorf("check database: %w", err)
	}
	if check != "ok" {
		db.Close()
		return nil, fmt.Errorf("check database: %w: %s", errCorrupt, check)
	}

	// CREATE IF NOT EXISTS is idempotent
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	wrapped := &DB{DB: db}
	if err := wrapped.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return wrapped, nil
}

var errCorrupt = errors.New("database corrupt")

func isCorrupt(err error) bool {
	if errors.Is(err, errCorrupt) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "file is encrypted")
}

// migrations are applied in order to databases whose PRAGMA user_version
// is below their position. Each step runs in its own transaction.
var migrations = [][]string{
	// 1: ledger keys use lowercase owner and repository names.
	{
		`UPDATE OR IGNORE ledger_entries
		   SET pr_key = lower(owner) || '/' || lower(repo) || '#' || number`,
		`DELETE FROM ledger_entries
		   WHERE pr_key != lower(owner) || '/' || lower(repo) || '#' || number`,
		`UPDATE OR IGNORE ledger_scopes SET scope = lower(scope)`,
		`DELETE FROM ledger_scopes WHERE scope != lower(scope)`,
	},
}

func (db *DB) migrate() error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		if err := db.migrateStep(v+1, migrations[v]); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) migrateStep(version int, stmts []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer tx.Rollback()
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
		return fmt.Errorf("set schema version %d: %w", version, err)
	}
	return tx.Commit()
}

// timeFormat has a fixed width so stored times compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
