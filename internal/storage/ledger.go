package storage

import (
	"database/sql"
	"fmt"

	"github.com/reviewer-dev/reviewer/internal/forge"
	"github.com/reviewer-dev/reviewer/internal/ledger"
)

// LedgerStore persists ledger state in the ledger_entries and ledger_scopes
// tables.
type LedgerStore struct {
	db *DB
}

// LedgerStore returns a ledger.Store backed by db.
func (db *DB) LedgerStore() *LedgerStore {
	return &LedgerStore{db: db}
}

// Load reads every entry and scope. Rows that cannot be decoded make the
// whole load fail so the ledger treats the state as unreadable.
func (s *LedgerStore) Load() (ledger.State, error) {
	state := ledger.NewState()

	rows, err := s.db.Query(`
		SELECT owner, repo, number, last_commit, first_seen_at, last_seen_at,
		       triggered_at, trigger_status, reviewed_at, last_error
		FROM ledger_entries`)
	if err != nil {
		return state, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e                  ledger.Entry
			firstSeen, lastSee string
			triggered, review  sql.NullString
			status             string
		)
		if err := rows.Scan(&e.Ref.Owner, &e.Ref.Repo, &e.Ref.Number, &e.LastCommit,
			&firstSeen, &lastSee, &triggered, &status, &review, &e.LastError); err != nil {
			return state, fmt.Errorf("scan ledger entry: %w", err)
		}
		if e.FirstSeenAt, err = parseTime(firstSeen); err != nil {
			return state, err
		}
		if e.LastSeenAt, err = parseTime(lastSee); err != nil {
			return state, err
		}
		if e.TriggeredAt, err = parseTimePtr(triggered); err != nil {
			return state, err
		}
		if e.ReviewedAt, err = parseTimePtr(review); err != nil {
			return state, err
		}
		e.TriggerStatus = ledger.Status(status)
		entry := e
		state.Entries[e.Ref.Key()] = &entry
	}
	if err := rows.Err(); err != nil {
		return state, fmt.Errorf("iterate ledger entries: %w", err)
	}

	scopes, err := s.db.Query(`SELECT scope, seeded_at FROM ledger_scopes`)
	if err != nil {
		return state, fmt.Errorf("query ledger scopes: %w", err)
	}
	defer scopes.Close()
	for scopes.Next() {
		var scope, at string
		if err := scopes.Scan(&scope, &at); err != nil {
			return state, fmt.Errorf("scan ledger scope: %w", err)
		}
		t, err := parseTime(at)
		if err != nil {
			return state, err
		}
		state.Scopes[scope] = t
	}
	return state, scopes.Err()
}

// Save upserts the entries and scopes in st in one transaction. Rows absent
// from st are left alone. Another process may have written a row since this
// one loaded it, so a review time or trigger outcome already stored is never
// cleared by a writer that does not know about it.
func (s *LedgerStore) Save(st ledger.State) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin ledger save: %w", err)
	}
	defer tx.Rollback()

	entryStmt, err := tx.Prepare(`
		INSERT INTO ledger_entries (pr_key, owner, repo, number, last_commit, first_seen_at,
		                            last_seen_at, triggered_at, trigger_status, reviewed_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pr_key) DO UPDATE SET
		  last_commit = CASE WHEN excluded.last_seen_at >= last_seen_at
		                     THEN excluded.last_commit ELSE last_commit END,
		  last_seen_at = max(excluded.last_seen_at, last_seen_at),
		  triggered_at = COALESCE(excluded.triggered_at, triggered_at),
		  trigger_status = CASE WHEN excluded.triggered_at IS NULL AND excluded.trigger_status = ''
		                        THEN trigger_status ELSE excluded.trigger_status END,
		  reviewed_at = COALESCE(reviewed_at, excluded.reviewed_at),
		  last_error = CASE WHEN excluded.triggered_at IS NULL
		                    THEN last_error ELSE excluded.last_error END`)
	if err != nil {
		return fmt.Errorf("prepare ledger upsert: %w", err)
	}
	defer entryStmt.Close()

	for key, e := range st.Entries {
		if _, err := entryStmt.Exec(key, e.Ref.Owner, e.Ref.Repo, e.Ref.Number, e.LastCommit,
			formatTime(e.FirstSeenAt), formatTime(e.LastSeenAt), formatTimePtr(e.TriggeredAt),
			string(e.TriggerStatus), formatTimePtr(e.ReviewedAt), e.LastError); err != nil {
			return fmt.Errorf("save ledger entry %s: %w", key, err)
		}
	}

	for scope, at := range st.Scopes {
		if _, err := tx.Exec(`INSERT INTO ledger_scopes (scope, seeded_at) VALUES (?, ?)
			ON CONFLICT(scope) DO NOTHING`, scope, formatTime(at)); err != nil {
			return fmt.Errorf("save ledger scope %s: %w", scope, err)
		}
	}
	return tx.Commit()
}

// LedgerEntriesForRepo returns the entries for one repository, newest first.
// It reads directly from the table so status commands see the last
// checkpoint without loading a ledger.
func (db *DB) LedgerEntriesForRepo(repo string) ([]ledger.Entry, error) {
	if _, _, err := forge.SplitRepo(repo); err != nil {
		return nil, err
	}
	st, err := db.LedgerStore().Load()
	if err != nil {
		return nil, err
	}
	var out []ledger.Entry
	for _, e := range st.Entries {
		if e.Ref.SameRepo(repo) {
			out = append(out, *e)
		}
	}
	sortEntriesNewestFirst(out)
	return out, nil
}
