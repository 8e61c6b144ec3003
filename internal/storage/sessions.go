package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/reviewer-dev/reviewer/internal/forge"
	"github.com/reviewer-dev/reviewer/internal/review"
)

// SaveSession writes the session and replaces its issues. It implements
// review.SessionStore.
func (db *DB) SaveSession(s *review.Session) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin session save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO review_sessions (id, owner, repo, number, commit_id, phase, approved, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  phase = excluded.phase,
		  approved = excluded.approved,
		  updated_at = excluded.updated_at`,
		s.ID, s.Ref.Owner, s.Ref.Repo, s.Ref.Number, s.CommitID, string(s.Phase),
		boolToInt(s.Approved), formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM review_issues WHERE session_id = ?`, s.ID); err != nil {
		return fmt.Errorf("clear session issues: %w", err)
	}
	for _, is := range s.Issues {
		_, err := tx.Exec(`
			INSERT INTO review_issues (session_id, ordinal, severity, file_path, line, body, category, state, selected, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, is.ID, string(is.Severity), is.FilePath, is.Line, is.Body, is.Category,
			string(is.State), boolToInt(is.Selected), is.Error)
		if err != nil {
			return fmt.Errorf("save issue %d: %w", is.ID, err)
		}
	}
	return tx.Commit()
}

// GetSession loads a session with its issues.
func (db *DB) GetSession(id string) (*review.Session, error) {
	s, err := db.scanSession(db.QueryRow(`
		SELECT id, owner, repo, number, commit_id, phase, approved, created_at, updated_at
		FROM review_sessions WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := db.loadIssues(s); err != nil {
		return nil, err
	}
	return s, nil
}

// ResumableSession returns the most recent session for ref that stopped
// while SUBMITTING, or nil if there is none.
func (db *DB) ResumableSession(ref forge.Ref) (*review.Session, error) {
	s, err := db.scanSession(db.QueryRow(`
		SELECT id, owner, repo, number, commit_id, phase, approved, created_at, updated_at
		FROM review_sessions
		WHERE owner = ? COLLATE NOCASE AND repo = ? COLLATE NOCASE AND number = ? AND phase = ?
		ORDER BY updated_at DESC LIMIT 1`,
		ref.Owner, ref.Repo, ref.Number, string(review.PhaseSubmitting)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := db.loadIssues(s); err != nil {
		return nil, err
	}
	return s, nil
}

// ListSessions returns the most recent sessions, newest first.
func (db *DB) ListSessions(limit int) ([]SessionInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT s.id, s.owner, s.repo, s.number, s.commit_id, s.phase, s.approved, s.updated_at,
		       (SELECT COUNT(*) FROM review_issues i WHERE i.session_id = s.id)
		FROM review_sessions s
		ORDER BY s.updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info     SessionInfo
			ref      forge.Ref
			approved int
			updated  string
		)
		if err := rows.Scan(&info.ID, &ref.Owner, &ref.Repo, &ref.Number, &info.CommitID,
			&info.Phase, &approved, &updated, &info.Issues); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.PR = ref.Key()
		info.Approved = approved != 0
		if info.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (db *DB) scanSession(row *sql.Row) (*review.Session, error) {
	var (
		s                review.Session
		phase            string
		approved         int
		created, updated string
	)
	err := row.Scan(&s.ID, &s.Ref.Owner, &s.Ref.Repo, &s.Ref.Number, &s.CommitID,
		&phase, &approved, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Phase = review.Phase(phase)
	s.Approved = approved != 0
	if s.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *DB) loadIssues(s *review.Session) error {
	rows, err := db.Query(`
		SELECT ordinal, severity, file_path, line, body, category, state, selected, error
		FROM review_issues WHERE session_id = ? ORDER BY ordinal`, s.ID)
	if err != nil {
		return fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			is       review.Issue
			severity string
			state    string
			selected int
		)
		if err := rows.Scan(&is.ID, &severity, &is.FilePath, &is.Line, &is.Body,
			&is.Category, &state, &selected, &is.Error); err != nil {
			return fmt.Errorf("scan issue: %w", err)
		}
		is.Severity = review.Severity(severity)
		is.State = review.SubmissionState(state)
		is.Selected = selected != 0
		s.Issues = append(s.Issues, is)
	}
	return rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
