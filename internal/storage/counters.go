package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadCounters returns the daemon counters, zero-valued if none were saved.
func (db *DB) LoadCounters() (Counters, error) {
	var (
		c        Counters
		lastPoll sql.NullString
	)
	err := db.QueryRow(`SELECT poll_count, last_poll_at, last_error FROM daemon_state WHERE id = 1`).
		Scan(&c.PollCount, &lastPoll, &c.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return Counters{}, nil
	}
	if err != nil {
		return Counters{}, fmt.Errorf("load daemon counters: %w", err)
	}
	if c.LastPollAt, err = parseTimePtr(lastPoll); err != nil {
		return Counters{}, err
	}
	return c, nil
}

// SaveCounters checkpoints the daemon counters.
func (db *DB) SaveCounters(c Counters) error {
	_, err := db.Exec(`
		INSERT INTO daemon_state (id, poll_count, last_poll_at, last_error, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  poll_count = excluded.poll_count,
		  last_poll_at = excluded.last_poll_at,
		  last_error = excluded.last_error,
		  updated_at = excluded.updated_at`,
		c.PollCount, formatTimePtr(c.LastPollAt), c.LastError, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save daemon counters: %w", err)
	}
	return nil
}
