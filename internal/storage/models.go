package storage

import (
	"sort"
	"time"

	"github.com/reviewer-dev/reviewer/internal/ledger"
)

// Counters are the daemon's poll counters, checkpointed after each cycle.
type Counters struct {
	PollCount  int64      `json:"poll_count"`
	LastPollAt *time.Time `json:"last_poll_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// SessionInfo is a row of review_sessions without its issues, for listings.
type SessionInfo struct {
	ID        string    `json:"id"`
	PR        string    `json:"pr"`
	CommitID  string    `json:"commit_id"`
	Phase     string    `json:"phase"`
	Approved  bool      `json:"approved"`
	Issues    int       `json:"issues"`
	UpdatedAt time.Time `json:"updated_at"`
}

func sortEntriesNewestFirst(entries []ledger.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].FirstSeenAt.Equal(entries[j].FirstSeenAt) {
			return entries[i].FirstSeenAt.After(entries[j].FirstSeenAt)
		}
		return entries[i].Ref.Number > entries[j].Ref.Number
	})
}
