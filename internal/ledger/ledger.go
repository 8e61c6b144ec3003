// Package ledger records which pull requests a watcher has already seen so
// that each one triggers a review at most once. Head commit changes never
// re-trigger; review outcome never affects triggering.
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reviewer-dev/reviewer/internal/forge"
)

// Status is the trigger outcome recorded for an entry.
type Status string

const (
	StatusPending Status = ""
	StatusSeeded  Status = "seeded"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Entry is the ledger record for one pull request.
type Entry struct {
	Ref           forge.Ref
	LastCommit    string
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
	TriggeredAt   *time.Time
	TriggerStatus Status
	ReviewedAt    *time.Time
	LastError     string
}

// State is what a Store persists: every entry ever seen, keyed by
// Ref.Key(), plus the scopes (repositories) that have been seeded.
type State struct {
	Entries map[string]*Entry
	Scopes  map[string]time.Time
}

// NewState returns an empty state.
func NewState() State {
	return State{Entries: map[string]*Entry{}, Scopes: map[string]time.Time{}}
}

// Store persists ledger state. Load returns an error when the persisted
// state is unreadable; the ledger then starts empty. Save receives only the
// entries changed since the last successful save and must leave other
// persisted entries untouched.
type Store interface {
	Load() (State, error)
	Save(State) error
}

// Counts summarizes trigger outcomes.
type Counts struct {
	Total   int
	Seeded  int
	Success int
	Failed  int
	Pending int
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	state     State
	store     Store
	logger    *zap.Logger
	recovered bool
	// dirty holds the keys changed since the last successful save.
	dirty map[string]struct{}

	now func() time.Time
}

// Open loads the ledger from store. Unreadable state is discarded: the
// ledger starts empty and Recovered reports true.
func Open(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{store: store, logger: logger, dirty: map[string]struct{}{}, now: time.Now}

	state, err := store.Load()
	if err != nil {
		logger.Error("ledger: persisted state unreadable, starting empty; previously seen pull requests may trigger again",
			zap.Error(err))
		state = NewState()
		l.recovered = true
	}
	if state.Entries == nil {
		state.Entries = map[string]*Entry{}
	}
	if state.Scopes == nil {
		state.Scopes = map[string]time.Time{}
	}
	l.state = state
	return l
}

// Recovered reports whether Open discarded unreadable state.
func (l *Ledger) Recovered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recovered
}

// Observe returns the pull requests that were not present before, in input
// order with duplicates collapsed, then marks every input present. Entries
// already present get their last-seen time and commit refreshed. The
// returned refs are valid even when persisting fails.
func (l *Ledger) Observe(prs []forge.PullRequest) ([]forge.Ref, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var fresh []forge.Ref
	for _, pr := range prs {
		key := pr.Key()
		l.dirty[key] = struct{}{}
		if e, ok := l.state.Entries[key]; ok {
			e.LastSeenAt = now
			if pr.HeadSHA != "" {
				e.LastCommit = pr.HeadSHA
			}
			continue
		}
		l.state.Entries[key] = &Entry{
			Ref:         pr.Ref,
			LastCommit:  pr.HeadSHA,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
		fresh = append(fresh, pr.Ref)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return fresh, l.saveLocked()
}

// Seed records every pull request as already seen, without triggering, the
// first time scope is polled. Seeding an initialized scope is a no-op. It
// returns how many entries were added.
func (l *Ledger) Seed(scope string, prs []forge.PullRequest) (int, error) {
	scope = normalizeScope(scope)
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.state.Scopes[scope]; ok {
		return 0, nil
	}
	now := l.now()
	added := 0
	for _, pr := range prs {
		key := pr.Key()
		if _, ok := l.state.Entries[key]; ok {
			continue
		}
		l.state.Entries[key] = &Entry{
			Ref:           pr.Ref,
			LastCommit:    pr.HeadSHA,
			FirstSeenAt:   now,
			LastSeenAt:    now,
			TriggerStatus: StatusSeeded,
		}
		l.dirty[key] = struct{}{}
		added++
	}
	l.state.Scopes[scope] = now
	return added, l.saveLocked()
}

// IsSeeded reports whether scope has been initialized.
func (l *Ledger) IsSeeded(scope string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.state.Scopes[normalizeScope(scope)]
	return ok
}

// Scopes returns the initialized scopes, sorted.
func (l *Ledger) Scopes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	scopes := make([]string, 0, len(l.state.Scopes))
	for s := range l.state.Scopes {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return scopes
}

// RecordTrigger stores the outcome of triggering a review for ref.
func (l *Ledger) RecordTrigger(ref forge.Ref, triggerErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(ref)
	l.dirty[ref.Key()] = struct{}{}
	now := l.now()
	e.TriggeredAt = &now
	if triggerErr != nil {
		e.TriggerStatus = StatusFailed
		e.LastError = triggerErr.Error()
	} else {
		e.TriggerStatus = StatusSuccess
		e.LastError = ""
	}
	return l.saveLocked()
}

// MarkReviewed records that a review session concluded for ref. It is
// idempotent: the first review time is kept. Unknown refs are inserted as
// seen so they never trigger later.
func (l *Ledger) MarkReviewed(ref forge.Ref) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(ref)
	if e.ReviewedAt != nil {
		return nil
	}
	now := l.now()
	e.ReviewedAt = &now
	l.dirty[ref.Key()] = struct{}{}
	return l.saveLocked()
}

// Get returns a copy of the entry for ref.
func (l *Ledger) Get(ref forge.Ref) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.state.Entries[ref.Key()]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns copies of all entries sorted by key.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := make([]Entry, 0, len(l.state.Entries))
	for _, e := range l.state.Entries {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Ref.Key() < entries[j].Ref.Key()
	})
	return entries
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.state.Entries)
}

// Counts tallies entries by trigger status.
func (l *Ledger) Counts() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	var c Counts
	for _, e := range l.state.Entries {
		c.Total++
		switch e.TriggerStatus {
		case StatusSeeded:
			c.Seeded++
		case StatusSuccess:
			c.Success++
		case StatusFailed:
			c.Failed++
		default:
			c.Pending++
		}
	}
	return c
}

// entryLocked returns the entry for ref, inserting a seen entry if absent.
func (l *Ledger) entryLocked(ref forge.Ref) *Entry {
	key := ref.Key()
	if e, ok := l.state.Entries[key]; ok {
		return e
	}
	now := l.now()
	e := &Entry{Ref: ref, FirstSeenAt: now, LastSeenAt: now}
	l.state.Entries[key] = e
	return e
}

// saveLocked persists the dirty entries and every scope. Keys stay dirty
// when the save fails so the next save retries them.
func (l *Ledger) saveLocked() error {
	if err := l.store.Save(l.changesLocked()); err != nil {
		l.logger.Error("ledger: persist failed", zap.Error(err))
		return fmt.Errorf("persist ledger: %w", err)
	}
	clear(l.dirty)
	return nil
}

// changesLocked copies the dirty entries so stores never alias ledger memory.
func (l *Ledger) changesLocked() State {
	out := NewState()
	for key := range l.dirty {
		if e, ok := l.state.Entries[key]; ok {
			cp := *e
			out.Entries[key] = &cp
		}
	}
	for k, v := range l.state.Scopes {
		out.Scopes[k] = v
	}
	return out
}

func normalizeScope(scope string) string {
	return strings.ToLower(strings.TrimSpace(scope))
}

// MemoryStore keeps state in memory. It is used by tests and by one-shot
// commands that must not touch the daemon's store.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
	saves int

	// LoadErr, when set, is returned by Load.
	LoadErr error
	// SaveErr, when set, is returned by Save.
	SaveErr error
}

func (m *MemoryStore) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return State{}, m.LoadErr
	}
	if m.state == nil {
		return NewState(), nil
	}
	return copyState(*m.state), nil
}

// Save merges s into the stored state.
func (m *MemoryStore) Save(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if m.state == nil {
		st := NewState()
		m.state = &st
	}
	cp := copyState(s)
	for k, e := range cp.Entries {
		m.state.Entries[k] = e
	}
	for k, v := range cp.Scopes {
		m.state.Scopes[k] = v
	}
	m.saves++
	return nil
}

// Saves returns how many successful saves happened.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func copyState(s State) State {
	out := NewState()
	for k, e := range s.Entries {
		cp := *e
		out.Entries[k] = &cp
	}
	for k, v := range s.Scopes {
		out.Scopes[k] = v
	}
	return out
}
