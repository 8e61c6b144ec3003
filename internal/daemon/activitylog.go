package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reviewer-dev/reviewer/internal/config"
)

// Activity events written by the scheduler.
const (
	EventPRNew          = "pr.new"
	EventPRTriggered    = "pr.triggered"
	EventTriggerFailed  = "pr.trigger_failed"
	EventPRSeeded       = "repo.seeded"
	EventPollComplete   = "poll.complete"
	EventRepoError      = "repo.error"
	EventConfigReloaded = "config.reloaded"
)

// ActivityEntry is one line of the activity log.
type ActivityEntry struct {
	Timestamp time.Time         `json:"ts"`
	Event     string            `json:"event"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// ActivityLog appends entries to a JSONL file and keeps the most recent
// ones in a ring buffer. A nil *ActivityLog discards everything.
type ActivityLog struct {
	mu            sync.Mutex
	file          *os.File
	path          string
	logger        *zap.Logger
	recent        []ActivityEntry
	writeIdx      int
	count         int
	writeCount    int
	maxSize       int64
	checkInterval int

	now func() time.Time
}

const activityLogCapacity = 200

// maxActivityLogSize is the size past which the file is truncated.
const maxActivityLogSize = 5 * 1024 * 1024

// rotateCheckInterval is how often, in writes, the file size is checked.
const rotateCheckInterval = 500

// NewActivityLog opens (or creates) the activity log at path. An existing
// file larger than the size limit is discarded first.
func NewActivityLog(path string, logger *zap.Logger) (*ActivityLog, error) {
	return newActivityLog(path, logger, maxActivityLogSize, rotateCheckInterval)
}

func newActivityLog(path string, logger *zap.Logger, maxSize int64, checkInterval int) (*ActivityLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := removeIfOversized(path, maxSize); err != nil {
		logger.Warn("activity log: truncate failed", zap.String("path", path), zap.Error(err))
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &ActivityLog{
		file:          file,
		path:          path,
		logger:        logger,
		recent:        make([]ActivityEntry, activityLogCapacity),
		maxSize:       maxSize,
		checkInterval: checkInterval,
		now:           time.Now,
	}, nil
}

// DefaultActivityLogPath returns activity.log in the data directory.
func DefaultActivityLogPath() string {
	return filepath.Join(config.DataDir(), "activity.log")
}

// Log records an entry. details is copied.
func (a *ActivityLog) Log(event, component, message string, details map[string]string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := ActivityEntry{
		Timestamp: a.now().UTC(),
		Event:     event,
		Component: component,
		Message:   message,
		Details:   copyDetails(details),
	}
	if a.file != nil {
		if data, err := json.Marshal(entry); err == nil {
			data = append(data, '\n')
			if _, err := a.file.Write(data); err != nil {
				a.logger.Warn("activity log: write failed", zap.Error(err))
			}
		}
		a.maybeRotate()
	}

	a.recent[a.writeIdx] = entry
	a.writeIdx = (a.writeIdx + 1) % len(a.recent)
	if a.count < len(a.recent) {
		a.count++
	}
}

// Recent returns the buffered entries, newest first.
func (a *ActivityLog) Recent() []ActivityEntry {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return nil
	}
	n := len(a.recent)
	out := make([]ActivityEntry, a.count)
	idx := (a.writeIdx - 1 + n) % n
	for i := range a.count {
		e := a.recent[idx]
		e.Details = copyDetails(e.Details)
		out[i] = e
		idx = (idx - 1 + n) % n
	}
	return out
}

func (a *ActivityLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// maybeRotate truncates the file once it grows past maxSize. Callers hold
// a.mu. The file is reopened rather than truncated in place because
// Windows refuses Truncate on an O_APPEND handle.
func (a *ActivityLog) maybeRotate() {
	a.writeCount++
	if a.writeCount < a.checkInterval {
		return
	}
	a.writeCount = 0

	info, err := a.file.Stat()
	if err != nil || info.Size() <= a.maxSize {
		return
	}
	a.file.Close()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		a.logger.Warn("activity log: rotate failed, logging to buffer only", zap.Error(err))
		a.file = nil
		return
	}
	a.file = f
}

// ReadActivity returns up to n of the newest entries stored in the file at
// path, newest first. Lines that do not parse are skipped; a missing file
// yields no entries.
func ReadActivity(path string, n int) ([]ActivityEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []ActivityEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e ActivityEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func copyDetails(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	maps.Copy(cp, m)
	return cp
}

func removeIfOversized(path string, limit int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if info.Size() > limit {
		return os.Remove(path)
	}
	return nil
}
