// Package review runs a single pull-request review session: collect
// candidate issues, let the operator pick which ones to publish, submit them
// as comments, learn from what was skipped, and optionally approve.
package review

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reviewer-dev/reviewer/internal/forge"
)

var (
	ErrInvalidSelection   = errors.New("invalid selection")
	ErrInvalidTransition  = errors.New("invalid phase transition")
	ErrAlreadyApproved    = errors.New("pull request already approved in this session")
	ErrApprovalNotOffered = errors.New("approval not offered for this session")
	ErrCommitChanged      = errors.New("pull request head moved since review started")
	ErrSessionBusy        = errors.New("a review session for this pull request is already running")
)

// MaxCommentLen is the maximum length for a GitHub PR comment.
// GitHub's hard limit is ~65536; we leave headroom.
const MaxCommentLen = 60000

type Severity string

const (
	SeverityCritical   Severity = "CRITICAL"
	SeveritySuggestion Severity = "SUGGESTION"
	SeverityNitpick    Severity = "NITPICK"
)

// ParseSeverity maps the labels agents and operators use onto the three
// severities.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "blocker", "high", "error", "bug":
		return SeverityCritical, nil
	case "suggestion", "medium", "warning", "major":
		return SeveritySuggestion, nil
	case "nitpick", "nit", "low", "minor", "info", "style":
		return SeverityNitpick, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

type SubmissionState string

const (
	StatePending           SubmissionState = "PENDING"
	StateSubmitted         SubmissionState = "SUBMITTED"
	StateSubmittedFallback SubmissionState = "SUBMITTED_FALLBACK"
	StateFailed            SubmissionState = "FAILED"
	StateSkipped           SubmissionState = "SKIPPED"
)

// Terminal reports whether the state can no longer change.
func (s SubmissionState) Terminal() bool {
	return s != StatePending
}

// Issue is a candidate review comment.
type Issue struct {
	ID       int             `json:"id"`
	Severity Severity        `json:"severity"`
	FilePath string          `json:"file"`
	Line     int             `json:"line"`
	Body     string          `json:"body"`
	Category string          `json:"category,omitempty"`
	State    SubmissionState `json:"state"`
	Selected bool            `json:"selected"`
	Error    string          `json:"error,omitempty"`
}

// Location returns "path:line".
func (i Issue) Location() string {
	return fmt.Sprintf("%s:%d", i.FilePath, i.Line)
}

type Phase string

const (
	PhaseCollecting Phase = "COLLECTING"
	PhasePresenting Phase = "PRESENTING"
	PhaseSelecting  Phase = "SELECTING"
	PhaseSubmitting Phase = "SUBMITTING"
	PhaseLearning   Phase = "LEARNING"
	PhaseDone       Phase = "DONE"
	PhaseCancelled  Phase = "CANCELLED"
)

var transitions = map[Phase][]Phase{
	PhaseCollecting: {PhasePresenting, PhaseSelecting},
	PhasePresenting: {PhaseSelecting, PhaseCancelled},
	PhaseSelecting:  {PhaseSubmitting, PhaseCancelled},
	PhaseSubmitting: {PhaseLearning},
	PhaseLearning:   {PhaseDone},
}

// CanTransition reports whether from -> to is a legal phase change.
func CanTransition(from, to Phase) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseCancelled
}

// Session is one review of one pull request at one commit. Sessions are
// never reused once DONE or CANCELLED.
type Session struct {
	ID        string
	Ref       forge.Ref
	CommitID  string
	Phase     Phase
	Issues    []Issue
	Approved  bool
	CreatedAt time.Time
	UpdatedAt time.Time

	approveMu sync.Mutex
}

// NewSession starts a session in COLLECTING.
func NewSession(ref forge.Ref, commitID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		Ref:       ref,
		CommitID:  commitID,
		Phase:     PhaseCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the session to phase to.
func (s *Session) Transition(to Phase) error {
	if !CanTransition(s.Phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Phase, to)
	}
	s.Phase = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// SetIssues installs the collected issues, assigning ordinals 1..n.
func (s *Session) SetIssues(issues []Issue) error {
	if s.Phase != PhaseCollecting {
		return fmt.Errorf("%w: issues can only be set while collecting (phase %s)", ErrInvalidTransition, s.Phase)
	}
	s.Issues = make([]Issue, len(issues))
	for i, is := range issues {
		is.ID = i + 1
		is.State = StatePending
		is.Selected = false
		is.Error = ""
		if is.Severity == "" {
			is.Severity = SeveritySuggestion
		}
		s.Issues[i] = is
	}
	return nil
}

// IssuesCopy returns a copy of the issues for read-only presentation.
func (s *Session) IssuesCopy() []Issue {
	return slices.Clone(s.Issues)
}

// ApplySelection marks the chosen ordinals selected and every other pending
// issue SKIPPED.
func (s *Session) ApplySelection(sel Selection) error {
	if s.Phase != PhaseSelecting {
		return fmt.Errorf("%w: selection applies only while selecting (phase %s)", ErrInvalidTransition, s.Phase)
	}
	chosen := make(map[int]bool, len(sel.IDs))
	for _, id := range sel.IDs {
		chosen[id] = true
	}
	for i := range s.Issues {
		is := &s.Issues[i]
		if is.State.Terminal() {
			continue
		}
		if chosen[is.ID] {
			is.Selected = true
		} else {
			is.Selected = false
			is.State = StateSkipped
		}
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Pending returns pointers to selected issues that have not been submitted.
func (s *Session) Pending() []*Issue {
	var out []*Issue
	for i := range s.Issues {
		if s.Issues[i].Selected && s.Issues[i].State == StatePending {
			out = append(out, &s.Issues[i])
		}
	}
	return out
}

// ApprovalOffered reports whether approval may be offered: the session is
// DONE and no issue is CRITICAL. Every collected issue counts, in any state,
// so a CRITICAL finding that failed to post or was left unselected still
// blocks approval.
func (s *Session) ApprovalOffered() bool {
	if s.Phase != PhaseDone {
		return false
	}
	for _, is := range s.Issues {
		if is.Severity == SeverityCritical {
			return false
		}
	}
	return true
}

// Summary tallies a session's outcome.
type Summary struct {
	Ref       forge.Ref
	Phase     Phase
	Total     int
	Submitted int
	Fallback  int
	Failed    int
	Skipped   int
	Pending   int
	Critical  int
	Failures  []Issue
}

// Summarize computes the summary. Every failed issue is listed.
func (s *Session) Summarize() Summary {
	sum := Summary{Ref: s.Ref, Phase: s.Phase, Total: len(s.Issues)}
	for _, is := range s.Issues {
		if is.Severity == SeverityCritical {
			sum.Critical++
		}
		switch is.State {
		case StateSubmitted:
			sum.Submitted++
		case StateSubmittedFallback:
			sum.Fallback++
		case StateFailed:
			sum.Failed++
			sum.Failures = append(sum.Failures, is)
		case StateSkipped:
			sum.Skipped++
		default:
			sum.Pending++
		}
	}
	return sum
}
