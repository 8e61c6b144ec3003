package review

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/reviewer-dev/reviewer/internal/forge"
)

type postedComment struct {
	Line   bool
	Path   string
	LineNo int
	Commit string
	Body   string
}

// fakeForge is an in-memory forge.Client. Line comments for paths in
// failLine fail; general comments fail when failGeneral is set.
type fakeForge struct {
	mu          sync.Mutex
	prs         map[string]*forge.PullRequest
	diff        string
	head        string
	failLine    map[string]bool
	failGeneral bool
	approveErr  error

	comments []postedComment
	approves int
	merges   []forge.MergeStrategy
	closed   []string
}

func newFakeForge(prs ...forge.PullRequest) *fakeForge {
	f := &fakeForge{prs: map[string]*forge.PullRequest{}, failLine: map[string]bool{}}
	for i := range prs {
		pr := prs[i]
		f.prs[pr.Key()] = &pr
		f.head = pr.HeadSHA
	}
	return f
}

func (f *fakeForge) CurrentUser(context.Context) (string, error) { return "me", nil }

func (f *fakeForge) ListOpenPullRequests(_ context.Context, repo string, _ bool) ([]forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []forge.PullRequest
	for _, pr := range f.prs {
		if pr.FullName() == repo {
			out = append(out, *pr)
		}
	}
	return out, nil
}

func (f *fakeForge) GetPullRequest(_ context.Context, ref forge.Ref) (*forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[ref.Key()]
	if !ok {
		return nil, fmt.Errorf("%s not found", ref)
	}
	cp := *pr
	return &cp, nil
}

func (f *fakeForge) HeadCommit(_ context.Context, ref forge.Ref) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeForge) GetDiff(context.Context, forge.Ref) (string, error) {
	if f.diff == "" {
		return "", errors.New("no diff")
	}
	return f.diff, nil
}

func (f *fakeForge) ChangedFiles(context.Context, forge.Ref) ([]string, error) { return nil, nil }

func (f *fakeForge) PostLineComment(_ context.Context, _ forge.Ref, commitID, path string, line int, _ forge.Side, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLine[path] {
		return errors.New("422 line not in diff")
	}
	f.comments = append(f.comments, postedComment{Line: true, Path: path, LineNo: line, Commit: commitID, Body: body})
	return nil
}

func (f *fakeForge) PostGeneralComment(_ context.Context, _ forge.Ref, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGeneral {
		return errors.New("502 bad gateway")
	}
	f.comments = append(f.comments, postedComment{Body: body})
	return nil
}

func (f *fakeForge) Approve(context.Context, forge.Ref, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approves++
	return f.approveErr
}

func (f *fakeForge) CloseWithComment(_ context.Context, ref forge.Ref, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, ref.Key())
	return nil
}

func (f *fakeForge) Merge(_ context.Context, _ forge.Ref, s forge.MergeStrategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges = append(f.merges, s)
	return nil
}

// scriptedOperator answers prompts from fixed scripts.
type scriptedOperator struct {
	selections []string
	reasons    map[int]string
	confirmCat bool
	approve    bool

	presented     int
	notices       []string
	approvalAsked int
	categoryAsked []string
}

func (o *scriptedOperator) Present(forge.PullRequest, []Issue) { o.presented++ }

func (o *scriptedOperator) Select(context.Context, []Issue) (string, error) {
	if len(o.selections) == 0 {
		return "", errors.New("no more input")
	}
	s := o.selections[0]
	o.selections = o.selections[1:]
	return s, nil
}

func (o *scriptedOperator) Notify(msg string) { o.notices = append(o.notices, msg) }

func (o *scriptedOperator) SkipReason(_ context.Context, is Issue) (string, error) {
	return o.reasons[is.ID], nil
}

func (o *scriptedOperator) ConfirmCategory(_ context.Context, c string) (bool, error) {
	o.categoryAsked = append(o.categoryAsked, c)
	return o.confirmCat, nil
}

func (o *scriptedOperator) ConfirmApproval(context.Context, Summary) (bool, error) {
	o.approvalAsked++
	return o.approve, nil
}

// memSessionStore records every persisted phase.
type memSessionStore struct {
	phases []Phase
	saves  int
}

func (m *memSessionStore) SaveSession(s *Session) error {
	m.saves++
	if len(m.phases) == 0 || m.phases[len(m.phases)-1] != s.Phase {
		m.phases = append(m.phases, s.Phase)
	}
	return nil
}
