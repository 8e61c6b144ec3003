package review

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/reviewer-dev/reviewer/internal/forge"
)

func testPR(n int) forge.PullRequest {
	return forge.PullRequest{
		Ref:     forge.Ref{Owner: "acme", Repo: "api", Number: n},
		Title:   "Add cache",
		Author:  "alice",
		HeadSHA: "abc123",
	}
}

func twoIssues() StaticCollector {
	return StaticCollector{
		{Severity: SeveritySuggestion, FilePath: "cache.go", Line: 12, Body: "consider sync.Map", Category: "performance"},
		{Severity: SeverityNitpick, FilePath: "cache.go", Line: 3, Body: "unused import fmt"},
	}
}

type engineHarness struct {
	Forge      *fakeForge
	Store      *memSessionStore
	Guidelines *memGuidelines
	Engine     *Engine
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	f := newFakeForge(testPR(10))
	store := &memSessionStore{}
	g := &memGuidelines{}
	return &engineHarness{
		Forge:      f,
		Store:      store,
		Guidelines: g,
		Engine:     &Engine{Forge: f, Store: store, Guidelines: g, Learn: true},
	}
}

func TestRunInteractiveEndToEnd(t *testing.T) {
	h := newEngineHarness(t)
	op := &scriptedOperator{
		selections: []string{"1"},
		reasons:    map[int]string{2: "unused imports"},
		confirmCat: true,
		approve:    true,
	}

	res, err := h.Engine.Run(context.Background(), testPR(10).Ref, twoIssues(), op)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := Summary{Ref: testPR(10).Ref, Phase: PhaseDone, Total: 2, Submitted: 1, Skipped: 1}
	if diff := cmp.Diff(want, res.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	if !res.Approved || h.Forge.approves != 1 {
		t.Errorf("approved=%v approve calls=%d, want one approval", res.Approved, h.Forge.approves)
	}
	if diff := cmp.Diff([]string{"unused imports"}, res.Learned); diff != "" {
		t.Errorf("learned mismatch (-want +got):\n%s", diff)
	}
	if op.presented != 1 {
		t.Errorf("presented %d times", op.presented)
	}
	wantPhases := []Phase{PhaseCollecting, PhaseSelecting, PhaseSubmitting, PhaseLearning, PhaseDone}
	if diff := cmp.Diff(wantPhases, h.Store.phases); diff != "" {
		t.Errorf("persisted phases mismatch (-want +got):\n%s", diff)
	}
	if len(h.Forge.comments) != 1 || h.Forge.comments[0].Path != "cache.go" || h.Forge.comments[0].LineNo != 12 {
		t.Errorf("comments = %+v", h.Forge.comments)
	}

	// A second session skipping the same thing learns nothing new.
	op2 := &scriptedOperator{selections: []string{"none"}, reasons: map[int]string{1: "perf", 2: "Unused Imports"}, confirmCat: true}
	res2, err := h.Engine.Run(context.Background(), testPR(10).Ref, twoIssues(), op2)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	for _, c := range op2.categoryAsked {
		if c == "unused imports" {
			t.Error("known category offered again")
		}
	}
	if len(h.Guidelines.skip) != 1+len(res2.Learned) {
		t.Errorf("guidelines = %v, learned = %v", h.Guidelines.skip, res2.Learned)
	}
}

func TestRunInvalidSelectionReprompts(t *testing.T) {
	h := newEngineHarness(t)
	op := &scriptedOperator{selections: []string{"9", "2-1", "all"}}

	res, err := h.Engine.Run(context.Background(), testPR(10).Ref, twoIssues(), op)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(op.notices) != 2 {
		t.Errorf("notices = %v, want 2 rejections", op.notices)
	}
	if res.Summary.Submitted != 2 {
		t.Errorf("submitted = %d, want 2", res.Summary.Submitted)
	}
}

func TestRunQuitCancels(t *testing.T) {
	h := newEngineHarness(t)
	op := &scriptedOperator{selections: []string{"q"}}

	res, err := h.Engine.Run(context.Background(), testPR(10).Ref, twoIssues(), op)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Session.Phase != PhaseCancelled {
		t.Errorf("phase = %s, want CANCELLED", res.Session.Phase)
	}
	if len(h.Forge.comments) != 0 {
		t.Errorf("cancelled session posted %d comments", len(h.Forge.comments))
	}
	if err := res.Session.Transition(PhaseSubmitting); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancelled session transition err = %v", err)
	}
}

func TestRunCommitChangedInvalidates(t *testing.T) {
	h := newEngineHarness(t)
	h.Forge.head = "def456"
	op := &scriptedOperator{selections: []string{"all"}}

	res, err := h.Engine.Run(context.Background(), testPR(10).Ref, twoIssues(), op)
	if !errors.Is(err, ErrCommitChanged) {
		t.Fatalf("err = %v, want ErrCommitChanged", err)
	}
	if res.Session.Phase != PhaseCancelled {
		t.Errorf("phase = %s", res.Session.Phase)
	}
	if len(h.Forge.comments) != 0 {
		t.Error("no comment may be posted against a stale commit")
	}
}

func TestRunNonInteractiveAutoSelect(t *testing.T) {
	h := newEngineHarness(t)
	h.Engine.AutoSelect = "critical"
	issues := append(twoIssues(), Issue{Severity: SeverityCritical, FilePath: "db.go", Line: 7, Body: "sql injection"})

	res, err := h.Engine.Run(context.Background(), testPR(10).Ref, issues, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary.Submitted != 1 || res.Summary.Skipped != 2 || res.Summary.Critical != 1 {
		t.Errorf("summary = %+v", res.Summary)
	}
	if res.Approved || h.Forge.approves != 0 {
		t.Error("non-interactive sessions never approve")
	}
	if len(res.Learned) != 0 {
		t.Error("non-interactive sessions never learn")
	}
}

func TestRunSuppressesSkipCategories(t *testing.T) {
	h := newEngineHarness(t)
	h.Guidelines.skip = []string{"performance"}
	op := &scriptedOperator{selections: []string{"all"}}

	res, err := h.Engine.Run(context.Background(), testPR(10).Ref, twoIssues(), op)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary.Total != 1 {
		t.Errorf("total = %d, want the performance issue suppressed", res.Summary.Total)
	}
}

func TestRunSessionBusy(t *testing.T) {
	h := newEngineHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := CollectorFunc(func(ctx context.Context, _ CollectRequest) ([]Issue, error) {
		close(entered)
		<-release
		return nil, nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := h.Engine.Run(context.Background(), testPR(10).Ref, slow, nil); err != nil {
			t.Errorf("first Run: %v", err)
		}
	}()
	<-entered
	if _, err := h.Engine.Run(context.Background(), testPR(10).Ref, twoIssues(), nil); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("concurrent Run err = %v, want ErrSessionBusy", err)
	}
	close(release)
	wg.Wait()

	if _, err := h.Engine.Run(context.Background(), testPR(10).Ref, twoIssues(), nil); err != nil {
		t.Errorf("Run after release: %v", err)
	}
}

func TestApproveOnce(t *testing.T) {
	h := newEngineHarness(t)
	sess := &Session{Ref: testPR(10).Ref, Phase: PhaseDone, Issues: []Issue{{ID: 1, Severity: SeverityNitpick, State: StateSkipped}}}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.Engine.Approve(context.Background(), sess, "")
		}(i)
	}
	wg.Wait()

	if h.Forge.approves != 1 {
		t.Fatalf("approve calls = %d, want exactly 1", h.Forge.approves)
	}
	already := 0
	for _, err := range errs {
		if errors.Is(err, ErrAlreadyApproved) {
			already++
		}
	}
	if already != 4 {
		t.Errorf("ErrAlreadyApproved count = %d, want 4", already)
	}
}

func TestApproveFailureKeepsFlag(t *testing.T) {
	h := newEngineHarness(t)
	h.Forge.approveErr = errors.New("403")
	sess := &Session{Ref: testPR(10).Ref, Phase: PhaseDone}

	if err := h.Engine.Approve(context.Background(), sess, ""); err == nil {
		t.Fatal("expected approve error")
	}
	if !sess.Approved {
		t.Error("failed approval must not clear the flag")
	}
	if err := h.Engine.Approve(context.Background(), sess, ""); !errors.Is(err, ErrAlreadyApproved) {
		t.Errorf("retry err = %v, want ErrAlreadyApproved", err)
	}
	if h.Forge.approves != 1 {
		t.Errorf("approve calls = %d", h.Forge.approves)
	}
}

func TestApprovalNotOfferedWithCritical(t *testing.T) {
	h := newEngineHarness(t)
	sess := &Session{Ref: testPR(10).Ref, Phase: PhaseDone, Issues: []Issue{{ID: 1, Severity: SeverityCritical, State: StateSubmitted}}}
	if err := h.Engine.Approve(context.Background(), sess, ""); !errors.Is(err, ErrApprovalNotOffered) {
		t.Fatalf("err = %v, want ErrApprovalNotOffered", err)
	}
	notDone := &Session{Ref: testPR(10).Ref, Phase: PhaseSubmitting}
	if err := h.Engine.Approve(context.Background(), notDone, ""); !errors.Is(err, ErrApprovalNotOffered) {
		t.Fatalf("err = %v, want ErrApprovalNotOffered before DONE", err)
	}
}

func TestResumeSkipsTerminalIssues(t *testing.T) {
	h := newEngineHarness(t)
	sess := &Session{
		ID: "s1", Ref: testPR(10).Ref, CommitID: "abc123", Phase: PhaseSubmitting,
		Issues: []Issue{
			{ID: 1, FilePath: "a.go", Line: 1, Severity: SeverityNitpick, Selected: true, State: StateSubmitted},
			{ID: 2, FilePath: "b.go", Line: 2, Severity: SeverityNitpick, Selected: true, State: StatePending},
			{ID: 3, FilePath: "c.go", Line: 3, Severity: SeverityNitpick, State: StateSkipped},
		},
	}

	res, err := h.Engine.Resume(context.Background(), sess, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(h.Forge.comments) != 1 || h.Forge.comments[0].Path != "b.go" {
		t.Errorf("comments = %+v, want only b.go", h.Forge.comments)
	}
	if res.Session.Phase != PhaseDone || res.Summary.Submitted != 2 {
		t.Errorf("phase=%s summary=%+v", res.Session.Phase, res.Summary)
	}
}

func TestResumeAfterHeadMovedPostsNothing(t *testing.T) {
	h := newEngineHarness(t)
	h.Forge.head = "def456"
	sess := &Session{
		ID: "s1", Ref: testPR(10).Ref, CommitID: "abc123", Phase: PhaseSubmitting,
		Issues: []Issue{
			{ID: 1, FilePath: "a.go", Line: 1, Severity: SeverityNitpick, Selected: true, State: StateSubmitted},
			{ID: 2, FilePath: "b.go", Line: 2, Severity: SeverityCritical, Selected: true, State: StatePending},
		},
	}

	res, err := h.Engine.Resume(context.Background(), sess, nil)
	if !errors.Is(err, ErrCommitChanged) {
		t.Fatalf("err = %v, want ErrCommitChanged", err)
	}
	if len(h.Forge.comments) != 0 {
		t.Errorf("comments = %+v, want none against a stale commit", h.Forge.comments)
	}
	if res.Session.Phase != PhaseDone {
		t.Errorf("phase = %s, want %s so the session is not resumed again", res.Session.Phase, PhaseDone)
	}
	if res.Summary.Submitted != 1 || res.Summary.Failed != 1 {
		t.Errorf("summary = %+v, want 1 submitted 1 failed", res.Summary)
	}
	if got := sess.Issues[1]; got.State != StateFailed || !strings.Contains(got.Error, "head is now") {
		t.Errorf("issue 2 = %+v", got)
	}
}

func TestSubmissionStopsBetweenItemsOnCancel(t *testing.T) {
	h := newEngineHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		Ref: testPR(10).Ref, CommitID: "abc123", Phase: PhaseSubmitting,
		Issues: []Issue{
			{ID: 1, FilePath: "a.go", Line: 1, Selected: true, State: StatePending},
			{ID: 2, FilePath: "b.go", Line: 2, Selected: true, State: StatePending},
		},
	}
	cancel()
	_, err := h.Engine.Resume(ctx, sess, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if sess.Phase != PhaseSubmitting || len(sess.Pending()) != 2 {
		t.Errorf("session should stay resumable, phase=%s pending=%d", sess.Phase, len(sess.Pending()))
	}
}

func TestTransitions(t *testing.T) {
	legal := [][2]Phase{
		{PhaseCollecting, PhasePresenting},
		{PhaseCollecting, PhaseSelecting},
		{PhasePresenting, PhaseSelecting},
		{PhasePresenting, PhaseCancelled},
		{PhaseSelecting, PhaseSubmitting},
		{PhaseSelecting, PhaseCancelled},
		{PhaseSubmitting, PhaseLearning},
		{PhaseLearning, PhaseDone},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be legal", tr[0], tr[1])
		}
	}
	illegal := [][2]Phase{
		{PhaseCollecting, PhaseSubmitting},
		{PhaseSubmitting, PhaseCancelled},
		{PhaseDone, PhaseCollecting},
		{PhaseCancelled, PhaseSelecting},
		{PhaseLearning, PhaseCancelled},
	}
	for _, tr := range illegal {
		s := &Session{Phase: tr[0]}
		if err := s.Transition(tr[1]); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s err = %v, want ErrInvalidTransition", tr[0], tr[1], err)
		}
	}
}
