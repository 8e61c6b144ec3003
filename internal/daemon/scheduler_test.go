package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/reviewer-dev/reviewer/internal/config"
	"github.com/reviewer-dev/reviewer/internal/forge"
	"github.com/reviewer-dev/reviewer/internal/ledger"
	"github.com/reviewer-dev/reviewer/internal/storage"
)

// fakeForge serves open pull requests per repository. Only the listing
// side of forge.Client matters to the scheduler.
type fakeForge struct {
	mu         sync.Mutex
	open       map[string][]forge.PullRequest
	listErr    map[string]error
	changed    map[string][]string
	changedErr map[string]error
	user       string

	// listHook runs inside ListOpenPullRequests before it returns.
	listHook func(repo string)
	lists    int
}

func newFakeForge() *fakeForge {
	return &fakeForge{
		open:       map[string][]forge.PullRequest{},
		listErr:    map[string]error{},
		changed:    map[string][]string{},
		changedErr: map[string]error{},
		user:       "me",
	}
}

func (f *fakeForge) setOpen(repo string, prs ...forge.PullRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[repo] = prs
}

func (f *fakeForge) CurrentUser(context.Context) (string, error) { return f.user, nil }

func (f *fakeForge) ListOpenPullRequests(_ context.Context, repo string, _ bool) ([]forge.PullRequest, error) {
	f.mu.Lock()
	f.lists++
	hook := f.listHook
	err := f.listErr[repo]
	prs := append([]forge.PullRequest(nil), f.open[repo]...)
	f.mu.Unlock()
	if hook != nil {
		hook(repo)
	}
	if err != nil {
		return nil, err
	}
	return prs, nil
}

func (f *fakeForge) ChangedFiles(_ context.Context, ref forge.Ref) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.changedErr[ref.Key()]; err != nil {
		return nil, err
	}
	return f.changed[ref.Key()], nil
}

func (f *fakeForge) GetPullRequest(context.Context, forge.Ref) (*forge.PullRequest, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeForge) HeadCommit(context.Context, forge.Ref) (string, error) { return "", nil }
func (f *fakeForge) GetDiff(context.Context, forge.Ref) (string, error)    { return "", nil }
func (f *fakeForge) PostLineComment(context.Context, forge.Ref, string, string, int, forge.Side, string) error {
	return nil
}
func (f *fakeForge) PostGeneralComment(context.Context, forge.Ref, string) error { return nil }
func (f *fakeForge) Approve(context.Context, forge.Ref, string) error            { return nil }
func (f *fakeForge) CloseWithComment(context.Context, forge.Ref, string) error   { return nil }
func (f *fakeForge) Merge(context.Context, forge.Ref, forge.MergeStrategy) error { return nil }

type memCounters struct {
	mu    sync.Mutex
	c     storage.Counters
	saves int
}

func (m *memCounters) LoadCounters() (storage.Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.c, nil
}

func (m *memCounters) SaveCounters(c storage.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c = c
	m.saves++
	return nil
}

func pr(repo string, n int) forge.PullRequest {
	owner, name, _ := forge.SplitRepo(repo)
	return forge.PullRequest{
		Ref:     forge.Ref{Owner: owner, Repo: name, Number: n},
		Title:   fmt.Sprintf("change %d", n),
		Author:  "alice",
		HeadSHA: fmt.Sprintf("sha%d", n),
	}
}

type schedulerHarness struct {
	Cfg      *config.Config
	Forge    *fakeForge
	Store    *ledger.MemoryStore
	Ledger   *ledger.Ledger
	Counters *memCounters
	Activity *ActivityLog
	Sched    *Scheduler

	mu         sync.Mutex
	triggered  []string
	triggerErr map[string]error
}

func newSchedulerHarness(t *testing.T, repos ...string) *schedulerHarness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Daemon.Initialized = true
	cfg.Daemon.Repos = repos

	al, err := NewActivityLog(filepath.Join(t.TempDir(), "activity.log"), nil)
	if err != nil {
		t.Fatalf("NewActivityLog: %v", err)
	}
	t.Cleanup(func() { al.Close() })

	h := &schedulerHarness{
		Cfg:        cfg,
		Forge:      newFakeForge(),
		Store:      &ledger.MemoryStore{},
		Counters:   &memCounters{},
		Activity:   al,
		triggerErr: map[string]error{},
	}
	h.Ledger = ledger.Open(h.Store, nil)
	h.Sched = h.newScheduler(0)
	return h
}

func (h *schedulerHarness) newScheduler(interval time.Duration) *Scheduler {
	return NewScheduler(SchedulerOptions{
		Config:       NewStaticConfig(h.Cfg),
		Forge:        h.Forge,
		Ledger:       h.Ledger,
		Trigger:      h.trigger,
		Counters:     h.Counters,
		Activity:     h.Activity,
		PollInterval: interval,
	})
}

func (h *schedulerHarness) trigger(_ context.Context, pr forge.PullRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.triggered = append(h.triggered, pr.Key())
	return h.triggerErr[pr.Key()]
}

func (h *schedulerHarness) Triggered() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.triggered...)
}

// seedEmpty marks repos as initialized with no open pull requests, so the
// next poll triggers everything it finds.
func (h *schedulerHarness) seedEmpty(t *testing.T, repos ...string) {
	t.Helper()
	for _, r := range repos {
		if _, err := h.Ledger.Seed(r, nil); err != nil {
			t.Fatalf("Seed %s: %v", r, err)
		}
	}
}

func (h *schedulerHarness) runOnce(t *testing.T) PollSummary {
	t.Helper()
	sum, err := h.Sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return sum
}

func TestSchedulerNotInitialized(t *testing.T) {
	h := newSchedulerHarness(t, "acme/api")
	h.Cfg.Daemon.Initialized = false

	if _, err := h.Sched.RunOnce(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("RunOnce err = %v, want ErrNotInitialized", err)
	}
	if err := h.Sched.Start(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Start err = %v, want ErrNotInitialized", err)
	}
	if err := h.Sched.Run(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Run err = %v, want ErrNotInitialized", err)
	}
}

func TestSchedulerFirstPollSeeds(t *testing.T) {
	h := newSchedulerHarness(t, "acme/api")
	h.Forge.setOpen("acme/api", pr("acme/api", 1), pr("acme/api", 2))

	sum := h.runOnce(t)
	if sum.Seeded != 2 || sum.NewPRs != 0 || len(h.Triggered()) != 0 {
		t.Fatalf("first poll = %+v, triggered %v", sum, h.Triggered())
	}
	if !h.Ledger.IsSeeded("acme/api") {
		t.Error("scope should be seeded")
	}

	h.Forge.setOpen("acme/api", pr("acme/api", 1), pr("acme/api", 2), pr("acme/api", 3))
	sum = h.runOnce(t)
	if sum.NewPRs != 1 || sum.Triggered != 1 {
		t.Errorf("second poll = %+v", sum)
	}
	if diff := cmp.Diff([]string{"acme/api#3"}, h.Triggered()); diff != "" {
		t.Errorf("triggered mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulerTriggersOnlyNewPullRequests(t *testing.T) {
	h := newSchedulerHarness(t, "acme/api")
	h.seedEmpty(t, "acme/api")

	h.Forge.setOpen("acme/api", pr("acme/api", 10), pr("acme/api", 11))
	sum := h.runOnce(t)
	if sum.NewPRs != 2 || sum.Triggered != 2 || sum.OpenPRs != 2 || sum.MonitoredRepos != 1 {
		t.Fatalf("cycle 1 = %+v", sum)
	}

	// Head commit moves on #10; that never re-triggers.
	moved := pr("acme/api", 10)
	moved.HeadSHA = "newsha"
	h.Forge.setOpen("acme/api", moved, pr("acme/api", 11), pr("acme/api", 12))
	sum = h.runOnce(t)
	if sum.NewPRs != 1 {
		t.Fatalf("cycle 2 = %+v", sum)
	}

	want := []string{"acme/api#10", "acme/api#11", "acme/api#12"}
	if diff := cmp.Diff(want, h.Triggered()); diff != "" {
		t.Errorf("triggered mismatch (-want +got):\n%s", diff)
	}
	if e, _ := h.Ledger.Get(moved.Ref); e.LastCommit != "newsha" {
		t.Errorf("last commit = %q, want newsha", e.LastCommit)
	}

	if sum := h.runOnce(t); sum.NewPRs != 0 || len(h.Triggered()) != 3 {
		t.Errorf("cycle 3 = %+v", sum)
	}
}

func TestSchedulerRecordsTriggerFailure(t *testing.T) {
	h := newSchedulerHarness(t, "acme/api")
	h.seedEmpty(t, "acme/api")
	h.triggerErr["acme/api#5"] = errors.New("no terminal")
	h.Forge.setOpen("acme/api", pr("acme/api", 5), pr("acme/api", 6))

	sum := h.runOnce(t)
	if sum.Triggered != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	e, ok := h.Ledger.Get(pr("acme/api", 5).Ref)
	if !ok || e.TriggerStatus != ledger.StatusFailed || e.LastError != "no terminal" {
		t.Errorf("entry = %+v", e)
	}

	// A failed trigger is not retried.
	h.runOnce(t)
	if got := len(h.Triggered()); got != 2 {
		t.Errorf("triggered %d times, want 2", got)
	}

	var events []string
	for _, a := range h.Activity.Recent() {
		events = append(events, a.Event)
	}
	joined := strings.Join(events, ",")
	for _, want := range []string{EventPRNew, EventPRTriggered, EventTriggerFailed, EventPollComplete} {
		if !strings.Contains(joined, want) {
			t.Errorf("activity %v missing %s", events, want)
		}
	}
}

func TestSchedulerIsolatesRepoErrors(t *testing.T) {
	h := newSchedulerHarness(t, "acme/api", "acme/web")
	h.seedEmpty(t, "acme/api", "acme/web")
	h.Forge.listErr["acme/api"] = errors.New("HTTP 502")
	h.Forge.setOpen("acme/web", pr("acme/web", 1))

	sum := h.runOnce(t)
	if sum.RepoErrors != 1 || sum.Triggered != 1 || sum.MonitoredRepos != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	c := h.Sched.Counters()
	if c.PollCount != 1 || c.LastPollAt == nil || !strings.Contains(c.LastError, "acme/api: HTTP 502") {
		t.Errorf("counters = %+v", c)
	}
	if h.Counters.saves != 1 {
		t.Errorf("counter saves = %d, want 1", h.Counters.saves)
	}

	// A repository that never answered is seeded once it does, not
	// flooded with triggers.
	h2 := newSchedulerHarness(t, "acme/new")
	h2.Forge.listErr["acme/new"] = errors.New("timeout")
	h2.runOnce(t)
	if h2.Ledger.IsSeeded("acme/new") {
		t.Error("failed fetch must not seed the scope")
	}
}

func TestSchedulerSkipOwn(t *testing.T) {
	mine := pr("acme/api", 1)
	mine.Author = "Me"
	approved := pr("acme/api", 2)
	approved.ApprovedBy = []string{"me"}
	other := pr("acme/api", 3)

	t.Run("enabled", func(t *testing.T) {
		h := newSchedulerHarness(t, "acme/api")
		h.seedEmpty(t, "acme/api")
		h.Forge.setOpen("acme/api", mine, approved, other)
		h.runOnce(t)
		if diff := cmp.Diff([]string{"acme/api#3"}, h.Triggered()); diff != "" {
			t.Errorf("triggered mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		h := newSchedulerHarness(t, "acme/api")
		h.Cfg.Daemon.SkipOwn = false
		h.seedEmpty(t, "acme/api")
		h.Forge.setOpen("acme/api", mine, approved, other)
		h.runOnce(t)
		if got := len(h.Triggered()); got != 3 {
			t.Errorf("triggered %d, want 3", got)
		}
	})
}

func TestSchedulerSubpathFilter(t *testing.T) {
	h := newSchedulerHarness(t, "acme/api")
	h.Cfg.Daemon.RepoSubpathFilters = map[string][]string{"acme/api": {"/services/api/"}}
	h.seedEmpty(t, "acme/api")

	inside, sibling, unknown := pr("acme/api", 1), pr("acme/api", 2), pr("acme/api", 3)
	h.Forge.changed[inside.Key()] = []string{"README.md", "services/api/main.go"}
	h.Forge.changed[sibling.Key()] = []string{"services/apiary/main.go"}
	h.Forge.changedErr[unknown.Key()] = errors.New("rate limited")
	h.Forge.setOpen("acme/api", inside, sibling, unknown)

	sum := h.runOnce(t)
	if sum.OpenPRs != 2 {
		t.Errorf("open after filter = %d, want 2", sum.OpenPRs)
	}
	want := []string{"acme/api#1", "acme/api#3"}
	if diff := cmp.Diff(want, h.Triggered()); diff != "" {
		t.Errorf("triggered mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulerBoundsConcurrentFetches(t *testing.T) {
	repos := []string{"acme/a", "acme/b", "acme/c", "acme/d", "acme/e", "acme/f"}
	h := newSchedulerHarness(t, repos...)
	h.Cfg.Daemon.MaxConcurrentFetches = 2

	var inflight, peak atomic.Int32
	h.Forge.listHook = func(string) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
	}

	sum := h.runOnce(t)
	if sum.MonitoredRepos != len(repos) {
		t.Errorf("monitored = %d", sum.MonitoredRepos)
	}
	if p := peak.Load(); p > 2 || p < 1 {
		t.Errorf("peak concurrent fetches = %d, want 1..2", p)
	}
}

func TestSchedulerRejectsConcurrentCycles(t *testing.T) {
	h := newSchedulerHarness(t, "acme/api")
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.Forge.listHook = func(string) {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.Sched.RunOnce(context.Background())
		done <- err
	}()
	<-entered

	if _, err := h.Sched.RunOnce(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("second RunOnce err = %v, want ErrCycleInProgress", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first RunOnce: %v", err)
	}
}

func TestSchedulerCancelledContext(t *testing.T) {
	h := newSchedulerHarness(t, "acme/api")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Sched.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if h.Forge.lists != 0 {
		t.Errorf("cancelled cycle listed %d repos", h.Forge.lists)
	}
}

func TestSchedulerLedgerSurvivesRestart(t *testing.T) {
	h := newSchedulerHarness(t, "acme/api")
	h.seedEmpty(t, "acme/api")
	h.Forge.setOpen("acme/api", pr("acme/api", 1))
	h.runOnce(t)

	// A new ledger over the same store knows #1.
	h.Ledger = ledger.Open(h.Store, nil)
	h.Sched = h.newScheduler(0)
	h.Forge.setOpen("acme/api", pr("acme/api", 1), pr("acme/api", 2))
	h.runOnce(t)

	if diff := cmp.Diff([]string{"acme/api#1", "acme/api#2"}, h.Triggered()); diff != "" {
		t.Errorf("triggered mismatch (-want +got):\n%s", diff)
	}
	if c := h.Sched.Counters(); c.PollCount != 2 {
		t.Errorf("poll count after restart = %d, want 2", c.PollCount)
	}
}

func TestSchedulerSeedAll(t *testing.T) {
	h := newSchedulerHarness(t, "acme/api", "acme/web")
	h.seedEmpty(t, "acme/web")
	h.Forge.setOpen("acme/api", pr("acme/api", 1), pr("acme/api", 2))
	h.Forge.setOpen("acme/web", pr("acme/web", 9))

	n, err := h.Sched.SeedAll(context.Background())
	if err != nil {
		t.Fatalf("SeedAll: %v", err)
	}
	if n != 2 {
		t.Errorf("seeded %d, want 2 (acme/web was already initialized)", n)
	}
	if sum := h.runOnce(t); sum.NewPRs != 1 || h.Triggered()[0] != "acme/web#9" {
		t.Errorf("poll after seeding = %+v, triggered %v", sum, h.Triggered())
	}
}

func TestSchedulerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newSchedulerHarness(t, "acme/api")
	h.seedEmpty(t, "acme/api")
	h.Forge.setOpen("acme/api", pr("acme/api", 1))
	s := h.newScheduler(10 * time.Millisecond)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Counters().PollCount < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if c := s.Counters(); c.PollCount < 3 {
		t.Errorf("poll count = %d, want at least 3", c.PollCount)
	}
	if got := h.Triggered(); len(got) != 1 {
		t.Errorf("triggered = %v, want exactly one", got)
	}
}

func TestSchedulerRunForeground(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newSchedulerHarness(t, "acme/api")
	s := h.newScheduler(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Counters().PollCount < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMonitoredRepos(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Daemon.Repos = []string{"acme/web", "Acme/API", "acme/api", " ", "acme/old"}
	cfg.Daemon.ExcludeRepos = []string{"ACME/old"}

	got := MonitoredRepos(cfg)
	sort.Strings(got)
	if diff := cmp.Diff([]string{"Acme/API", "acme/web"}, got); diff != "" {
		t.Errorf("MonitoredRepos mismatch (-want +got):\n%s", diff)
	}
}

func TestPathInSubpath(t *testing.T) {
	tests := []struct {
		path, subpath string
		want          bool
	}{
		{"services/api/main.go", "services/api", true},
		{"/services/api/main.go", "services/api", true},
		{"services/api", "services/api", true},
		{"services/apiary/main.go", "services/api", false},
		{"docs/services/api/x.md", "services/api", false},
		{"services", "services/api", false},
	}
	for _, tt := range tests {
		if got := pathInSubpath(tt.path, tt.subpath); got != tt.want {
			t.Errorf("pathInSubpath(%q, %q) = %v, want %v", tt.path, tt.subpath, got, tt.want)
		}
	}
}
