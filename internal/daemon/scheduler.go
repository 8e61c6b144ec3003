// Package daemon watches repositories for newly opened pull requests and
// triggers a review for each one exactly once.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reviewer-dev/reviewer/internal/config"
	"github.com/reviewer-dev/reviewer/internal/forge"
	"github.com/reviewer-dev/reviewer/internal/ledger"
	"github.com/reviewer-dev/reviewer/internal/logging"
	"github.com/reviewer-dev/reviewer/internal/storage"
)

var (
	// ErrNotInitialized is returned when the watcher has not been set up
	// with `reviewer daemon init`.
	ErrNotInitialized = errors.New("daemon is not initialized; run `reviewer daemon init` first")
	// ErrCycleInProgress is returned by RunOnce while another cycle runs.
	ErrCycleInProgress = errors.New("poll cycle already in progress")
)

// Trigger starts a review for a newly observed pull request. It is never
// cancelled part way: the scheduler hands it a context that outlives
// shutdown requests.
type Trigger func(ctx context.Context, pr forge.PullRequest) error

// CounterStore checkpoints the poll counters.
type CounterStore interface {
	LoadCounters() (storage.Counters, error)
	SaveCounters(storage.Counters) error
}

// PollSummary reports one poll cycle.
type PollSummary struct {
	MonitoredRepos int
	OpenPRs        int
	NewPRs         int
	Seeded         int
	Triggered      int
	Failed         int
	RepoErrors     int
}

// SchedulerOptions wires a Scheduler. Config, Forge, Ledger and Trigger
// are required.
type SchedulerOptions struct {
	Config   ConfigGetter
	Forge    forge.Client
	Ledger   *ledger.Ledger
	Trigger  Trigger
	Counters CounterStore
	Activity *ActivityLog
	Logger   *zap.Logger
	// PollInterval overrides daemon.poll_interval_sec when positive.
	PollInterval time.Duration
}

// Scheduler polls the hosting service and triggers reviews for pull
// requests the ledger has not seen.
type Scheduler struct {
	cfgGetter ConfigGetter
	forge     forge.Client
	ledger    *ledger.Ledger
	trigger   Trigger
	counters  CounterStore
	activity  *ActivityLog
	logger    *zap.Logger
	interval  time.Duration

	// Test seams. Nil means the real implementation.
	reposFn func(*config.Config) []string
	nowFn   func() time.Time

	mu         sync.Mutex
	running    bool
	polling    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	cancelFunc context.CancelFunc
	state      storage.Counters
	user       string
}

// NewScheduler builds a scheduler and loads its persisted counters.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	s := &Scheduler{
		cfgGetter: opts.Config,
		forge:     opts.Forge,
		ledger:    opts.Ledger,
		trigger:   opts.Trigger,
		counters:  opts.Counters,
		activity:  opts.Activity,
		logger:    logging.OrNop(opts.Logger),
		interval:  opts.PollInterval,
		reposFn:   MonitoredRepos,
		nowFn:     time.Now,
	}
	if s.counters != nil {
		c, err := s.counters.LoadCounters()
		if err != nil {
			s.logger.Warn("scheduler: counters unreadable, starting from zero", zap.Error(err))
		} else {
			s.state = c
		}
	}
	return s
}

// Counters returns the in-memory poll counters.
func (s *Scheduler) Counters() storage.Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Interval returns the effective poll interval.
func (s *Scheduler) Interval() time.Duration {
	if s.interval > 0 {
		return s.interval
	}
	cfg := s.cfgGetter.Config()
	return time.Duration(cfg.Daemon.PollInterval(0)) * time.Second
}

// Start polls immediately and then on every interval in the background.
func (s *Scheduler) Start() error {
	if !s.cfgGetter.Config().Daemon.Initialized {
		return ErrNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.cancelFunc = cancel
	s.running = true

	go s.run(ctx, s.stopCh, s.doneCh, s.Interval())
	return nil
}

// Stop ends the background loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh, doneCh, cancel := s.stopCh, s.doneCh, s.cancelFunc
	s.running = false
	s.mu.Unlock()

	cancel()
	close(stopCh)
	<-doneCh
}

// Run polls in the foreground until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfgGetter.Config().Daemon.Initialized {
		return ErrNotInitialized
	}
	done := make(chan struct{})
	s.run(ctx, ctx.Done(), done, s.Interval())
	return nil
}

func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}, interval time.Duration) {
	defer close(doneCh)

	s.logger.Info("scheduler: started", zap.Duration("interval", interval))
	s.pollLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			s.logger.Info("scheduler: stopped")
			return
		case <-ticker.C:
			s.pollLogged(ctx)
		}
	}
}

func (s *Scheduler) pollLogged(ctx context.Context) {
	sum, err := s.RunOnce(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduler: poll failed", zap.Error(err))
		}
		return
	}
	s.logger.Info("scheduler: poll complete",
		zap.Int("repos", sum.MonitoredRepos),
		zap.Int("open", sum.OpenPRs),
		zap.Int("new", sum.NewPRs),
		zap.Int("triggered", sum.Triggered),
		zap.Int("failed", sum.Failed),
		zap.Int("repo_errors", sum.RepoErrors))
}

// repoPoll is the fetch result for one repository.
type repoPoll struct {
	repo string
	prs  []forge.PullRequest
	err  error
}

// RunOnce executes exactly one poll cycle.
func (s *Scheduler) RunOnce(ctx context.Context) (PollSummary, error) {
	cfg := s.cfgGetter.Config()
	if !cfg.Daemon.Initialized {
		return PollSummary{}, ErrNotInitialized
	}
	if !s.beginCycle() {
		return PollSummary{}, ErrCycleInProgress
	}
	defer s.endCycle()

	if err := ctx.Err(); err != nil {
		return PollSummary{}, err
	}

	repos := s.reposFn(cfg)
	sum := PollSummary{MonitoredRepos: len(repos)}
	results := s.fetchAll(ctx, cfg, repos)

	var errs []error
	for _, res := range results {
		if res.err != nil {
			sum.RepoErrors++
			errs = append(errs, fmt.Errorf("%s: %w", res.repo, res.err))
			continue
		}
		if err := ctx.Err(); err != nil {
			s.checkpoint(sum, errors.Join(append(errs, err)...))
			return sum, err
		}
		sum.OpenPRs += len(res.prs)

		if !s.ledger.IsSeeded(res.repo) {
			n, err := s.ledger.Seed(res.repo, res.prs)
			if err != nil {
				errs = append(errs, err)
			}
			sum.Seeded += n
			s.activity.Log(EventPRSeeded, "scheduler",
				fmt.Sprintf("seeded %d open pull requests in %s", n, res.repo),
				map[string]string{"repo": res.repo, "count": strconv.Itoa(n)})
			continue
		}
		s.process(ctx, res.prs, &sum, &errs)
	}

	s.checkpoint(sum, errors.Join(errs...))
	s.activity.Log(EventPollComplete, "scheduler",
		fmt.Sprintf("poll complete: %d repos, %d open, %d new, %d triggered, %d failed",
			sum.MonitoredRepos, sum.OpenPRs, sum.NewPRs, sum.Triggered, sum.Failed),
		map[string]string{"repo_errors": strconv.Itoa(sum.RepoErrors)})
	return sum, nil
}

// process observes prs and triggers the new ones, in order.
func (s *Scheduler) process(ctx context.Context, prs []forge.PullRequest, sum *PollSummary, errs *[]error) {
	fresh, err := s.ledger.Observe(prs)
	if err != nil {
		*errs = append(*errs, err)
	}
	byKey := make(map[string]forge.PullRequest, len(prs))
	for _, pr := range prs {
		byKey[pr.Key()] = pr
	}

	// A trigger runs to completion even if shutdown is requested.
	triggerCtx := context.WithoutCancel(ctx)
	for _, ref := range fresh {
		pr := byKey[ref.Key()]
		sum.NewPRs++
		s.logger.Info("scheduler: new pull request", zap.String("pr", ref.Key()), zap.String("title", pr.Title))
		s.activity.Log(EventPRNew, "scheduler", fmt.Sprintf("new pull request %s: %s", ref, pr.Title),
			map[string]string{"pr": ref.Key(), "url": pr.URL})

		triggerErr := s.trigger(triggerCtx, pr)
		if err := s.ledger.RecordTrigger(ref, triggerErr); err != nil {
			*errs = append(*errs, err)
		}
		if triggerErr != nil {
			sum.Failed++
			s.logger.Error("scheduler: trigger failed", zap.String("pr", ref.Key()), zap.Error(triggerErr))
			s.activity.Log(EventTriggerFailed, "scheduler", fmt.Sprintf("trigger failed for %s", ref),
				map[string]string{"pr": ref.Key(), "error": triggerErr.Error()})
			continue
		}
		sum.Triggered++
		s.activity.Log(EventPRTriggered, "scheduler", fmt.Sprintf("triggered review for %s", ref),
			map[string]string{"pr": ref.Key()})
	}
}

// fetchAll lists open pull requests for every repository with at most
// max_concurrent_fetches requests in flight. Results keep repos' order.
func (s *Scheduler) fetchAll(ctx context.Context, cfg *config.Config, repos []string) []repoPoll {
	results := make([]repoPoll, len(repos))
	limit := cfg.Daemon.MaxConcurrentFetches
	if limit <= 0 {
		limit = 1
	}

	user := ""
	if cfg.Daemon.SkipOwn {
		user = s.currentUser(ctx)
	}
	filters := cfg.Daemon.NormalizedSubpathFilters()

	var g errgroup.Group
	g.SetLimit(limit)
	for i, repo := range repos {
		results[i].repo = repo
		if err := ctx.Err(); err != nil {
			results[i].err = err
			continue
		}
		g.Go(func() error {
			prs, err := s.fetchRepo(ctx, repo, cfg.Daemon.IncludeDrafts, user, subpathsFor(filters, repo))
			results[i].prs, results[i].err = prs, err
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.err != nil && !errors.Is(res.err, context.Canceled) {
			s.logger.Warn("scheduler: repository poll failed", zap.String("repo", res.repo), zap.Error(res.err))
			s.activity.Log(EventRepoError, "scheduler", fmt.Sprintf("polling %s failed", res.repo),
				map[string]string{"repo": res.repo, "error": res.err.Error()})
		}
	}
	return results
}

func (s *Scheduler) fetchRepo(ctx context.Context, repo string, includeDrafts bool, user string, subpaths []string) ([]forge.PullRequest, error) {
	prs, err := s.forge.ListOpenPullRequests(ctx, repo, includeDrafts)
	if err != nil {
		return nil, err
	}
	kept := prs[:0]
	for _, pr := range prs {
		if user != "" && (strings.EqualFold(pr.Author, user) || pr.ApprovedByUser(user)) {
			continue
		}
		if len(subpaths) > 0 && !s.matchesSubpaths(ctx, pr, subpaths) {
			continue
		}
		kept = append(kept, pr)
	}
	return kept, nil
}

// matchesSubpaths keeps pr when its changed files cannot be listed, so a
// flaky lookup never hides a pull request.
func (s *Scheduler) matchesSubpaths(ctx context.Context, pr forge.PullRequest, subpaths []string) bool {
	files, err := s.forge.ChangedFiles(ctx, pr.Ref)
	if err != nil {
		s.logger.Warn("scheduler: subpath filter could not list changed files, keeping pull request",
			zap.String("pr", pr.Key()), zap.Error(err))
		return true
	}
	return touchesAnySubpath(files, subpaths)
}

func (s *Scheduler) currentUser(ctx context.Context) string {
	s.mu.Lock()
	user := s.user
	s.mu.Unlock()
	if user != "" {
		return user
	}
	user, err := s.forge.CurrentUser(ctx)
	if err != nil {
		s.logger.Warn("scheduler: could not resolve current user, own pull requests are not skipped", zap.Error(err))
		return ""
	}
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	return user
}

func subpathsFor(filters map[string][]string, repo string) []string {
	if sp, ok := filters[repo]; ok {
		return sp
	}
	for name, sp := range filters {
		if strings.EqualFold(name, repo) {
			return sp
		}
	}
	return nil
}

func (s *Scheduler) beginCycle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polling {
		return false
	}
	s.polling = true
	return true
}

func (s *Scheduler) endCycle() {
	s.mu.Lock()
	s.polling = false
	s.mu.Unlock()
}

// checkpoint updates and persists the poll counters.
func (s *Scheduler) checkpoint(sum PollSummary, cycleErr error) {
	now := s.nowFn().UTC()
	s.mu.Lock()
	s.state.PollCount++
	s.state.LastPollAt = &now
	s.state.LastError = ""
	if cycleErr != nil {
		s.state.LastError = cycleErr.Error()
	}
	c := s.state
	s.mu.Unlock()

	if s.counters == nil {
		return
	}
	if err := s.counters.SaveCounters(c); err != nil {
		s.logger.Error("scheduler: checkpoint failed", zap.Error(err))
	}
}

// SeedAll seeds every monitored repository that has not been seeded yet,
// without triggering anything. It returns how many pull requests were
// recorded.
func (s *Scheduler) SeedAll(ctx context.Context) (int, error) {
	cfg := s.cfgGetter.Config()
	repos := s.reposFn(cfg)
	var pending []string
	for _, r := range repos {
		if !s.ledger.IsSeeded(r) {
			pending = append(pending, r)
		}
	}

	total := 0
	var errs []error
	for _, res := range s.fetchAll(ctx, cfg, pending) {
		if res.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.repo, res.err))
			continue
		}
		n, err := s.ledger.Seed(res.repo, res.prs)
		if err != nil {
			errs = append(errs, err)
		}
		total += n
	}
	return total, errors.Join(errs...)
}
