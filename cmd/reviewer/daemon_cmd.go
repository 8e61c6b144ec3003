package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reviewer-dev/reviewer/internal/config"
	"github.com/reviewer-dev/reviewer/internal/daemon"
	"github.com/reviewer-dev/reviewer/internal/forge"
	"github.com/reviewer-dev/reviewer/internal/guidelines"
	"github.com/reviewer-dev/reviewer/internal/ledger"
	"github.com/reviewer-dev/reviewer/internal/storage"
	"github.com/reviewer-dev/reviewer/internal/version"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Watch repositories for new pull requests",
	}
	cmd.AddCommand(daemonInitCmd())
	cmd.AddCommand(daemonRunCmd())
	cmd.AddCommand(daemonStatusCmd())
	return cmd
}

func daemonInitCmd() *cobra.Command {
	var (
		reposRoot    string
		repos        []string
		excludeRepos []string
		subpaths     []string
		interval     int
		triggerMode  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Choose the repositories to watch and record their open pull requests",
		Long: `Choose the repositories to watch and record their open pull requests.

Repositories are discovered under --repos-root (up to three levels deep,
identified by their origin remote) and added with --repo. Pull requests that
are already open are recorded as seen, so only pull requests opened after
init trigger a review.

Subpath filters restrict a repository to pull requests touching a path:

  reviewer daemon init --subpath acme/monorepo=services/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseSubpathFlags(subpaths)
			if err != nil {
				return err
			}
			if err := validTriggerMode(triggerMode); err != nil {
				return err
			}
			e, err := loadEnv()
			if err != nil {
				return err
			}
			cfg := e.cfg
			if reposRoot != "" {
				cfg.ReposRoot = reposRoot
			}
			for _, r := range repos {
				if _, _, err := forge.SplitRepo(r); err != nil {
					return err
				}
			}
			cfg.Daemon.Repos = config.MergeExcludes(cfg.Daemon.Repos, repos)
			cfg.Daemon.ExcludeRepos = config.MergeExcludes(cfg.Daemon.ExcludeRepos, excludeRepos)
			if len(filters) > 0 && cfg.Daemon.RepoSubpathFilters == nil {
				cfg.Daemon.RepoSubpathFilters = map[string][]string{}
			}
			for repo, paths := range filters {
				merged := append(cfg.Daemon.RepoSubpathFilters[repo], paths...)
				cfg.Daemon.RepoSubpathFilters[repo] = config.NormalizeSubpaths(merged)
			}
			if interval > 0 {
				cfg.Daemon.PollIntervalSec = interval
			}
			if triggerMode != "" {
				cfg.Daemon.TriggerMode = triggerMode
			}
			return initDaemon(cmd.Context(), cmd.OutOrStdout(), e)
		},
	}

	cmd.Flags().StringVar(&reposRoot, "repos-root", "", "directory containing local clones to discover")
	cmd.Flags().StringArrayVar(&repos, "repo", nil, "repository to watch (owner/repo, repeatable)")
	cmd.Flags().StringArrayVar(&excludeRepos, "exclude-repo", nil, "repository to skip (owner/repo, repeatable)")
	cmd.Flags().StringArrayVar(&subpaths, "subpath", nil, "only watch pull requests touching a path (owner/repo=path, repeatable)")
	cmd.Flags().IntVar(&interval, "interval", 0, "poll interval in seconds")
	cmd.Flags().StringVar(&triggerMode, "trigger", "", "how new pull requests are reviewed: launch or headless")
	return cmd
}

func initDaemon(ctx context.Context, out io.Writer, e *cliEnv) error {
	cfg := e.cfg
	monitored := daemon.MonitoredRepos(cfg)
	if len(monitored) == 0 {
		return errors.New("no repositories to watch: pass --repos-root or --repo")
	}
	cfg.Daemon.Initialized = true
	if err := config.SaveGlobal(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Fprintf(out, "Watching %d repositories:\n", len(monitored))
	filters := cfg.Daemon.NormalizedSubpathFilters()
	for _, r := range monitored {
		if paths := filters[r]; len(paths) > 0 {
			fmt.Fprintf(out, "  %s (%s)\n", r, strings.Join(paths, ", "))
		} else {
			fmt.Fprintf(out, "  %s\n", r)
		}
	}

	db, err := openState(out, e.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	sched := daemon.NewScheduler(daemon.SchedulerOptions{
		Config: daemon.NewStaticConfig(cfg),
		Forge:  e.forge,
		Ledger: ledger.Open(db.LedgerStore(), e.logger),
		Trigger: func(context.Context, forge.PullRequest) error {
			return errors.New("init never triggers reviews")
		},
		Logger: e.logger,
	})
	seeded, seedErr := sched.SeedAll(ctx)
	fmt.Fprintf(out, "Recorded %d open pull requests as seen\n", seeded)
	if seedErr != nil {
		// Unseeded repositories are seeded by the first poll instead.
		fmt.Fprintf(out, "Some repositories could not be listed; they will be recorded on the first poll:\n  %v\n", seedErr)
	}
	fmt.Fprintf(out, "Configuration saved to %s\nStart watching with: reviewer daemon run\n", config.GlobalConfigPath())
	return nil
}

// parseSubpathFlags parses repeated owner/repo=path values.
func parseSubpathFlags(values []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, v := range values {
		repo, path, ok := strings.Cut(v, "=")
		repo, path = strings.TrimSpace(repo), strings.TrimSpace(path)
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid --subpath %q (want owner/repo=path)", v)
		}
		if _, _, err := forge.SplitRepo(repo); err != nil {
			return nil, fmt.Errorf("invalid --subpath %q: %w", v, err)
		}
		out[repo] = append(out[repo], path)
	}
	return out, nil
}

func daemonRunCmd() *cobra.Command {
	var (
		once     bool
		interval int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll for new pull requests in the foreground",
		Long: `Poll the watched repositories and start a review for every pull request
opened since the last poll. Runs until interrupted.

Changes to config.toml are picked up without a restart, except for
poll_interval_sec and the [launch] section.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cmd.OutOrStdout(), once, time.Duration(interval)*time.Second)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single poll cycle and exit")
	cmd.Flags().IntVar(&interval, "interval", 0, "poll interval in seconds (overrides config)")
	return cmd
}

func runDaemon(ctx context.Context, out io.Writer, once bool, interval time.Duration) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	if !e.cfg.Daemon.Initialized {
		return daemon.ErrNotInitialized
	}
	logger := e.logger.With(zap.Int("pid", os.Getpid()))

	lock, err := storage.AcquireLock(storage.DefaultLockPath())
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("daemon: release lock", zap.Error(err))
		}
	}()

	db, err := openState(out, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	activity, err := daemon.NewActivityLog(daemon.DefaultActivityLogPath(), logger)
	if err != nil {
		logger.Warn("daemon: activity log unavailable", zap.Error(err))
	}
	defer activity.Close()

	led := ledger.Open(db.LedgerStore(), logger)
	if led.Recovered() {
		fmt.Fprintln(out, "Warning: saved pull request state was unreadable; starting with an empty ledger.")
	}

	watcher := daemon.NewConfigWatcher(config.GlobalConfigPath(), e.cfg, activity, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("daemon: config hot-reload disabled", zap.Error(err))
	}
	defer watcher.Stop()

	guide, err := openGuidelines(e.cfg)
	if err != nil {
		return err
	}
	gw := guidelines.NewWatcher(guide, logger)
	if err := gw.Start(ctx); err != nil {
		logger.Warn("daemon: guidelines hot-reload disabled", zap.Error(err))
	}
	defer gw.Stop()

	ctrl, err := newLaunchController(e.cfg, logger)
	if err != nil {
		return err
	}
	trigger := &reviewTrigger{
		cfg:      watcher,
		forge:    e.forge,
		db:       db,
		guide:    guide,
		launcher: ctrl,
		logger:   logger,
	}
	sched := daemon.NewScheduler(daemon.SchedulerOptions{
		Config:       watcher,
		Forge:        e.forge,
		Ledger:       led,
		Trigger:      trigger.Trigger,
		Counters:     db,
		Activity:     activity,
		Logger:       logger,
		PollInterval: interval,
	})

	if once {
		sum, err := sched.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Polled %d repositories: %d open, %d new, %d triggered, %d failed, %d repository errors\n",
			sum.MonitoredRepos, sum.OpenPRs, sum.NewPRs, sum.Triggered, sum.Failed, sum.RepoErrors)
		return nil
	}

	logger.Info("daemon: started", zap.String("version", version.Version), zap.Duration("interval", sched.Interval()))
	fmt.Fprintf(out, "Watching for new pull requests every %s (Ctrl-C to stop)\n", sched.Interval())
	return sched.Run(ctx)
}
