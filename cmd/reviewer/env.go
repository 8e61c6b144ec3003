package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/reviewer-dev/reviewer/internal/agent"
	"github.com/reviewer-dev/reviewer/internal/config"
	"github.com/reviewer-dev/reviewer/internal/forge"
	"github.com/reviewer-dev/reviewer/internal/git"
	"github.com/reviewer-dev/reviewer/internal/guidelines"
	"github.com/reviewer-dev/reviewer/internal/launch"
	"github.com/reviewer-dev/reviewer/internal/logging"
	"github.com/reviewer-dev/reviewer/internal/prompt"
	"github.com/reviewer-dev/reviewer/internal/review"
	"github.com/reviewer-dev/reviewer/internal/storage"
	"github.com/reviewer-dev/reviewer/internal/worktree"
)

// Test seams.
var (
	newForgeClient = forge.New
	newLaunchRunner func() launch.Runner
	isInteractive   = func() bool {
		return isTerminal(os.Stdin.Fd()) && isTerminal(os.Stdout.Fd())
	}
)

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// cliEnv is what most commands need: configuration, a logger and the
// hosting-service client.
type cliEnv struct {
	cfg    *config.Config
	logger *zap.Logger
	forge  forge.Client
}

func loadEnv() (*cliEnv, error) {
	cfg, err := config.LoadGlobal()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", config.GlobalConfigPath(), err)
	}
	logger, err := logging.New(config.LogPath(), verbose)
	if err != nil {
		return nil, err
	}
	client, err := newForgeClient(cfg.ForgeBackend)
	if err != nil {
		return nil, err
	}
	return &cliEnv{cfg: cfg, logger: logger, forge: client}, nil
}

// openState opens the state database and tells the operator when an
// unreadable one was moved aside.
func openState(w io.Writer, logger *zap.Logger) (*storage.DB, error) {
	db, err := storage.Open(config.StatePath())
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	if db.RecoveredFrom != "" {
		logger.Error("state database was unreadable and has been reset",
			zap.String("moved_to", db.RecoveredFrom))
		fmt.Fprintf(w, "Warning: state database was unreadable; moved to %s and started empty.\n", db.RecoveredFrom)
	}
	return db, nil
}

func openGuidelines(cfg *config.Config) (*guidelines.Store, error) {
	store, err := guidelines.Open(cfg.ResolvedGuidelinesPath())
	if err != nil {
		return nil, fmt.Errorf("open guidelines: %w", err)
	}
	return store, nil
}

func newEngine(cfg *config.Config, client forge.Client, db *storage.DB, guide *guidelines.Store, logger *zap.Logger) *review.Engine {
	eng := &review.Engine{
		Forge:         client,
		Store:         db,
		Logger:        logger,
		SubmitTimeout: time.Duration(cfg.Review.SubmitTimeoutSec) * time.Second,
		AutoSelect:    cfg.Review.AutoSelect,
		Learn:         cfg.Review.Learn,
	}
	// A nil *Store must not become a non-nil interface.
	if guide != nil {
		eng.Guidelines = guide
	}
	return eng
}

func newLaunchController(cfg *config.Config, logger *zap.Logger) (*launch.Controller, error) {
	variant, err := launch.ParseVariant(cfg.Launch.Terminal)
	if err != nil {
		return nil, err
	}
	opts := launch.Options{
		Variant:       variant,
		TerminalApp:   cfg.Launch.TerminalApp,
		VerifyTimeout: time.Duration(cfg.Launch.VerifyTimeoutSec) * time.Second,
		Logger:        logger,
	}
	if newLaunchRunner != nil {
		opts.Runner = newLaunchRunner()
	}
	return launch.New(opts), nil
}

func resolveAgent(cfg *config.Config, name string) (agent.Agent, error) {
	if name == "" {
		name = cfg.DefaultAgent
	}
	// An explicitly registered agent (including "test") is used as is.
	if a, err := agent.Get(name); err == nil && agent.IsAvailable(name) {
		return a, nil
	}
	return agent.GetAvailable(name)
}

func headlessCollector(cfg *config.Config, ag agent.Agent, logger *zap.Logger) *agent.HeadlessCollector {
	c := &agent.HeadlessCollector{
		Agent:          ag,
		GuidelinesPath: cfg.ResolvedGuidelinesPath(),
		Logger:         logger,
		Workdir: func(ctx context.Context, pr forge.PullRequest) (string, error) {
			return prWorkdir(cfg, pr.Ref, logger)
		},
	}
	if verbose {
		c.Output = os.Stderr
	}
	return c
}

// prWorkdir checks the pull request out into a worktree of its local clone
// under repos_root. Without a local clone it returns "".
func prWorkdir(cfg *config.Config, ref forge.Ref, logger *zap.Logger) (string, error) {
	root := cfg.ResolvedReposRoot()
	if root == "" {
		return "", nil
	}
	repo, ok := git.FindRepo(root, ref.FullName(), cfg.Exclude)
	if !ok {
		logger.Debug("no local clone, agent runs without a worktree", zap.String("pr", ref.Key()))
		return "", nil
	}
	dir, err := worktree.CreateForPR(repo, root, ref)
	if err != nil {
		return "", err
	}
	logger.Info("worktree ready", zap.String("pr", ref.Key()), zap.String("dir", dir))
	return dir, nil
}

// launchSession opens an interactive agent session for pr in a terminal.
func launchSession(ctx context.Context, cfg *config.Config, ctrl *launch.Controller, ag agent.Agent, pr forge.PullRequest, skip []string, mode launch.Mode, logger *zap.Logger) (launch.Outcome, error) {
	dir, err := prWorkdir(cfg, pr.Ref, logger)
	if err != nil {
		return launch.Outcome{}, fmt.Errorf("prepare worktree for %s: %w", pr.Key(), err)
	}
	text := prompt.BuildInteractive(prompt.Input{
		PR:             pr,
		GuidelinesPath: cfg.ResolvedGuidelinesPath(),
		SkipCategories: skip,
	})
	return ctrl.Launch(ctx, launch.Command{Dir: dir, Argv: ag.InteractiveCommand(dir, text)}, mode)
}
