package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/reviewer-dev/reviewer/internal/config"
	"github.com/reviewer-dev/reviewer/internal/daemon"
	"github.com/reviewer-dev/reviewer/internal/forge"
	"github.com/reviewer-dev/reviewer/internal/guidelines"
	"github.com/reviewer-dev/reviewer/internal/launch"
	"github.com/reviewer-dev/reviewer/internal/storage"
)

const (
	triggerLaunch   = "launch"
	triggerHeadless = "headless"
)

func validTriggerMode(mode string) error {
	switch mode {
	case "", triggerLaunch, triggerHeadless:
		return nil
	}
	return fmt.Errorf("invalid trigger mode %q (valid: %s, %s)", mode, triggerLaunch, triggerHeadless)
}

// reviewTrigger starts a review for each pull request the scheduler
// reports as new. trigger_mode is read per call so a config reload applies
// to the next trigger.
type reviewTrigger struct {
	cfg      daemon.ConfigGetter
	forge    forge.Client
	db       *storage.DB
	guide    *guidelines.Store
	launcher *launch.Controller
	logger   *zap.Logger
}

func (t *reviewTrigger) Trigger(ctx context.Context, pr forge.PullRequest) error {
	cfg := t.cfg.Config()
	if err := validTriggerMode(cfg.Daemon.TriggerMode); err != nil {
		return err
	}
	if cfg.Daemon.TriggerMode == triggerHeadless {
		return t.headless(ctx, cfg, pr)
	}

	ag, err := resolveAgent(cfg, "")
	if err != nil {
		return err
	}
	mode, err := launch.ParseMode(cfg.Launch.Mode)
	if err != nil {
		return err
	}
	outcome, err := launchSession(ctx, cfg, t.launcher, ag, pr, t.guide.SkipCategories(), mode, t.logger)
	if err != nil {
		return err
	}
	if outcome.PossibleDuplicate {
		t.logger.Warn("trigger: fallback launched after an unconfirmed terminal, the session may run twice",
			zap.String("pr", pr.Key()))
	}
	if !outcome.Confirmed {
		t.logger.Warn("trigger: session start not confirmed",
			zap.String("pr", pr.Key()), zap.String("mode", string(outcome.Mode)))
	}
	return nil
}

// headless runs a non-interactive session: the configured auto selection
// is posted and nothing is approved.
func (t *reviewTrigger) headless(ctx context.Context, cfg *config.Config, pr forge.PullRequest) error {
	ag, err := resolveAgent(cfg, "")
	if err != nil {
		return err
	}
	eng := newEngine(cfg, t.forge, t.db, t.guide, t.logger)
	res, err := eng.Run(ctx, pr.Ref, headlessCollector(cfg, ag, t.logger), nil)
	if err != nil {
		return err
	}
	t.logger.Info("trigger: headless review finished",
		zap.String("pr", pr.Key()),
		zap.Int("submitted", res.Summary.Submitted+res.Summary.Fallback),
		zap.Int("failed", res.Summary.Failed))
	if res.Summary.Failed > 0 {
		return fmt.Errorf("%d of %d comments could not be posted", res.Summary.Failed, res.Summary.Total)
	}
	return nil
}
