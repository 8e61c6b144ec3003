package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reviewer-dev/reviewer/internal/agent"
	"github.com/reviewer-dev/reviewer/internal/forge"
	"github.com/reviewer-dev/reviewer/internal/guidelines"
	"github.com/reviewer-dev/reviewer/internal/launch"
	"github.com/reviewer-dev/reviewer/internal/ledger"
	"github.com/reviewer-dev/reviewer/internal/review"
	"github.com/reviewer-dev/reviewer/internal/storage"
)

type reviewOptions struct {
	agentName  string
	selectExpr string
	launch     bool
	launchMode string
	closeMsg   string
	merge      bool
	noResume   bool
}

func reviewCmd() *cobra.Command {
	var opts reviewOptions

	cmd := &cobra.Command{
		Use:   "review <owner/repo#number>",
		Short: "Review a pull request",
		Long: `Review a pull request.

By default an agent collects candidate issues headlessly and, on a terminal,
you choose which ones to post:

  all        post every issue
  critical   post only CRITICAL issues
  none       post nothing
  1,3,5-7    post the listed issues
  quit       abandon the session without posting

Skipped issues can be turned into skip categories in the review guidelines.
When nothing critical was found you are offered to approve the pull request.

Without a terminal, or with --select, the selection is applied
automatically and nothing is approved.

With --launch the agent is opened interactively in a terminal instead.

A session interrupted while posting comments is resumed on the next run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := forge.ParseRef(args[0])
			if err != nil {
				return err
			}
			if opts.merge && opts.closeMsg != "" {
				return errors.New("--merge and --close cannot be used together")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReview(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), ref, opts)
		},
	}

	cmd.Flags().StringVar(&opts.agentName, "agent", "", "agent to use (default from config)")
	cmd.Flags().StringVar(&opts.selectExpr, "select", "", "apply this selection without prompting")
	cmd.Flags().BoolVar(&opts.launch, "launch", false, "open an interactive agent session in a terminal")
	cmd.Flags().StringVar(&opts.launchMode, "mode", "", "launch mode: auto, new-instance, same-space, new-tab, new-window")
	cmd.Flags().StringVar(&opts.closeMsg, "close", "", "close the pull request with this comment after the review")
	cmd.Flags().BoolVar(&opts.merge, "merge", false, "merge the pull request after the review (squash, falling back to a merge commit)")
	cmd.Flags().BoolVar(&opts.noResume, "no-resume", false, "start a new session even if an unfinished one exists")
	return cmd
}

func runReview(ctx context.Context, in io.Reader, out io.Writer, ref forge.Ref, opts reviewOptions) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	db, err := openState(out, e.logger)
	if err != nil {
		return err
	}
	defer db.Close()
	guide, err := openGuidelines(e.cfg)
	if err != nil {
		return err
	}
	led := ledger.Open(db.LedgerStore(), e.logger)

	ag, err := resolveAgent(e.cfg, opts.agentName)
	if err != nil {
		return err
	}

	if opts.launch {
		return launchReview(ctx, out, e, guide, led, ag, ref, opts.launchMode)
	}

	eng := newEngine(e.cfg, e.forge, db, guide, e.logger)
	var op review.Operator
	if opts.selectExpr != "" {
		eng.AutoSelect = opts.selectExpr
	} else if isInteractive() {
		op = newPromptOperator(in, out)
	}

	res, err := runSession(ctx, out, e, db, eng, ag, ref, op, opts.noResume)
	if res != nil {
		review.RenderSummary(out, res.Summary)
		if len(res.Learned) > 0 {
			fmt.Fprintf(out, "Learned skip categories: %v\n", res.Learned)
		}
		if res.Approved {
			fmt.Fprintf(out, "Approved %s\n", ref)
		} else if res.ApproveErr != nil {
			fmt.Fprintf(out, "Approval failed: %v\n", res.ApproveErr)
		}
	}
	if err != nil {
		return err
	}
	if res.Session.Phase != review.PhaseDone {
		return nil
	}
	markReviewed(led, ref, e.logger)

	switch {
	case opts.merge:
		strategy, err := eng.Merge(ctx, ref)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Merged %s (%s)\n", ref, strategy)
	case opts.closeMsg != "":
		if err := eng.Close(ctx, ref, opts.closeMsg); err != nil {
			return fmt.Errorf("close %s: %w", ref, err)
		}
		fmt.Fprintf(out, "Closed %s\n", ref)
	}
	return nil
}

// runSession resumes an interrupted submission for ref, or runs a new
// session with headless collection.
func runSession(ctx context.Context, out io.Writer, e *cliEnv, db *storage.DB, eng *review.Engine, ag agent.Agent, ref forge.Ref, op review.Operator, noResume bool) (*review.Result, error) {
	if !noResume {
		sess, err := db.ResumableSession(ref)
		if err != nil {
			return nil, fmt.Errorf("look up unfinished session: %w", err)
		}
		if sess != nil {
			pending := len(sess.Pending())
			fmt.Fprintf(out, "Resuming session %s for %s (%d comments left to post)\n", sess.ID, ref, pending)
			res, err := eng.Resume(ctx, sess, op)
			if !errors.Is(err, review.ErrCommitChanged) {
				return res, err
			}
			fmt.Fprintf(out, "%v\nDropped %d unsent comments from the old commit; starting a new review.\n", err, pending)
		}
	}

	fmt.Fprintf(out, "Collecting issues for %s with %s...\n", ref, ag.Name())
	return eng.Run(ctx, ref, headlessCollector(e.cfg, ag, e.logger), op)
}

func launchReview(ctx context.Context, out io.Writer, e *cliEnv, guide *guidelines.Store, led *ledger.Ledger, ag agent.Agent, ref forge.Ref, modeFlag string) error {
	if modeFlag == "" {
		modeFlag = e.cfg.Launch.Mode
	}
	mode, err := launch.ParseMode(modeFlag)
	if err != nil {
		return err
	}
	ctrl, err := newLaunchController(e.cfg, e.logger)
	if err != nil {
		return err
	}
	pr, err := e.forge.GetPullRequest(ctx, ref)
	if err != nil {
		return fmt.Errorf("load %s: %w", ref, err)
	}

	outcome, err := launchSession(ctx, e.cfg, ctrl, ag, *pr, guide.SkipCategories(), mode, e.logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Opened %s for %s (%s, %s)\n", ag.Name(), ref, ctrl.Variant(), outcome.Mode)
	if outcome.Degraded() {
		fmt.Fprintf(out, "Requested mode %s did not start; used %s instead\n", outcome.Requested, outcome.Mode)
	}
	if outcome.PossibleDuplicate {
		fmt.Fprintln(out, "The first terminal may still start a second session; close it if it does")
	}
	if !outcome.Confirmed {
		fmt.Fprintln(out, "Could not confirm the session started; check the terminal")
	}
	markReviewed(led, ref, e.logger)
	return nil
}

func markReviewed(led *ledger.Ledger, ref forge.Ref, logger *zap.Logger) {
	if err := led.MarkReviewed(ref); err != nil {
		logger.Warn("mark reviewed failed", zap.String("pr", ref.Key()), zap.Error(err))
	}
}
