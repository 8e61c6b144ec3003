package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reviewer-dev/reviewer/internal/config"
	"github.com/reviewer-dev/reviewer/internal/launch"
	"github.com/reviewer-dev/reviewer/internal/logging"
)

func harnessCmd() *cobra.Command {
	var (
		runs   int
		mode   string
		hold   time.Duration
		gap    time.Duration
		outDir string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "harness",
		Short: "Verify terminal launches by opening short-lived sessions repeatedly",
		Long: `Open a short-lived shell in a terminal several times and check that every
launch is confirmed. Writes report.json with every attempt; exits non-zero
if any run failed or could not be confirmed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := launch.ParseMode(mode)
			if err != nil {
				return err
			}
			cfg, err := config.LoadGlobal()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(config.LogPath(), verbose)
			if err != nil {
				return err
			}
			ctrl, err := newLaunchController(cfg, logger)
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = launch.DefaultHarnessDir(config.DataDir(), ctrl.Variant(), m, time.Now())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			report, path, runErr := ctrl.RunHarness(ctx, launch.HarnessOptions{
				Runs:      runs,
				Mode:      m,
				Hold:      hold,
				Gap:       gap,
				OutputDir: outDir,
				DryRun:    dryRun,
			})
			out := cmd.OutOrStdout()
			if report != nil {
				s := report.Summary
				fmt.Fprintf(out, "%s/%s: %d runs, %d confirmed, %d degraded, %d launch errors\n",
					report.Variant, report.Mode, s.RequestedRuns, s.Confirmed, s.Degraded, s.LaunchErrors)
				fmt.Fprintf(out, "Report: %s\n", path)
			}
			return runErr
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 3, "number of launches")
	cmd.Flags().StringVar(&mode, "mode", "auto", "launch mode: auto, new-instance, same-space, new-tab, new-window")
	cmd.Flags().DurationVar(&hold, "hold", 5*time.Second, "how long each launched shell stays open")
	cmd.Flags().DurationVar(&gap, "gap", time.Second, "pause between launches")
	cmd.Flags().StringVar(&outDir, "out", "", "report directory (default under the data dir)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record the commands without launching anything")
	return cmd
}
