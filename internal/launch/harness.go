package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HarnessOptions configures repeated launch verification runs.
type HarnessOptions struct {
	Runs int
	Mode Mode
	// Hold is how long each launched shell stays alive.
	Hold time.Duration
	// Gap is the pause between runs.
	Gap time.Duration
	// OutputDir receives report.json; created if missing.
	OutputDir string
	// DryRun records what would be launched without launching.
	DryRun bool
}

// HarnessRun is the evidence for one run.
type HarnessRun struct {
	Index       int       `json:"run_index"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	CommandLine string    `json:"command_line"`
	Outcome     *Outcome  `json:"outcome,omitempty"`
	LaunchError string    `json:"launch_error,omitempty"`
}

// HarnessSummary aggregates the runs.
type HarnessSummary struct {
	RequestedRuns int  `json:"requested_runs"`
	LaunchErrors  int  `json:"runs_with_launch_error"`
	Confirmed     int  `json:"runs_confirmed"`
	Degraded      int  `json:"runs_degraded"`
	AllConfirmed  bool `json:"all_confirmed"`
}

// HarnessReport is written as report.json.
type HarnessReport struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Variant    Variant        `json:"variant"`
	Mode       Mode           `json:"mode"`
	DryRun     bool           `json:"dry_run"`
	HoldSec    float64        `json:"hold_seconds"`
	GapSec     float64        `json:"gap_seconds"`
	Runs       []HarnessRun   `json:"runs"`
	Summary    HarnessSummary `json:"summary"`
}

// DefaultHarnessDir returns <base>/launch_harness/<stamp>-<variant>-<mode>.
func DefaultHarnessDir(base string, variant Variant, mode Mode, now time.Time) string {
	stamp := now.UTC().Format("20060102T150405Z")
	return filepath.Join(base, "launch_harness", fmt.Sprintf("%s-%s-%s", stamp, slug(string(variant)), mode))
}

// RunHarness launches a short-lived shell opts.Runs times, records every
// outcome, and writes the report. It returns the report path. Outside a
// dry run any launch error or unconfirmed start fails the harness after the
// report is written.
func (c *Controller) RunHarness(ctx context.Context, opts HarnessOptions) (*HarnessReport, string, error) {
	if opts.Runs <= 0 {
		return nil, "", errors.New("runs must be greater than 0")
	}
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.OutputDir == "" {
		return nil, "", errors.New("harness output dir is required")
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, "", fmt.Errorf("create output dir: %w", err)
	}

	report := &HarnessReport{
		StartedAt: time.Now().UTC(),
		Variant:   c.Variant(),
		Mode:      opts.Mode,
		DryRun:    opts.DryRun,
		HoldSec:   opts.Hold.Seconds(),
		GapSec:    opts.Gap.Seconds(),
	}

	for i := 1; i <= opts.Runs; i++ {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		cmd := Command{Argv: []string{"sleep", fmt.Sprintf("%d", int(opts.Hold.Seconds()))}}
		run := HarnessRun{Index: i, StartedAt: time.Now().UTC(), CommandLine: cmd.ShellLine()}

		if !opts.DryRun {
			out, err := c.Launch(ctx, cmd, opts.Mode)
			run.Outcome = &out
			if err != nil {
				run.LaunchError = err.Error()
				report.Summary.LaunchErrors++
			}
			if out.Confirmed {
				report.Summary.Confirmed++
			}
			if out.Degraded() {
				report.Summary.Degraded++
			}
		}
		run.FinishedAt = time.Now().UTC()
		report.Runs = append(report.Runs, run)

		if i < opts.Runs && opts.Gap > 0 {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(opts.Gap):
			}
		}
	}

	report.FinishedAt = time.Now().UTC()
	report.Summary.RequestedRuns = opts.Runs
	report.Summary.AllConfirmed = report.Summary.Confirmed == opts.Runs

	path := filepath.Join(opts.OutputDir, "report.json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, "", fmt.Errorf("write report: %w", err)
	}

	if !opts.DryRun {
		missing := opts.Runs - report.Summary.Confirmed
		if report.Summary.LaunchErrors > 0 || missing > 0 {
			return report, path, fmt.Errorf("harness verification failed: launch_errors=%d unconfirmed=%d report=%s",
				report.Summary.LaunchErrors, missing, path)
		}
	}
	return report, path, nil
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else if b.Len() > 0 && !strings.HasSuffix(b.String(), "-") {
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
