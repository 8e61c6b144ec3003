package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/reviewer-dev/reviewer/internal/config"
	"github.com/reviewer-dev/reviewer/internal/daemon"
	"github.com/reviewer-dev/reviewer/internal/ledger"
	"github.com/reviewer-dev/reviewer/internal/storage"
)

const prColumnWidth = 40

func daemonStatusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show watcher state, recent pull requests and activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd.OutOrStdout(), limit, time.Now())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of pull requests and activity entries to show")
	return cmd
}

func printStatus(out io.Writer, limit int, now time.Time) error {
	cfg, err := config.LoadGlobal()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if pid, ok := storage.DaemonRunning(storage.DefaultLockPath()); ok {
		fmt.Fprintf(out, "Daemon:      running (pid %d)\n", pid)
	} else {
		fmt.Fprintln(out, "Daemon:      not running")
	}
	if !cfg.Daemon.Initialized {
		fmt.Fprintln(out, "Initialized: no (run 'reviewer daemon init')")
		return nil
	}
	monitored := daemon.MonitoredRepos(cfg)
	fmt.Fprintf(out, "Repos:       %d watched, every %ds, trigger %s\n",
		len(monitored), cfg.Daemon.PollInterval(0), cfg.Daemon.TriggerMode)

	db, err := storage.Open(config.StatePath())
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()
	if db.RecoveredFrom != "" {
		fmt.Fprintf(out, "Warning:     state database was unreadable; moved to %s\n", db.RecoveredFrom)
	}

	counters, err := db.LoadCounters()
	if err != nil {
		return fmt.Errorf("load counters: %w", err)
	}
	if counters.LastPollAt != nil {
		fmt.Fprintf(out, "Polls:       %d, last %s\n", counters.PollCount, formatAgo(*counters.LastPollAt, now))
	} else {
		fmt.Fprintf(out, "Polls:       %d\n", counters.PollCount)
	}
	if counters.LastError != "" {
		fmt.Fprintf(out, "Last error:  %s\n", counters.LastError)
	}

	led := ledger.Open(db.LedgerStore(), nil)
	if led.Recovered() {
		fmt.Fprintln(out, "Warning:     pull request state was unreadable and has been reset")
	}
	c := led.Counts()
	fmt.Fprintf(out, "Ledger:      %d seen (%d seeded, %d triggered, %d failed)\n",
		c.Total, c.Seeded, c.Success, c.Failed)

	entries := led.Entries()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].FirstSeenAt.After(entries[j].FirstSeenAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	if len(entries) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PULL REQUEST\tSTATUS\tFIRST SEEN\tREVIEWED")
		for _, e := range entries {
			reviewed := "-"
			if e.ReviewedAt != nil {
				reviewed = formatAgo(*e.ReviewedAt, now)
			}
			status := string(e.TriggerStatus)
			if status == "" {
				status = "pending"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				truncateCell(e.Ref.Key(), prColumnWidth), status, formatAgo(e.FirstSeenAt, now), reviewed)
		}
		w.Flush()
	}

	activity, err := daemon.ReadActivity(daemon.DefaultActivityLogPath(), limit)
	if err != nil {
		return fmt.Errorf("read activity: %w", err)
	}
	if len(activity) > 0 {
		fmt.Fprintln(out, "\nRecent activity:")
		for _, a := range activity {
			fmt.Fprintf(out, "  %s  %-18s %s\n", a.Timestamp.Local().Format("01-02 15:04:05"), a.Event, truncateCell(a.Message, 80))
		}
	}
	return nil
}
