package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reviewer-dev/reviewer/internal/daemon"
	"github.com/reviewer-dev/reviewer/internal/forge"
)

const titleColumnWidth = 50

func prsCmd() *cobra.Command {
	var repos []string

	cmd := &cobra.Command{
		Use:   "prs",
		Short: "List your open pull requests across watched repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if len(repos) == 0 {
				repos = daemon.MonitoredRepos(e.cfg)
			}
			if len(repos) == 0 {
				return fmt.Errorf("no repositories: pass --repo or run 'reviewer daemon init'")
			}
			return listMyPRs(cmd.Context(), cmd.OutOrStdout(), e, repos, time.Now())
		},
	}
	cmd.Flags().StringArrayVar(&repos, "repo", nil, "repository to search (owner/repo, repeatable)")
	return cmd
}

func listMyPRs(ctx context.Context, out io.Writer, e *cliEnv, repos []string, now time.Time) error {
	user, err := e.forge.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("current user: %w", err)
	}

	results := make([][]forge.PullRequest, len(repos))
	failures := make([]error, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, e.cfg.Daemon.MaxConcurrentFetches))
	for i, repo := range repos {
		g.Go(func() error {
			prs, err := e.forge.ListOpenPullRequests(gctx, repo, true)
			if err != nil {
				// One unreachable repository should not hide the others.
				e.logger.Warn("list pull requests failed", zap.String("repo", repo), zap.Error(err))
				failures[i] = err
				return nil
			}
			for _, pr := range prs {
				if strings.EqualFold(pr.Author, user) {
					results[i] = append(results[i], pr)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var mine []forge.PullRequest
	for i, prs := range results {
		if failures[i] != nil {
			fmt.Fprintf(out, "warning: %s: %v\n", repos[i], failures[i])
		}
		mine = append(mine, prs...)
	}
	if len(mine) == 0 {
		fmt.Fprintf(out, "No open pull requests by %s\n", user)
		return nil
	}
	sort.SliceStable(mine, func(i, j int) bool {
		return mine[i].UpdatedAt.After(mine[j].UpdatedAt)
	})

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PULL REQUEST\tTITLE\tSTATE\tUPDATED")
	for _, pr := range mine {
		state := strings.ToLower(strings.ReplaceAll(pr.ReviewDecision, "_", " "))
		if pr.Draft {
			state = "draft"
		} else if state == "" {
			state = "open"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			truncateCell(pr.Key(), prColumnWidth), truncateCell(pr.Title, titleColumnWidth), state, formatAgo(pr.UpdatedAt, now))
	}
	return w.Flush()
}
