package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reviewer-dev/reviewer/internal/skills"
)

func skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "List and install agent skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			available, err := skills.List()
			if err != nil {
				return fmt.Errorf("list skills: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, s := range available {
				fmt.Fprintf(out, "%s\n  %s\n", s.Name, s.Description)
			}
			for _, a := range []skills.Agent{skills.AgentClaude, skills.AgentCodex} {
				state := "not installed"
				if skills.IsInstalled(a) {
					state = "installed"
				}
				fmt.Fprintf(out, "%s: %s\n", a, state)
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install the review skills for Claude Code and Codex",
		Long: `Install the review skills into the agent configuration directories that
exist (~/.claude/skills/, ~/.codex/skills/). Safe to run repeatedly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := skills.Install()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			installedAny := false
			for _, r := range results {
				switch {
				case r.Skipped:
					fmt.Fprintf(out, "%s: skipped (no ~/.%s directory)\n", r.Agent, r.Agent)
				case len(r.Installed) > 0:
					installedAny = true
					fmt.Fprintf(out, "%s: installed %v\n", r.Agent, r.Installed)
				case len(r.Updated) > 0:
					installedAny = true
					fmt.Fprintf(out, "%s: updated %v\n", r.Agent, r.Updated)
				}
			}
			if !installedAny {
				fmt.Fprintln(out, "No agents found. Install Claude Code or Codex first, then run this command.")
			}
			return nil
		},
	})
	return cmd
}
