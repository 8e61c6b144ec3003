package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/reviewer-dev/reviewer/internal/config"
)

func guidelinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guidelines",
		Short: "Show or edit the review guidelines",
		Long: `The review guidelines hold the skip categories learned from review sessions
and a free-form focus section. Agents are told about both, and issues in a
skip category are never presented.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the guidelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadGlobal()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := openGuidelines(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n\n", store.Path())
			fmt.Fprint(out, store.Render())
			return nil
		},
	})

	var focus string
	addCmd := &cobra.Command{
		Use:   "add [category...]",
		Short: "Add skip categories or set the focus text",
		Example: `  reviewer guidelines add "unused imports" "naming"
  reviewer guidelines add --focus "Check error handling around network calls"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !cmd.Flags().Changed("focus") {
				return errors.New("give at least one category or --focus")
			}
			cfg, err := config.LoadGlobal()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := openGuidelines(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) > 0 {
				added, err := store.AddSkipCategories(args...)
				if err != nil {
					return err
				}
				if len(added) == 0 {
					fmt.Fprintln(out, "All categories already present")
				} else {
					fmt.Fprintf(out, "Added: %s\n", strings.Join(added, ", "))
				}
			}
			if cmd.Flags().Changed("focus") {
				if err := store.SetFocus(focus); err != nil {
					return err
				}
				fmt.Fprintln(out, "Focus updated")
			}
			return nil
		},
	}
	addCmd.Flags().StringVar(&focus, "focus", "", "replace the review focus text")
	cmd.AddCommand(addCmd)
	return cmd
}
