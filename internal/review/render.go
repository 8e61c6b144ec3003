package review

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/reviewer-dev/reviewer/internal/forge"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle      = lipgloss.NewStyle().Faint(true)
	criticalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	suggestStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	nitStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func severityStyle(s Severity) lipgloss.Style {
	switch s {
	case SeverityCritical:
		return criticalStyle
	case SeveritySuggestion:
		return suggestStyle
	default:
		return nitStyle
	}
}

// RenderIssues writes the numbered issue list shown while selecting.
func RenderIssues(w io.Writer, pr forge.PullRequest, issues []Issue) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s  %s", pr.Key(), pr.Title)))
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("by %s  +%d -%d  %s", pr.Author, pr.Additions, pr.Deletions, short(pr.HeadSHA))))
	fmt.Fprintln(w)
	if len(issues) == 0 {
		fmt.Fprintln(w, okStyle.Render("No issues found."))
		return
	}
	for _, is := range issues {
		label := severityStyle(is.Severity).Render(fmt.Sprintf("%-10s", is.Severity))
		fmt.Fprintf(w, "%3d. %s %s\n", is.ID, label, dimStyle.Render(is.Location()))
		for _, line := range strings.Split(strings.TrimSpace(is.Body), "\n") {
			fmt.Fprintf(w, "       %s\n", line)
		}
	}
	fmt.Fprintln(w)
}

// RenderSummary writes the end-of-session summary. Every failed issue is
// listed with its error.
func RenderSummary(w io.Writer, s Summary) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Review %s: %s", s.Ref.Key(), strings.ToLower(string(s.Phase)))))
	fmt.Fprintf(w, "  submitted: %d\n", s.Submitted)
	fmt.Fprintf(w, "  submitted via fallback: %d\n", s.Fallback)
	if s.Failed > 0 {
		fmt.Fprintln(w, errStyle.Render(fmt.Sprintf("  failed: %d", s.Failed)))
	} else {
		fmt.Fprintf(w, "  failed: 0\n")
	}
	fmt.Fprintf(w, "  skipped: %d\n", s.Skipped)
	if s.Pending > 0 {
		fmt.Fprintf(w, "  not yet submitted: %d\n", s.Pending)
	}
	fmt.Fprintf(w, "  critical: %d\n", s.Critical)
	for _, is := range s.Failures {
		fmt.Fprintln(w, errStyle.Render(fmt.Sprintf("  ✗ #%d %s: %s", is.ID, is.Location(), is.Error)))
	}
}
