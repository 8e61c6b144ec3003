package prompt

import (
	"fmt"
	"strings"

	"github.com/reviewer-dev/reviewer/internal/forge"
)

// MaxPromptSize is the maximum size of a prompt in bytes (250KB).
// If the prompt with the diff exceeds this, the diff is left out and the
// agent is told to fetch it itself.
const MaxPromptSize = 250 * 1024

// DefaultSkill is the skill interactive sessions are asked to use.
const DefaultSkill = "code-review"

// SystemPromptHeadless is the base instruction for headless pull request reviews
const SystemPromptHeadless = `You are a code reviewer. Review the pull request shown below for:

1. **Bugs**: Logic errors, off-by-one errors, null/undefined issues, race conditions
2. **Security**: Injection vulnerabilities, auth issues, data exposure
3. **Testing gaps**: Missing unit tests, edge cases not covered
4. **Regressions**: Changes that might break existing functionality
5. **Code quality**: Duplication, overly complex logic, unclear naming

Do not review the pull request description - focus only on the code changes.

Report every issue as a single line of JSON, one object per line, with exactly
these fields:

{"severity": "CRITICAL|SUGGESTION|NITPICK", "file": "path/in/repo", "line": 42, "body": "what is wrong and how to fix it", "category": "short category"}

"line" is the line number in the new version of the file and must be part of
the diff. "category" is a two or three word label such as "error handling" or
"unused imports". Do not wrap the JSON in code fences. Any other text you write
is ignored. If you find no issues, output no JSON lines.`

// SkipHeader introduces the learned skip categories
const SkipHeader = `
## Do Not Report

The reviewers of this project have asked not to receive comments in these
categories. Do not report issues that fall into them:
`

// FocusHeader introduces the reviewer focus text
const FocusHeader = `
## Review Focus

Pay particular attention to the following:
`

// Input describes the pull request and guideline context of a prompt.
type Input struct {
	PR             forge.PullRequest
	GuidelinesPath string
	SkipCategories []string
	Focus          string
	// Skill defaults to DefaultSkill.
	Skill string
	// Diff is embedded in headless prompts when it fits MaxPromptSize.
	Diff string
}

// BuildInteractive returns the opening message of an interactive agent
// session: PR identity, title, the skill to use, and where the guidelines live.
func BuildInteractive(in Input) string {
	skill := in.Skill
	if skill == "" {
		skill = DefaultSkill
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Review PR #%d in repo %s. Title: %q. ", in.PR.Number, in.PR.FullName(), in.PR.Title)
	fmt.Fprintf(&sb, "Use the %s skill to analyze changes, present each issue for approval, "+
		"and submit approved comments using gh CLI.", skill)
	if in.GuidelinesPath != "" {
		fmt.Fprintf(&sb, " Follow guidelines in %s.", in.GuidelinesPath)
	}
	if len(in.SkipCategories) > 0 {
		fmt.Fprintf(&sb, " Do not raise issues in these categories: %s.", strings.Join(in.SkipCategories, ", "))
	}
	return sb.String()
}

// BuildHeadless returns the prompt for a headless review whose output is
// parsed as JSON lines.
func BuildHeadless(in Input) string {
	var sb strings.Builder
	sb.WriteString(SystemPromptHeadless)
	sb.WriteString("\n")

	writeSkipCategories(&sb, in.SkipCategories)
	writeFocus(&sb, in.Focus)
	if in.GuidelinesPath != "" {
		fmt.Fprintf(&sb, "\nThe full review guidelines are in %s.\n", in.GuidelinesPath)
	}

	sb.WriteString("\n## Pull Request\n\n")
	fmt.Fprintf(&sb, "Repository: %s\n", in.PR.FullName())
	fmt.Fprintf(&sb, "Number: #%d\n", in.PR.Number)
	fmt.Fprintf(&sb, "Title: %s\n", in.PR.Title)
	if in.PR.Author != "" {
		fmt.Fprintf(&sb, "Author: %s\n", in.PR.Author)
	}
	if in.PR.HeadSHA != "" {
		fmt.Fprintf(&sb, "Head commit: %s\n", in.PR.HeadSHA)
	}

	fetch := fmt.Sprintf("Run `gh pr diff %d --repo %s` to read it.\n", in.PR.Number, in.PR.FullName())
	if in.Diff == "" {
		sb.WriteString("\nThe diff is not included. " + fetch)
		return sb.String()
	}
	if sb.Len()+len(in.Diff)+32 > MaxPromptSize {
		sb.WriteString("\nThe diff is too large to include. " + fetch)
		return sb.String()
	}
	sb.WriteString("\n### Diff\n\n```diff\n")
	sb.WriteString(in.Diff)
	if !strings.HasSuffix(in.Diff, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString("```\n")
	return sb.String()
}

func writeSkipCategories(sb *strings.Builder, categories []string) {
	if len(categories) == 0 {
		return
	}
	sb.WriteString(SkipHeader)
	for _, c := range categories {
		fmt.Fprintf(sb, "- %s\n", c)
	}
}

func writeFocus(sb *strings.Builder, focus string) {
	focus = strings.TrimSpace(focus)
	if focus == "" {
		return
	}
	sb.WriteString(FocusHeader)
	sb.WriteString("\n")
	sb.WriteString(focus)
	sb.WriteString("\n")
}
