package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/reviewer-dev/reviewer/internal/forge"
	"github.com/reviewer-dev/reviewer/internal/prompt"
	"github.com/reviewer-dev/reviewer/internal/review"
)

type rawIssue struct {
	Severity string `json:"severity"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Body     string `json:"body"`
	Category string `json:"category"`
}

// ParseIssues extracts issues from agent output: one JSON object per line.
// Lines that are not JSON objects, or that lack a file, a positive line or a
// body, are ignored. Unknown severities are left empty so the session
// assigns its default.
func ParseIssues(output string) []review.Issue {
	var issues []review.Issue
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "- ")
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var r rawIssue
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		r.File = strings.TrimPrefix(strings.TrimSpace(r.File), "./")
		r.Body = strings.TrimSpace(r.Body)
		if r.File == "" || r.Line < 1 || r.Body == "" {
			continue
		}
		sev, _ := review.ParseSeverity(r.Severity)
		issues = append(issues, review.Issue{
			Severity: sev,
			FilePath: r.File,
			Line:     r.Line,
			Body:     r.Body,
			Category: strings.TrimSpace(r.Category),
		})
	}
	return issues
}

// HeadlessCollector collects issues by running an agent non-interactively
// and parsing its output.
type HeadlessCollector struct {
	Agent Agent
	// Workdir returns the directory the agent runs in (usually a PR
	// worktree). Nil or an empty result runs in the current directory.
	Workdir        func(ctx context.Context, pr forge.PullRequest) (string, error)
	GuidelinesPath string
	// Output receives the agent's streamed progress. May be nil.
	Output io.Writer
	Logger *zap.Logger
}

func (c *HeadlessCollector) Collect(ctx context.Context, req review.CollectRequest) ([]review.Issue, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var dir string
	if c.Workdir != nil {
		d, err := c.Workdir(ctx, req.PR)
		if err != nil {
			return nil, fmt.Errorf("prepare workdir for %s: %w", req.PR.Key(), err)
		}
		dir = d
	}

	in := prompt.Input{
		PR:             req.PR,
		GuidelinesPath: c.GuidelinesPath,
		SkipCategories: req.SkipCategories,
		Focus:          req.Focus,
	}
	if req.Diff != nil {
		in.Diff = req.Diff.Raw
	}

	logger.Info("agent: headless review",
		zap.String("agent", c.Agent.Name()),
		zap.String("pr", req.PR.Key()),
		zap.String("dir", dir))
	out, err := c.Agent.Review(ctx, dir, prompt.BuildHeadless(in), c.Output)
	if err != nil {
		return nil, fmt.Errorf("%s review of %s: %w", c.Agent.Name(), req.PR.Key(), err)
	}
	issues := ParseIssues(out)
	logger.Info("agent: review parsed",
		zap.String("pr", req.PR.Key()),
		zap.Int("issues", len(issues)))
	return issues, nil
}
