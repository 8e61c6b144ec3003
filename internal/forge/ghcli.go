package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ghPR mirrors the fields we read from `gh pr list --json` / `gh pr view --json`
type ghPR struct {
	Number         int        `json:"number"`
	Title          string     `json:"title"`
	URL            string     `json:"url"`
	HeadRefOid     string     `json:"headRefOid"`
	BaseRefOid     string     `json:"baseRefOid"`
	HeadRefName    string     `json:"headRefName"`
	BaseRefName    string     `json:"baseRefName"`
	IsDraft        bool       `json:"isDraft"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Additions      int        `json:"additions"`
	Deletions      int        `json:"deletions"`
	ReviewDecision string     `json:"reviewDecision"`
	Author         *ghActor   `json:"author"`
	Reviews        []ghReview `json:"reviews"`
}

type ghActor struct {
	Login string `json:"login"`
}

type ghReview struct {
	Author *ghActor `json:"author"`
	State  string   `json:"state"`
}

const ghPRFields = "number,title,url,headRefOid,baseRefOid,headRefName,baseRefName,isDraft,updatedAt,additions,deletions,reviewDecision,author,reviews"

// GHClient talks to GitHub through the gh CLI.
type GHClient struct {
	// Command is the gh executable (default "gh").
	Command string
	// Env, when non-nil, replaces the environment of gh invocations.
	Env []string

	// run executes gh with args, feeding stdin when non-nil, and returns
	// stdout. Tests replace it; nil means exec the real command.
	run func(ctx context.Context, stdin []byte, args ...string) ([]byte, error)
}

// NewGHClient creates a client that shells out to gh.
func NewGHClient() *GHClient {
	return &GHClient{Command: "gh"}
}

func (c *GHClient) gh(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	if c.run != nil {
		return c.run(ctx, stdin, args...)
	}
	command := c.Command
	if command == "" {
		command = "gh"
	}
	cmd := exec.CommandContext(ctx, command, args...)
	if c.Env != nil {
		cmd.Env = c.Env
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				msg = strings.TrimSpace(string(exitErr.Stderr))
			}
		}
		if msg != "" {
			return nil, fmt.Errorf("gh %s: %w: %s", args[0], err, msg)
		}
		return nil, fmt.Errorf("gh %s: %w", args[0], err)
	}
	return out, nil
}

// CurrentUser returns the login gh is authenticated as.
func (c *GHClient) CurrentUser(ctx context.Context) (string, error) {
	out, err := c.gh(ctx, nil, "api", "user", "--jq", ".login")
	if err != nil {
		return "", fmt.Errorf("gh auth failed - is gh cli authenticated? %w", err)
	}
	login := strings.TrimSpace(string(out))
	if login == "" {
		return "", fmt.Errorf("gh api user returned an empty login")
	}
	return login, nil
}

// ListOpenPullRequests lists up to 100 open pull requests for repo.
func (c *GHClient) ListOpenPullRequests(ctx context.Context, repo string, includeDrafts bool) ([]PullRequest, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	out, err := c.gh(ctx, nil, "pr", "list",
		"--repo", repo,
		"--state", "open",
		"--json", ghPRFields,
		"--limit", "100",
	)
	if err != nil {
		return nil, err
	}

	var raw []ghPR
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}

	prs := make([]PullRequest, 0, len(raw))
	for _, r := range raw {
		if r.IsDraft && !includeDrafts {
			continue
		}
		prs = append(prs, r.toPullRequest(owner, name))
	}
	return prs, nil
}

// GetPullRequest fetches a single pull request.
func (c *GHClient) GetPullRequest(ctx context.Context, ref Ref) (*PullRequest, error) {
	out, err := c.gh(ctx, nil, "pr", "view", strconv.Itoa(ref.Number),
		"--repo", ref.FullName(),
		"--json", ghPRFields,
	)
	if err != nil {
		return nil, err
	}
	var r ghPR
	if err := json.Unmarshal(out, &r); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}
	pr := r.toPullRequest(ref.Owner, ref.Repo)
	return &pr, nil
}

// HeadCommit returns the current head commit of the pull request.
func (c *GHClient) HeadCommit(ctx context.Context, ref Ref) (string, error) {
	out, err := c.gh(ctx, nil, "pr", "view", strconv.Itoa(ref.Number),
		"--repo", ref.FullName(),
		"--json", "headRefOid",
		"--jq", ".headRefOid",
	)
	if err != nil {
		return "", err
	}
	sha := strings.TrimSpace(string(out))
	if sha == "" {
		return "", fmt.Errorf("gh pr view %s: empty head commit", ref)
	}
	return sha, nil
}

// GetDiff returns the unified diff of the pull request.
func (c *GHClient) GetDiff(ctx context.Context, ref Ref) (string, error) {
	out, err := c.gh(ctx, nil, "pr", "diff", strconv.Itoa(ref.Number), "--repo", ref.FullName())
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ChangedFiles returns the paths touched by the pull request.
func (c *GHClient) ChangedFiles(ctx context.Context, ref Ref) ([]string, error) {
	out, err := c.gh(ctx, nil, "pr", "diff", strconv.Itoa(ref.Number), "--repo", ref.FullName(), "--name-only")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// PostLineComment creates a review comment anchored to a line of commitID.
func (c *GHClient) PostLineComment(ctx context.Context, ref Ref, commitID, path string, line int, side Side, body string) error {
	payload, err := json.Marshal(map[string]any{
		"body":      body,
		"commit_id": commitID,
		"path":      path,
		"line":      line,
		"side":      string(side),
	})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("repos/%s/pulls/%d/comments", ref.FullName(), ref.Number)
	_, err = c.gh(ctx, payload, "api", endpoint, "-X", "POST", "--input", "-")
	return err
}

// PostGeneralComment adds a conversation comment to the pull request.
func (c *GHClient) PostGeneralComment(ctx context.Context, ref Ref, body string) error {
	_, err := c.gh(ctx, nil, "pr", "comment", strconv.Itoa(ref.Number), "--repo", ref.FullName(), "--body", body)
	return err
}

// Approve submits an approving review.
func (c *GHClient) Approve(ctx context.Context, ref Ref, body string) error {
	args := []string{"pr", "review", strconv.Itoa(ref.Number), "--repo", ref.FullName(), "--approve"}
	if body != "" {
		args = append(args, "--body", body)
	}
	_, err := c.gh(ctx, nil, args...)
	return err
}

// CloseWithComment posts body (if any) and closes the pull request.
func (c *GHClient) CloseWithComment(ctx context.Context, ref Ref, body string) error {
	if body != "" {
		if err := c.PostGeneralComment(ctx, ref, body); err != nil {
			return err
		}
	}
	_, err := c.gh(ctx, nil, "pr", "close", strconv.Itoa(ref.Number), "--repo", ref.FullName())
	return err
}

// Merge merges the pull request with the given strategy.
func (c *GHClient) Merge(ctx context.Context, ref Ref, strategy MergeStrategy) error {
	if strategy == "" {
		strategy = MergeSquash
	}
	_, err := c.gh(ctx, nil, "pr", "merge", strconv.Itoa(ref.Number), "--repo", ref.FullName(), "--"+string(strategy))
	return err
}

func (r ghPR) toPullRequest(owner, repo string) PullRequest {
	pr := PullRequest{
		Ref:            Ref{Owner: owner, Repo: repo, Number: r.Number},
		Title:          r.Title,
		URL:            r.URL,
		HeadSHA:        r.HeadRefOid,
		BaseSHA:        r.BaseRefOid,
		HeadRefName:    r.HeadRefName,
		BaseRefName:    r.BaseRefName,
		Draft:          r.IsDraft,
		UpdatedAt:      r.UpdatedAt,
		Additions:      r.Additions,
		Deletions:      r.Deletions,
		ReviewDecision: r.ReviewDecision,
		Author:         "unknown",
	}
	if r.Author != nil && r.Author.Login != "" {
		pr.Author = r.Author.Login
	}
	for _, rv := range r.Reviews {
		if rv.State == "APPROVED" && rv.Author != nil && rv.Author.Login != "" {
			pr.ApprovedBy = append(pr.ApprovedBy, rv.Author.Login)
		}
	}
	return pr
}
