package forge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/go-github/v68/github"
)

// RESTClient talks to the GitHub REST API through go-github. It does not
// fetch reviews when listing, so PullRequest.ApprovedBy stays empty and
// skip-own-approved filtering only applies to the gh backend.
type RESTClient struct {
	gh *github.Client
}

// NewRESTClient creates a REST client authenticated with token.
func NewRESTClient(token string) *RESTClient {
	c := github.NewClient(nil)
	if token != "" {
		c = c.WithAuthToken(token)
	}
	return &RESTClient{gh: c}
}

// NewRESTClientFrom wraps an existing go-github client (tests point it at an
// httptest server).
func NewRESTClientFrom(c *github.Client) *RESTClient {
	return &RESTClient{gh: c}
}

// ResolveToken finds an API token: GH_TOKEN, then GITHUB_TOKEN, then
// `gh auth token`.
func ResolveToken(ctx context.Context) (string, error) {
	for _, key := range []string{"GH_TOKEN", "GITHUB_TOKEN"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v, nil
		}
	}
	out, err := exec.CommandContext(ctx, "gh", "auth", "token").Output()
	if err != nil {
		return "", fmt.Errorf("no GitHub token: set GH_TOKEN or run 'gh auth login': %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RESTClient) CurrentUser(ctx context.Context) (string, error) {
	u, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("get current user: %w", err)
	}
	return u.GetLogin(), nil
}

func (c *RESTClient) ListOpenPullRequests(ctx context.Context, repo string, includeDrafts bool) ([]PullRequest, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var prs []PullRequest
	for {
		page, resp, err := c.gh.PullRequests.List(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("list pull requests for %s: %w", repo, err)
		}
		for _, p := range page {
			if p.GetDraft() && !includeDrafts {
				continue
			}
			prs = append(prs, fromGitHub(owner, name, p))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return prs, nil
}

func (c *RESTClient) GetPullRequest(ctx context.Context, ref Ref) (*PullRequest, error) {
	p, _, err := c.gh.PullRequests.Get(ctx, ref.Owner, ref.Repo, ref.Number)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}
	pr := fromGitHub(ref.Owner, ref.Repo, p)
	return &pr, nil
}

func (c *RESTClient) HeadCommit(ctx context.Context, ref Ref) (string, error) {
	pr, err := c.GetPullRequest(ctx, ref)
	if err != nil {
		return "", err
	}
	return pr.HeadSHA, nil
}

func (c *RESTClient) GetDiff(ctx context.Context, ref Ref) (string, error) {
	raw, _, err := c.gh.PullRequests.GetRaw(ctx, ref.Owner, ref.Repo, ref.Number, github.RawOptions{Type: github.Diff})
	if err != nil {
		return "", fmt.Errorf("get diff for %s: %w", ref, err)
	}
	return raw, nil
}

func (c *RESTClient) ChangedFiles(ctx context.Context, ref Ref) ([]string, error) {
	opts := &github.ListOptions{PerPage: 100}
	var files []string
	for {
		page, resp, err := c.gh.PullRequests.ListFiles(ctx, ref.Owner, ref.Repo, ref.Number, opts)
		if err != nil {
			return nil, fmt.Errorf("list files for %s: %w", ref, err)
		}
		for _, f := range page {
			files = append(files, f.GetFilename())
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}

func (c *RESTClient) PostLineComment(ctx context.Context, ref Ref, commitID, path string, line int, side Side, body string) error {
	_, _, err := c.gh.PullRequests.CreateComment(ctx, ref.Owner, ref.Repo, ref.Number, &github.PullRequestComment{
		Body:     github.Ptr(body),
		CommitID: github.Ptr(commitID),
		Path:     github.Ptr(path),
		Line:     github.Ptr(line),
		Side:     github.Ptr(string(side)),
	})
	if err != nil {
		return fmt.Errorf("line comment on %s %s:%d: %w", ref, path, line, err)
	}
	return nil
}

func (c *RESTClient) PostGeneralComment(ctx context.Context, ref Ref, body string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, ref.Owner, ref.Repo, ref.Number, &github.IssueComment{
		Body: github.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("comment on %s: %w", ref, err)
	}
	return nil
}

func (c *RESTClient) Approve(ctx context.Context, ref Ref, body string) error {
	req := &github.PullRequestReviewRequest{Event: github.Ptr("APPROVE")}
	if body != "" {
		req.Body = github.Ptr(body)
	}
	if _, _, err := c.gh.PullRequests.CreateReview(ctx, ref.Owner, ref.Repo, ref.Number, req); err != nil {
		return fmt.Errorf("approve %s: %w", ref, err)
	}
	return nil
}

func (c *RESTClient) CloseWithComment(ctx context.Context, ref Ref, body string) error {
	if body != "" {
		if err := c.PostGeneralComment(ctx, ref, body); err != nil {
			return err
		}
	}
	_, _, err := c.gh.PullRequests.Edit(ctx, ref.Owner, ref.Repo, ref.Number, &github.PullRequest{
		State: github.Ptr("closed"),
	})
	if err != nil {
		return fmt.Errorf("close %s: %w", ref, err)
	}
	return nil
}

func (c *RESTClient) Merge(ctx context.Context, ref Ref, strategy MergeStrategy) error {
	if strategy == "" {
		strategy = MergeSquash
	}
	res, _, err := c.gh.PullRequests.Merge(ctx, ref.Owner, ref.Repo, ref.Number, "", &github.PullRequestOptions{
		MergeMethod: string(strategy),
	})
	if err != nil {
		return fmt.Errorf("merge %s (%s): %w", ref, strategy, err)
	}
	if !res.GetMerged() {
		return fmt.Errorf("merge %s (%s): %s", ref, strategy, res.GetMessage())
	}
	return nil
}

func fromGitHub(owner, repo string, p *github.PullRequest) PullRequest {
	pr := PullRequest{
		Ref:         Ref{Owner: owner, Repo: repo, Number: p.GetNumber()},
		Title:       p.GetTitle(),
		Author:      p.GetUser().GetLogin(),
		URL:         p.GetHTMLURL(),
		HeadSHA:     p.GetHead().GetSHA(),
		BaseSHA:     p.GetBase().GetSHA(),
		HeadRefName: p.GetHead().GetRef(),
		BaseRefName: p.GetBase().GetRef(),
		Draft:       p.GetDraft(),
		UpdatedAt:   p.GetUpdatedAt().Time,
		Additions:   p.GetAdditions(),
		Deletions:   p.GetDeletions(),
	}
	if pr.Author == "" {
		pr.Author = "unknown"
	}
	return pr
}
