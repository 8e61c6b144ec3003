// Package forge abstracts the pull-request operations reviewer needs from
// the code-hosting service. Two backends exist: the gh CLI (default, uses
// whatever auth gh is configured with) and the GitHub REST API.
package forge

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Ref identifies a pull request. It is immutable once observed.
type Ref struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

// FullName returns "owner/repo".
func (r Ref) FullName() string {
	return r.Owner + "/" + r.Repo
}

// Key returns the canonical "owner/repo#number" form used as the ledger key.
// Owner and repository are lowercased: the hosting service treats them
// case-insensitively, and the same repository may be spelled differently by
// a config file, a git remote and the API.
func (r Ref) Key() string {
	return fmt.Sprintf("%s/%s#%d", strings.ToLower(r.Owner), strings.ToLower(r.Repo), r.Number)
}

// SameRepo reports whether r belongs to the repository fullName, ignoring case.
func (r Ref) SameRepo(fullName string) bool {
	return strings.EqualFold(r.FullName(), strings.TrimSuffix(strings.TrimSpace(fullName), ".git"))
}

func (r Ref) String() string {
	return r.Key()
}

var prURLRe = regexp.MustCompile(`^https?://[^/]+/([^/]+)/([^/]+)/pull/(\d+)`)

// ParseRef accepts "owner/repo#123", "owner/repo/123" or a pull request URL.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if m := prURLRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[3])
		return Ref{Owner: m[1], Repo: m[2], Number: n}, nil
	}

	repoPart, numPart, ok := strings.Cut(s, "#")
	if !ok {
		idx := strings.LastIndex(s, "/")
		if idx < 0 {
			return Ref{}, fmt.Errorf("invalid pull request reference %q (want owner/repo#number)", s)
		}
		repoPart, numPart = s[:idx], s[idx+1:]
	}
	owner, repo, err := SplitRepo(repoPart)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid pull request reference %q: %w", s, err)
	}
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return Ref{}, fmt.Errorf("invalid pull request number in %q", s)
	}
	return Ref{Owner: owner, Repo: repo, Number: n}, nil
}

// SplitRepo splits "owner/repo" into its parts.
func SplitRepo(fullName string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("invalid repository %q (want owner/repo)", fullName)
	}
	return owner, strings.TrimSuffix(repo, ".git"), nil
}

// PullRequest is an open pull request as reported by the hosting service.
type PullRequest struct {
	Ref
	Title          string
	Author         string
	URL            string
	HeadSHA        string
	BaseSHA        string
	HeadRefName    string
	BaseRefName    string
	Draft          bool
	UpdatedAt      time.Time
	Additions      int
	Deletions      int
	ReviewDecision string   // APPROVED, CHANGES_REQUESTED, REVIEW_REQUIRED or empty
	ApprovedBy     []string // logins with an APPROVED review, when the backend reports them
}

// ApprovedByUser reports whether login has already approved the pull request.
func (pr *PullRequest) ApprovedByUser(login string) bool {
	for _, a := range pr.ApprovedBy {
		if strings.EqualFold(a, login) {
			return true
		}
	}
	return false
}

// Side selects which version of the file a line comment refers to.
type Side string

const (
	SideLeft  Side = "LEFT"
	SideRight Side = "RIGHT"
)

// MergeStrategy is the merge method passed to the hosting service.
type MergeStrategy string

const (
	MergeSquash MergeStrategy = "squash"
	MergeCommit MergeStrategy = "merge"
	MergeRebase MergeStrategy = "rebase"
)

// Client is the hosting-service surface used by the watcher and the review
// engine. Implementations must be safe for concurrent use.
type Client interface {
	CurrentUser(ctx context.Context) (string, error)
	ListOpenPullRequests(ctx context.Context, repo string, includeDrafts bool) ([]PullRequest, error)
	GetPullRequest(ctx context.Context, ref Ref) (*PullRequest, error)
	HeadCommit(ctx context.Context, ref Ref) (string, error)
	GetDiff(ctx context.Context, ref Ref) (string, error)
	ChangedFiles(ctx context.Context, ref Ref) ([]string, error)
	PostLineComment(ctx context.Context, ref Ref, commitID, path string, line int, side Side, body string) error
	PostGeneralComment(ctx context.Context, ref Ref, body string) error
	Approve(ctx context.Context, ref Ref, body string) error
	CloseWithComment(ctx context.Context, ref Ref, body string) error
	Merge(ctx context.Context, ref Ref, strategy MergeStrategy) error
}

// MergePreferSquash merges with a squash, falling back to a merge commit if
// the repository does not allow squashing. It returns the strategy used.
func MergePreferSquash(ctx context.Context, c Client, ref Ref) (MergeStrategy, error) {
	squashErr := c.Merge(ctx, ref, MergeSquash)
	if squashErr == nil {
		return MergeSquash, nil
	}
	if err := c.Merge(ctx, ref, MergeCommit); err != nil {
		return "", fmt.Errorf("merge %s: squash: %v; merge: %w", ref, squashErr, err)
	}
	return MergeCommit, nil
}

// New returns the client for the named backend ("gh" or "api").
func New(backend string) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "gh":
		return NewGHClient(), nil
	case "api", "rest":
		token, err := ResolveToken(context.Background())
		if err != nil {
			return nil, err
		}
		return NewRESTClient(token), nil
	default:
		return nil, fmt.Errorf("unknown forge backend %q (valid: gh, api)", backend)
	}
}
