package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/reviewer-dev/reviewer/internal/config"
	"github.com/reviewer-dev/reviewer/internal/forge"
	"github.com/reviewer-dev/reviewer/internal/testenv"
	"github.com/reviewer-dev/reviewer/internal/testutil"
)

type postedComment struct {
	PR   string
	Line bool
	Path string
	Body string
}

// cliForge is an in-memory forge.Client for command tests.
type cliForge struct {
	mu       sync.Mutex
	user     string
	prs      map[string][]forge.PullRequest
	listErr  map[string]error
	changed  map[string][]string
	comments []postedComment
	approves int
	merges   []forge.MergeStrategy
	closed   []string
}

func newCLIForge() *cliForge {
	return &cliForge{
		user:    "me",
		prs:     map[string][]forge.PullRequest{},
		listErr: map[string]error{},
		changed: map[string][]string{},
	}
}

func (f *cliForge) add(prs ...forge.PullRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pr := range prs {
		f.prs[pr.FullName()] = append(f.prs[pr.FullName()], pr)
	}
}

func (f *cliForge) find(ref forge.Ref) (*forge.PullRequest, bool) {
	for _, pr := range f.prs[ref.FullName()] {
		if pr.Number == ref.Number {
			cp := pr
			return &cp, true
		}
	}
	return nil, false
}

func (f *cliForge) CurrentUser(context.Context) (string, error) { return f.user, nil }

func (f *cliForge) ListOpenPullRequests(_ context.Context, repo string, _ bool) ([]forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[repo]; err != nil {
		return nil, err
	}
	return append([]forge.PullRequest(nil), f.prs[repo]...), nil
}

func (f *cliForge) GetPullRequest(_ context.Context, ref forge.Ref) (*forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.find(ref)
	if !ok {
		return nil, fmt.Errorf("%s not found", ref)
	}
	return pr, nil
}

func (f *cliForge) HeadCommit(_ context.Context, ref forge.Ref) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.find(ref)
	if !ok {
		return "", fmt.Errorf("%s not found", ref)
	}
	return pr.HeadSHA, nil
}

func (f *cliForge) GetDiff(context.Context, forge.Ref) (string, error) {
	return "", errors.New("diff not available")
}

func (f *cliForge) ChangedFiles(_ context.Context, ref forge.Ref) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changed[ref.Key()], nil
}

func (f *cliForge) PostLineComment(_ context.Context, ref forge.Ref, _, path string, _ int, _ forge.Side, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, postedComment{PR: ref.Key(), Line: true, Path: path, Body: body})
	return nil
}

func (f *cliForge) PostGeneralComment(_ context.Context, ref forge.Ref, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, postedComment{PR: ref.Key(), Body: body})
	return nil
}

func (f *cliForge) Approve(context.Context, forge.Ref, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approves++
	return nil
}

func (f *cliForge) CloseWithComment(_ context.Context, ref forge.Ref, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, ref.Key())
	return nil
}

func (f *cliForge) Merge(_ context.Context, _ forge.Ref, strategy forge.MergeStrategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges = append(f.merges, strategy)
	return nil
}

func (f *cliForge) posted() []postedComment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postedComment(nil), f.comments...)
}

// cliHarness isolates the data dir and swaps in the fake forge.
type cliHarness struct {
	t       *testing.T
	dataDir string
	forge   *cliForge
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	h := &cliHarness{t: t, dataDir: testenv.SetDataDir(t), forge: newCLIForge()}

	origForge, origInteractive := newForgeClient, isInteractive
	newForgeClient = func(string) (forge.Client, error) { return h.forge, nil }
	isInteractive = func() bool { return false }
	t.Cleanup(func() {
		newForgeClient = origForge
		isInteractive = origInteractive
	})
	return h
}

// writeConfig saves a config built from the defaults.
func (h *cliHarness) writeConfig(mutate func(*config.Config)) {
	h.t.Helper()
	cfg := config.DefaultConfig()
	cfg.DefaultAgent = "test"
	if mutate != nil {
		mutate(cfg)
	}
	if err := config.SaveGlobal(cfg); err != nil {
		h.t.Fatalf("SaveGlobal: %v", err)
	}
}

func (h *cliHarness) pr(repo string, n int) forge.PullRequest {
	return testutil.PullRequest(h.t, repo, n)
}

func (h *cliHarness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *cliHarness) mustRun(stdin string, args ...string) string {
	h.t.Helper()
	out, err := h.run(stdin, args...)
	if err != nil {
		h.t.Fatalf("reviewer %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}
