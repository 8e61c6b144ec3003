package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// GitHelper runs git commands in a repo directory.
type GitHelper struct {
	t            *testing.T
	dir          string
	resolvedPath string
}

func (g *GitHelper) Run(args ...string) string {
	g.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = g.dir
	cmd.Env = append(os.Environ(), "GIT_CONFIG_NOSYSTEM=1", "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		g.t.Fatalf("git %v: %s: %v", args, out, err)
	}
	return strings.TrimSpace(string(out))
}

func (g *GitHelper) Path() string {
	if g.resolvedPath != "" {
		return g.resolvedPath
	}
	return g.dir
}

func (g *GitHelper) HeadSHA() string {
	g.t.Helper()
	return g.Run("rev-parse", "HEAD")
}

func (g *GitHelper) CommitFile(name, content, msg string) {
	g.t.Helper()
	path := filepath.Join(g.dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		g.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		g.t.Fatal(err)
	}
	g.Run("add", name)
	g.Run("commit", "-m", msg)
}

// NewGitRepo initializes a repository in a fresh temp dir.
func NewGitRepo(t *testing.T) *GitHelper {
	t.Helper()
	return NewGitRepoAt(t, t.TempDir())
}

// NewGitRepoAt initializes a repository at dir, creating it if needed.
func NewGitRepoAt(t *testing.T, dir string) *GitHelper {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	// macOS temp dirs live behind /var -> /private/var.
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolved = dir
	}
	g := &GitHelper{t: t, dir: dir, resolvedPath: resolved}
	g.Run("init", "-b", "main")
	g.Run("config", "user.email", "test@test.com")
	g.Run("config", "user.name", "Test")
	return g
}

// WithGitHubOrigin points origin at github.com/<nameWithOwner>.
func (g *GitHelper) WithGitHubOrigin(nameWithOwner string) *GitHelper {
	g.t.Helper()
	g.Run("remote", "add", "origin", "git@github.com:"+nameWithOwner+".git")
	return g
}
