package worktree

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/reviewer-dev/reviewer/internal/forge"
)

// DirName is the directory under the repositories root that holds PR worktrees.
const DirName = ".worktrees"

// Path returns where the worktree for ref lives:
// <reposRoot>/.worktrees/<owner>-<repo>-pr-<n>.
func Path(reposRoot string, ref forge.Ref) string {
	name := fmt.Sprintf("%s-%s-pr-%d", ref.Owner, ref.Repo, ref.Number)
	return filepath.Join(reposRoot, DirName, name)
}

// CreateForPR fetches the pull request head from origin into repoPath and
// checks it out, detached, as a fresh worktree under reposRoot. An existing
// worktree for the same PR is replaced.
func CreateForPR(repoPath, reposRoot string, ref forge.Ref) (string, error) {
	dir := Path(reposRoot, ref)
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return "", fmt.Errorf("create worktree dir: %w", err)
	}
	if _, err := os.Stat(dir); err == nil {
		if err := Remove(repoPath, dir); err != nil {
			return "", err
		}
	}

	prRef := "refs/pull/" + strconv.Itoa(ref.Number) + "/head"
	if out, err := git(repoPath, "fetch", "origin", prRef); err != nil {
		return "", fmt.Errorf("fetch %s: %w: %s", prRef, err, out)
	}

	// User hooks shouldn't run in review worktrees.
	if out, err := git(repoPath, "-c", "core.hooksPath="+os.DevNull, "worktree", "add", "--detach", dir, "FETCH_HEAD"); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("git worktree add: %w: %s", err, out)
	}
	return dir, nil
}

// Remove deletes a worktree and its directory. A directory git no longer
// tracks is removed from disk directly.
func Remove(repoPath, dir string) error {
	out, gitErr := git(repoPath, "worktree", "remove", "--force", dir)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Join(fmt.Errorf("remove %s: %w", dir, err), gitErr)
	}
	if gitErr != nil && !strings.Contains(out, "is not a working tree") {
		// The directory is gone; prune the stale administrative entry.
		_, _ = git(repoPath, "worktree", "prune")
	}
	return nil
}

// Head returns the commit checked out in dir.
func Head(dir string) (string, error) {
	out, err := git(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w: %s", err, out)
	}
	return strings.TrimSpace(out), nil
}

func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
