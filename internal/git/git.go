package git

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// normalizeMSYSPath converts MSYS-style paths (e.g., /c/Users/...) to Windows paths (C:\Users\...).
// On non-Windows systems, it just applies filepath.FromSlash.
func normalizeMSYSPath(path string) string {
	path = strings.TrimSpace(path)
	if runtime.GOOS == "windows" && len(path) >= 3 && path[0] == '/' {
		if (path[1] >= 'a' && path[1] <= 'z' || path[1] >= 'A' && path[1] <= 'Z') && path[2] == '/' {
			path = strings.ToUpper(string(path[1])) + ":" + path[2:]
		}
	}
	return filepath.FromSlash(path)
}

// GetRepoRoot returns the root directory of the git repository
func GetRepoRoot(path string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = path

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse --show-toplevel: %w", err)
	}
	return normalizeMSYSPath(string(out)), nil
}

// IsRepo reports whether path is the top of a git checkout. Worktrees have
// a .git file instead of a directory and count too.
func IsRepo(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// GetRemoteURL returns the URL for a git remote.
// If remoteName is empty, tries "origin" first, then any other remote.
// Returns empty string if no remotes exist.
func GetRemoteURL(repoPath, remoteName string) string {
	if remoteName != "" {
		return getRemoteURLByName(repoPath, remoteName)
	}
	if url := getRemoteURLByName(repoPath, "origin"); url != "" {
		return url
	}
	cmd := exec.Command("git", "remote")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	for _, remote := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if remote == "" {
			continue
		}
		if url := getRemoteURLByName(repoPath, remote); url != "" {
			return url
		}
	}
	return ""
}

func getRemoteURLByName(repoPath, name string) string {
	cmd := exec.Command("git", "remote", "get-url", name)
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// ParseRemoteURL extracts "owner/repo" from a GitHub-style remote URL:
// git@host:owner/repo.git, ssh://git@host/owner/repo.git,
// https://host/owner/repo(.git). Local paths and URLs with fewer than two
// path segments report ok=false.
func ParseRemoteURL(url string) (nameWithOwner string, ok bool) {
	url = strings.TrimSpace(url)
	if url == "" {
		return "", false
	}

	var path string
	switch {
	case strings.Contains(url, "://"):
		rest := url[strings.Index(url, "://")+3:]
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return "", false
		}
		if strings.HasPrefix(url, "file://") {
			return "", false
		}
		path = rest[slash+1:]
	case strings.Contains(url, ":") && !strings.HasPrefix(url, "/"):
		// scp-like syntax: [user@]host:owner/repo.git
		path = url[strings.Index(url, ":")+1:]
	default:
		return "", false
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return "", false
	}
	owner, repo := parts[len(parts)-2], parts[len(parts)-1]
	if owner == "" || repo == "" {
		return "", false
	}
	return owner + "/" + repo, true
}

// NameWithOwner returns the "owner/repo" identity of the repository at path,
// derived from its remote URL.
func NameWithOwner(repoPath string) (string, error) {
	url := GetRemoteURL(repoPath, "")
	if url == "" {
		return "", fmt.Errorf("%s has no git remote", repoPath)
	}
	name, ok := ParseRemoteURL(url)
	if !ok {
		return "", fmt.Errorf("cannot derive owner/repo from remote %q", url)
	}
	return name, nil
}
