package daemon

import (
	"sort"
	"strings"

	"github.com/reviewer-dev/reviewer/internal/config"
	"github.com/reviewer-dev/reviewer/internal/git"
)

// MonitoredRepos returns the repositories a watcher polls: the configured
// daemon.repos plus every repository discovered under repos_root, minus
// daemon.exclude_repos. Names are owner/repo, deduplicated
// case-insensitively and sorted.
func MonitoredRepos(cfg *config.Config) []string {
	var candidates []string
	candidates = append(candidates, cfg.Daemon.Repos...)
	if root := cfg.ResolvedReposRoot(); root != "" {
		for _, r := range git.Scan(root, git.DefaultScanDepth, cfg.Exclude).Repos {
			if r.NameWithOwner != "" {
				candidates = append(candidates, r.NameWithOwner)
			}
		}
	}
	return filterRepos(candidates, cfg.Daemon.ExcludeRepos)
}

func filterRepos(candidates, excluded []string) []string {
	skip := make(map[string]bool, len(excluded))
	for _, e := range excluded {
		skip[strings.ToLower(strings.TrimSpace(e))] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		key := strings.ToLower(c)
		if c == "" || seen[key] || skip[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// pathInSubpath reports whether path is subpath itself or lies beneath it.
// subpath must already be normalized (no leading or trailing slash).
func pathInSubpath(path, subpath string) bool {
	path = strings.TrimLeft(path, "/")
	if path == subpath {
		return true
	}
	rest, ok := strings.CutPrefix(path, subpath)
	return ok && strings.HasPrefix(rest, "/")
}

// touchesAnySubpath reports whether any changed file lies inside any of the
// subpaths.
func touchesAnySubpath(changed, subpaths []string) bool {
	for _, f := range changed {
		for _, sp := range subpaths {
			if pathInSubpath(f, sp) {
				return true
			}
		}
	}
	return false
}
