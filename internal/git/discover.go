package git

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultScanDepth is how deep FindRepos descends below the root.
const DefaultScanDepth = 3

// DiscoveredRepo is a checkout found under the repositories root.
type DiscoveredRepo struct {
	Path string
	// NameWithOwner is "owner/repo", or empty when no remote identifies it.
	NameWithOwner string
}

// Key identifies the repository for dedup: its owner/repo identity, or its
// path when it has none.
func (r DiscoveredRepo) Key() string {
	if r.NameWithOwner != "" {
		return r.NameWithOwner
	}
	return "path:" + r.Path
}

// ScanResult is the outcome of Scan.
type ScanResult struct {
	Discovered int
	Repos      []DiscoveredRepo
}

// DuplicatesSkipped is the number of checkouts dropped because another
// checkout of the same repository was kept.
func (s ScanResult) DuplicatesSkipped() int {
	return s.Discovered - len(s.Repos)
}

// FindRepos returns the sorted paths of git checkouts under root, at most
// maxDepth levels deep. Hidden directories are skipped, as is anything
// under an exclude entry (paths relative to root, e.g. "archived" or
// "vendor/old"). A checkout's own subdirectories are not searched.
func FindRepos(root string, maxDepth int, exclude []string) []string {
	root = filepath.Clean(root)
	excluded := make([]string, 0, len(exclude))
	for _, e := range exclude {
		e = strings.Trim(filepath.ToSlash(strings.TrimSpace(e)), "/")
		if e != "" {
			excluded = append(excluded, filepath.Join(root, filepath.FromSlash(e)))
		}
	}

	var repos []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root {
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			for _, ex := range excluded {
				if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
					return filepath.SkipDir
				}
			}
		}
		if IsRepo(path) {
			repos = append(repos, path)
			return filepath.SkipDir
		}
		if depth(root, path) >= maxDepth {
			return filepath.SkipDir
		}
		return nil
	})
	sort.Strings(repos)
	return repos
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(rel, string(filepath.Separator)))
}

// Scan finds repositories under root and keeps one checkout per owner/repo
// identity, preferring the lexically smallest path.
func Scan(root string, maxDepth int, exclude []string) ScanResult {
	paths := FindRepos(root, maxDepth, exclude)
	found := make([]DiscoveredRepo, 0, len(paths))
	for _, p := range paths {
		name, _ := NameWithOwner(p)
		found = append(found, DiscoveredRepo{Path: p, NameWithOwner: name})
	}
	return ScanResult{Discovered: len(found), Repos: dedupe(found)}
}

func dedupe(repos []DiscoveredRepo) []DiscoveredRepo {
	sort.SliceStable(repos, func(i, j int) bool {
		if repos[i].Key() != repos[j].Key() {
			return repos[i].Key() < repos[j].Key()
		}
		return repos[i].Path < repos[j].Path
	})
	out := repos[:0]
	for i, r := range repos {
		if i > 0 && r.Key() == out[len(out)-1].Key() {
			continue
		}
		out = append(out, r)
	}
	return out
}

// FindRepo returns the local checkout of nameWithOwner under root, if any.
func FindRepo(root, nameWithOwner string, exclude []string) (string, bool) {
	for _, r := range Scan(root, DefaultScanDepth, exclude).Repos {
		if strings.EqualFold(r.NameWithOwner, nameWithOwner) {
			return r.Path, true
		}
	}
	return "", false
}
