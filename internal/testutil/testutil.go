// Package testutil provides shared fixtures for reviewer tests.
package testutil

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/reviewer-dev/reviewer/internal/forge"
	"github.com/reviewer-dev/reviewer/internal/storage"
)

// OpenTestDB opens a state database in a temp dir, closed on cleanup.
func OpenTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, _ := OpenTestDBWithDir(t)
	return db
}

// OpenTestDBWithDir is OpenTestDB that also returns the directory holding
// the database.
func OpenTestDBWithDir(t *testing.T) (*storage.DB, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, dir
}

// PullRequest returns an open pull request fixture in repo ("owner/name").
func PullRequest(t *testing.T, repo string, number int) forge.PullRequest {
	t.Helper()
	owner, name, err := forge.SplitRepo(repo)
	if err != nil {
		t.Fatalf("fixture repo: %v", err)
	}
	return forge.PullRequest{
		Ref:         forge.Ref{Owner: owner, Repo: name, Number: number},
		Title:       fmt.Sprintf("Change %d", number),
		Author:      "octocat",
		URL:         fmt.Sprintf("https://github.com/%s/pull/%d", repo, number),
		HeadSHA:     fmt.Sprintf("%040d", number),
		BaseRefName: "main",
		HeadRefName: fmt.Sprintf("feature-%d", number),
	}
}
