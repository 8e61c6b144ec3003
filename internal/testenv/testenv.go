// Package testenv provides environment isolation helpers for tests.
// This package intentionally has no dependencies on other internal packages
// to avoid import cycles.
package testenv

import (
	"fmt"
	"os"
	"testing"
)

// DataDirEnv is the variable config.DataDir() honours before ~/.reviewer.
const DataDirEnv = "REVIEWER_DATA_DIR"

// SetDataDir points REVIEWER_DATA_DIR at a temp directory for the duration
// of the test and returns it.
func SetDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(DataDirEnv, dir)
	return dir
}

// RunIsolatedMain runs a package's tests with REVIEWER_DATA_DIR pointing at
// a throwaway directory, then fails the run if anything leaked into the
// real data directory. Use it from TestMain:
//
//	func TestMain(m *testing.M) { os.Exit(testenv.RunIsolatedMain(m)) }
func RunIsolatedMain(m *testing.M) int {
	barrier := NewProdLogBarrier(DefaultProdDataDir())

	tmp, err := os.MkdirTemp("", "reviewer-test-data-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testenv: create data dir: %v\n", err)
		return 1
	}
	orig, hadOrig := os.LookupEnv(DataDirEnv)
	os.Setenv(DataDirEnv, tmp)

	code := m.Run()

	if hadOrig {
		os.Setenv(DataDirEnv, orig)
	} else {
		os.Unsetenv(DataDirEnv)
	}
	os.RemoveAll(tmp)

	if msg := barrier.Check(); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
		if code == 0 {
			code = 1
		}
	}
	return code
}
