package testenv

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ProdLogBarrier snapshots the production data directory before tests run
// so Check can tell whether a test wrote to it.
type ProdLogBarrier struct {
	pid         int
	realDataDir string

	activitySize int64
	stateExisted bool
}

// DefaultProdDataDir returns ~/.reviewer, ignoring REVIEWER_DATA_DIR.
func DefaultProdDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".reviewer")
}

// NewProdLogBarrier records the state of realDataDir. It must be created
// before REVIEWER_DATA_DIR is overridden.
func NewProdLogBarrier(realDataDir string) *ProdLogBarrier {
	b := &ProdLogBarrier{pid: os.Getpid(), realDataDir: realDataDir}
	b.activitySize = fileSize(filepath.Join(realDataDir, "activity.log"))
	_, err := os.Stat(filepath.Join(realDataDir, "state.db"))
	b.stateExisted = err == nil
	return b
}

// Check returns a description of every leak found, or "" when clean.
func (b *ProdLogBarrier) Check() string {
	var violations []string

	lockPath := filepath.Join(b.realDataDir, "daemon.lock")
	if data, err := os.ReadFile(lockPath); err == nil && strings.TrimSpace(string(data)) == strconv.Itoa(b.pid) {
		violations = append(violations, fmt.Sprintf("test process %d holds the prod daemon.lock", b.pid))
	}

	if !b.stateExisted {
		if _, err := os.Stat(filepath.Join(b.realDataDir, "state.db")); err == nil {
			violations = append(violations, "test created state.db in prod data dir")
		}
	}

	if markers := scanNewLines(filepath.Join(b.realDataDir, "activity.log"), b.activitySize); len(markers) > 0 {
		violations = append(violations, "test pollution in prod activity.log: "+strings.Join(markers, "; "))
	}

	if len(violations) == 0 {
		return ""
	}
	return "PROD LOG BARRIER FAILED:\n  " + strings.Join(violations, "\n  ")
}

// scanNewLines reads lines appended after offset and describes the ones
// that look like test output.
func scanNewLines(path string, offset int64) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	if _, err := f.Seek(offset, 0); err != nil {
		return nil
	}

	var markers []string
	seen := map[string]bool{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		for _, m := range testMarkers(scanner.Text()) {
			if !seen[m] {
				seen[m] = true
				markers = append(markers, m)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		markers = append(markers, fmt.Sprintf("scan error (barrier may be incomplete): %v", err))
	}
	return markers
}

// testMarkers flags entries only tests produce: the "test" event and
// pull requests in the fixture organisations.
func testMarkers(line string) []string {
	var out []string
	if strings.Contains(line, `"event":"test"`) {
		out = append(out, `event:"test" entry`)
	}
	for _, org := range []string{`"acme/`, `"test-org/`} {
		if strings.Contains(line, `"pr":`+org) || strings.Contains(line, `"repo":`+org) {
			out = append(out, "fixture repository "+strings.Trim(org, `"/`))
		}
	}
	return out
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
