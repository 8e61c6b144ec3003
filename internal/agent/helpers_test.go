package agent

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
)

// skipIfWindows skips tests that rely on Unix shell scripts.
func skipIfWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipping test that requires Unix shell scripts")
	}
}

func writeTempCommand(t *testing.T, script string) string {
	t.Helper()
	skipIfWindows(t)

	path := filepath.Join(t.TempDir(), "cmd")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write temp command: %v", err)
	}
	return path
}

// MockCLIOpts controls the behavior of a mock agent CLI script.
type MockCLIOpts struct {
	HelpOutput   string // Printed when any argument is --help
	Stdout       string // Printed on normal invocations
	ExitCode     int
	CaptureArgs  bool // Write "$@" to a capture file
	CaptureStdin bool // Write stdin to a capture file
}

// MockCLIResult holds paths to the mock command and any capture files.
type MockCLIResult struct {
	CmdPath   string
	ArgsFile  string
	StdinFile string
}

// mockAgentCLI creates a temporary shell script that simulates an agent CLI.
func mockAgentCLI(t *testing.T, opts MockCLIOpts) *MockCLIResult {
	t.Helper()
	skipIfWindows(t)

	tmpDir := t.TempDir()
	result := &MockCLIResult{}

	var script strings.Builder
	script.WriteString("#!/bin/sh\n")
	if opts.HelpOutput != "" {
		script.WriteString(`for a in "$@"; do if [ "$a" = "--help" ]; then echo "` + opts.HelpOutput + `"; exit 0; fi; done` + "\n")
	}
	if opts.CaptureArgs {
		result.ArgsFile = filepath.Join(tmpDir, "args.txt")
		script.WriteString(`echo "$@" > '` + result.ArgsFile + "'\n")
	}
	if opts.CaptureStdin {
		result.StdinFile = filepath.Join(tmpDir, "stdin.txt")
		script.WriteString(`cat > '` + result.StdinFile + "'\n")
	}
	if opts.Stdout != "" {
		outFile := filepath.Join(tmpDir, "stdout.txt")
		if err := os.WriteFile(outFile, []byte(opts.Stdout), 0644); err != nil {
			t.Fatalf("write stdout fixture: %v", err)
		}
		script.WriteString(`cat '` + outFile + "'\n")
	}
	script.WriteString("exit " + strconv.Itoa(opts.ExitCode) + "\n")

	result.CmdPath = writeTempCommand(t, script.String())
	return result
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}
