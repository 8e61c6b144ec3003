package agent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// DefaultTestOutput is what the test agent reports: one issue per severity
// class it exercises, as JSON lines between two lines of chatter.
const DefaultTestOutput = `Reviewing changes...
{"severity":"CRITICAL","file":"main.go","line":12,"body":"error from Close is ignored","category":"error handling"}
{"severity":"NITPICK","file":"main.go","line":3,"body":"unused import \"os\"","category":"unused imports"}
Done.`

// TestAgent is a deterministic agent for tests and the launch harness
type TestAgent struct {
	Delay  time.Duration // Simulated processing delay
	Output string        // Fixed output to return
	Fail   bool          // If true, returns an error

	mu      sync.Mutex
	prompts []string
}

// NewTestAgent creates a new test agent
func NewTestAgent() *TestAgent {
	return &TestAgent{Output: DefaultTestOutput}
}

// Prompts returns every prompt passed to Review so far.
func (a *TestAgent) Prompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

func (a *TestAgent) Name() string {
	return "test"
}

// InteractiveCommand prints the prompt and exits; it has no TUI.
func (a *TestAgent) InteractiveCommand(_ string, prompt string) []string {
	return []string{"sh", "-c", `printf '%s\n' "$1"`, "reviewer-test-agent", prompt}
}

func (a *TestAgent) Review(ctx context.Context, dir, prompt string, output io.Writer) (string, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, prompt)
	a.mu.Unlock()
	if a.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.Delay):
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}

	if a.Fail {
		return "", fmt.Errorf("test agent configured to fail")
	}

	result := a.Output
	if !strings.HasSuffix(result, "\n") {
		result += "\n"
	}
	if output != nil {
		if _, err := io.WriteString(output, result); err != nil {
			return "", fmt.Errorf("write output: %w", err)
		}
	}
	return result, nil
}

func init() {
	Register(NewTestAgent())
}
