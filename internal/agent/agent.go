package agent

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
)

// Agent defines the interface for AI review agents
type Agent interface {
	// Name returns the agent identifier (e.g., "codex", "claude-code")
	Name() string

	// Review runs a headless review in dir and returns the agent's final output.
	// If output is non-nil, agent progress is streamed to it in real-time.
	Review(ctx context.Context, dir, prompt string, output io.Writer) (result string, err error)

	// InteractiveCommand returns the argv that starts an interactive session
	// seeded with prompt. The caller is responsible for running it in dir.
	InteractiveCommand(dir, prompt string) []string
}

// CommandAgent is an agent that uses an external command
type CommandAgent interface {
	Agent
	// CommandName returns the executable command name
	CommandName() string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Agent)
)

// aliases maps short names to full agent names
var aliases = map[string]string{
	"claude": "claude-code",
}

// fallbacks is the order GetAvailable tries when the preferred agent is missing.
var fallbacks = []string{"claude-code", "codex"}

func resolveAlias(name string) string {
	if canonical, ok := aliases[name]; ok {
		return canonical
	}
	return name
}

// Register adds an agent to the registry, replacing any agent of the same name.
func Register(a Agent) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[a.Name()] = a
}

// Get returns an agent by name (supports aliases like "claude" for "claude-code")
func Get(name string) (Agent, error) {
	name = resolveAlias(name)
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", name)
	}
	return a, nil
}

// Available returns the sorted names of all registered agents
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsAvailable checks if an agent's command is installed on the system
func IsAvailable(name string) bool {
	a, err := Get(name)
	if err != nil {
		return false
	}
	if ca, ok := a.(CommandAgent); ok {
		_, err := exec.LookPath(ca.CommandName())
		return err == nil
	}
	// Non-command agents (like test) are always available
	return true
}

// GetAvailable returns an available agent, trying the requested one first,
// then falling back to alternatives. The test agent is never picked as a
// fallback.
func GetAvailable(preferred string) (Agent, error) {
	preferred = resolveAlias(preferred)
	if preferred != "" && IsAvailable(preferred) {
		return Get(preferred)
	}
	for _, name := range fallbacks {
		if name != preferred && IsAvailable(name) {
			return Get(name)
		}
	}
	if preferred != "" {
		return nil, fmt.Errorf("agent %q not available and no fallback installed (install one of: claude-code, codex)", preferred)
	}
	return nil, fmt.Errorf("no agents available (install one of: claude-code, codex)")
}

// syncWriter wraps an io.Writer with mutex protection for concurrent writes.
// io.MultiWriter may send stdout and stderr to the same output concurrently.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// newSyncWriter returns nil if w is nil.
func newSyncWriter(w io.Writer) *syncWriter {
	if w == nil {
		return nil
	}
	return &syncWriter{w: w}
}

func (sw *syncWriter) Write(p []byte) (n int, err error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.w.Write(p)
}
