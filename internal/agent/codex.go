package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const codexAutoApproveFlag = "--full-auto"

var codexAutoApproveSupport sync.Map

// CodexAgent runs reviews using the Codex CLI
type CodexAgent struct {
	Command string // The codex command to run (default: "codex")
}

// NewCodexAgent creates a new Codex agent
func NewCodexAgent(command string) *CodexAgent {
	if command == "" {
		command = "codex"
	}
	return &CodexAgent{Command: command}
}

func (a *CodexAgent) Name() string {
	return "codex"
}

func (a *CodexAgent) CommandName() string {
	return a.Command
}

func (a *CodexAgent) buildArgs(dir, outputFile string, autoApprove bool) []string {
	args := []string{"exec"}
	if autoApprove {
		args = append(args, codexAutoApproveFlag)
	}
	args = append(args, "-C", dir, "-o", outputFile)
	// "-" must come after all flags to read the prompt from stdin
	return append(args, "-")
}

// InteractiveCommand starts the codex TUI with prompt as the first message.
func (a *CodexAgent) InteractiveCommand(dir, prompt string) []string {
	return []string{a.Command, "-C", dir, prompt}
}

func codexSupportsAutoApproveFlag(ctx context.Context, command string) (bool, error) {
	if cached, ok := codexAutoApproveSupport.Load(command); ok {
		return cached.(bool), nil
	}
	cmd := exec.CommandContext(ctx, command, "exec", "--help")
	output, err := cmd.CombinedOutput()
	supported := strings.Contains(string(output), codexAutoApproveFlag)
	if err != nil && !supported {
		return false, fmt.Errorf("check %s exec --help: %w: %s", command, err, output)
	}
	codexAutoApproveSupport.Store(command, supported)
	return supported, nil
}

func (a *CodexAgent) Review(ctx context.Context, dir, prompt string, output io.Writer) (string, error) {
	tmpFile, err := os.CreateTemp("", "reviewer-codex-*.txt")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	outputFile := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(outputFile)

	// codex only runs non-interactively from stdin with --full-auto
	supported, err := codexSupportsAutoApproveFlag(ctx, a.Command)
	if err != nil {
		return "", err
	}
	if !supported {
		return "", fmt.Errorf("codex requires %s for stdin input; upgrade codex", codexAutoApproveFlag)
	}

	cmd := exec.CommandContext(ctx, a.Command, a.buildArgs(dir, outputFile, true)...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(prompt)

	var stderr bytes.Buffer
	if sw := newSyncWriter(output); sw != nil {
		cmd.Stderr = io.MultiWriter(&stderr, sw)
	} else {
		cmd.Stderr = &stderr
	}

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("codex failed: %w\nstderr: %s", err, stderr.String())
	}

	result, err := os.ReadFile(outputFile)
	if err != nil {
		return "", fmt.Errorf("read output: %w", err)
	}
	return string(result), nil
}

func init() {
	Register(NewCodexAgent(""))
}
