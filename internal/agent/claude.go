package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// claudeReviewTools are the tools a headless review may use. Nothing that
// writes to the worktree or runs arbitrary commands.
const claudeReviewTools = "Read,Glob,Grep,Bash(git diff:*),Bash(git log:*),Bash(gh pr view:*)"

// ClaudeAgent runs reviews using the Claude Code CLI
type ClaudeAgent struct {
	Command string // The claude command to run (default: "claude")
}

// NewClaudeAgent creates a new Claude Code agent
func NewClaudeAgent(command string) *ClaudeAgent {
	if command == "" {
		command = "claude"
	}
	return &ClaudeAgent{Command: command}
}

func (a *ClaudeAgent) Name() string {
	return "claude-code"
}

func (a *ClaudeAgent) CommandName() string {
	return a.Command
}

// buildArgs returns the headless argv. The prompt is piped via stdin.
func (a *ClaudeAgent) buildArgs() []string {
	return []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--allowedTools", claudeReviewTools,
	}
}

// InteractiveCommand starts claude with the prompt as its first message.
func (a *ClaudeAgent) InteractiveCommand(_ string, prompt string) []string {
	return []string{a.Command, prompt}
}

func (a *ClaudeAgent) Review(ctx context.Context, dir, prompt string, output io.Writer) (string, error) {
	cmd := exec.CommandContext(ctx, a.Command, a.buildArgs()...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start claude: %w", err)
	}

	result, parseErr := parseStreamJSON(stdoutPipe, output)

	if waitErr := cmd.Wait(); waitErr != nil {
		if parseErr != nil {
			return "", fmt.Errorf("claude failed: %w (parse error: %v)\nstderr: %s", waitErr, parseErr, stderr.String())
		}
		return "", fmt.Errorf("claude failed: %w\nstderr: %s", waitErr, stderr.String())
	}
	if parseErr != nil {
		return "", parseErr
	}
	return result, nil
}

// claudeStreamMessage represents a message in Claude's stream-json output format
type claudeStreamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message struct {
		Content json.RawMessage `json:"content,omitempty"`
	} `json:"message,omitempty"`
	Result string `json:"result,omitempty"`
}

// text extracts assistant text from either a plain string content or an
// array of content blocks.
func (m claudeStreamMessage) text() string {
	raw := m.Message.Content
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// parseStreamJSON parses Claude's stream-json output and extracts the final result
func parseStreamJSON(r io.Reader, output io.Writer) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sw := newSyncWriter(output)
	var lastResult string
	var assistantMessages []string

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if sw != nil {
			_, _ = sw.Write([]byte(line + "\n"))
		}

		var msg claudeStreamMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "assistant":
			if t := msg.text(); t != "" {
				assistantMessages = append(assistantMessages, t)
			}
		case "result":
			if msg.Result != "" {
				lastResult = msg.Result
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan output: %w", err)
	}

	if lastResult != "" {
		return lastResult, nil
	}
	return strings.Join(assistantMessages, "\n"), nil
}

func init() {
	Register(NewClaudeAgent(""))
}
