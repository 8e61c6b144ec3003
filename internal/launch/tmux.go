package launch

import (
	"context"
	"fmt"
	"strings"
)

// tmuxTerminal opens sessions inside the tmux server the caller runs in.
type tmuxTerminal struct {
	runner Runner
}

func (t *tmuxTerminal) variant() Variant { return VariantTmux }

func (t *tmuxTerminal) resolve(mode Mode) Mode {
	if mode == ModeAuto {
		return ModeNewWindow
	}
	return mode
}

func (t *tmuxTerminal) open(ctx context.Context, mode Mode, cmd Command, line string) error {
	dirArgs := func() []string {
		if cmd.Dir == "" {
			return nil
		}
		return []string{"-c", cmd.Dir}
	}

	switch mode {
	case ModeNewInstance:
		args := append([]string{"new-session", "-d"}, dirArgs()...)
		args = append(args, "bash", "-lc", line)
		return t.tmux(ctx, args...)
	case ModeNewWindow, ModeNewTab:
		args := append([]string{"new-window", "-n", "review"}, dirArgs()...)
		args = append(args, "bash", "-lc", line)
		return t.tmux(ctx, args...)
	case ModeSameSpace:
		// Split the current window and type the line into the new pane.
		args := append([]string{"split-window", "-h", "-P", "-F", "#{pane_id}"}, dirArgs()...)
		out, err := t.runner.Run(ctx, "tmux", args...)
		if err != nil {
			return fmt.Errorf("tmux split-window: %w", err)
		}
		pane := strings.TrimSpace(string(out))
		if pane == "" {
			return fmt.Errorf("tmux split-window: no pane id")
		}
		return t.tmux(ctx, "send-keys", "-t", pane, line, "Enter")
	}
	return fmt.Errorf("unsupported mode %s", mode)
}

func (t *tmuxTerminal) tmux(ctx context.Context, args ...string) error {
	if _, err := t.runner.Run(ctx, "tmux", args...); err != nil {
		return fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return nil
}
