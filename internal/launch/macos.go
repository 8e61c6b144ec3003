package launch

import (
	"context"
	"fmt"
	"strings"
)

// macTerminal drives macOS terminal apps through open(1) and AppleScript.
type macTerminal struct {
	app    string
	runner Runner
}

func (t *macTerminal) variant() Variant { return VariantMacOS }

func (t *macTerminal) isTerminalApp() bool {
	return strings.EqualFold(t.app, "terminal") || strings.EqualFold(t.app, "terminal.app")
}

func (t *macTerminal) isGhostty() bool {
	return strings.EqualFold(t.app, "ghostty") || strings.EqualFold(t.app, "ghostty.app")
}

func (t *macTerminal) resolve(mode Mode) Mode {
	if mode != ModeAuto {
		return mode
	}
	switch {
	case t.isTerminalApp():
		return ModeNewWindow
	case t.isGhostty():
		// Ghostty does not reliably run command args via `open -a` when it
		// is already running.
		return ModeNewInstance
	default:
		return ModeSameSpace
	}
}

func (t *macTerminal) open(ctx context.Context, mode Mode, _ Command, line string) error {
	switch mode {
	case ModeNewInstance:
		return t.openApp(ctx, line, true)
	case ModeSameSpace:
		if t.isGhostty() {
			return t.ghosttyNewTab(ctx, line)
		}
		return t.openApp(ctx, line, false)
	case ModeNewTab:
		switch {
		case t.isTerminalApp():
			return t.osascript(ctx, terminalTabScript(line))
		case t.isGhostty():
			return t.ghosttyNewTab(ctx, line)
		}
		return t.openApp(ctx, line, false)
	case ModeNewWindow:
		switch {
		case t.isTerminalApp():
			return t.osascript(ctx, terminalWindowScript(line))
		case t.isGhostty():
			// Ghostty's +new-window action is GTK-only; use a new instance.
			return t.openApp(ctx, line, true)
		}
		return t.openApp(ctx, line, false)
	}
	return fmt.Errorf("unsupported mode %s", mode)
}

// openApp runs `open -a|-na <app> --args -e bash -lc <line>`.
func (t *macTerminal) openApp(ctx context.Context, line string, newInstance bool) error {
	flag := "-a"
	if newInstance {
		flag = "-na"
	}
	if _, err := t.runner.Run(ctx, "open", flag, t.app, "--args", "-e", "bash", "-lc", line); err != nil {
		return fmt.Errorf("open %s: %w", t.app, err)
	}
	// Some apps only start the command once their window is active.
	_ = t.runner.Start("osascript", "-e", "delay 0.1", "-e",
		fmt.Sprintf("tell application \"%s\" to activate", escapeAppleScript(t.scriptName())))
	return nil
}

func (t *macTerminal) scriptName() string {
	return strings.TrimSpace(strings.TrimSuffix(t.app, ".app"))
}

func (t *macTerminal) osascript(ctx context.Context, script string) error {
	if _, err := t.runner.Run(ctx, "osascript", "-e", script); err != nil {
		return fmt.Errorf("osascript: %w", err)
	}
	return nil
}

// ghosttyNewTab opens a tab with cmd-T and pastes the line, restoring the
// clipboard afterwards.
func (t *macTerminal) ghosttyNewTab(ctx context.Context, line string) error {
	if _, err := t.runner.Run(ctx, "open", "-a", t.app); err != nil {
		return fmt.Errorf("activate %s: %w", t.app, err)
	}
	name := escapeAppleScript(t.scriptName())
	script := fmt.Sprintf(`set launchCmd to "%s"
set oldClipboard to ""
try
    set oldClipboard to (the clipboard as text)
end try
set the clipboard to launchCmd
tell application "%s" to activate
delay 0.25
tell application "System Events"
    keystroke "t" using command down
    delay 0.25
    keystroke "v" using command down
    delay 0.1
    key code 36
end tell
delay 0.2
try
    set the clipboard to oldClipboard
end try`, escapeAppleScript(line), name)
	return t.osascript(ctx, script)
}

func terminalWindowScript(line string) string {
	return fmt.Sprintf(`tell application "Terminal"
    activate
    do script "%s"
end tell`, escapeAppleScript(line))
}

func terminalTabScript(line string) string {
	cmd := escapeAppleScript(line)
	return fmt.Sprintf(`tell application "Terminal"
    activate
    if (count of windows) is 0 then
        do script "%s"
    else
        do script "%s" in front window
    end if
end tell`, cmd, cmd)
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
