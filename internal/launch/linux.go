package launch

import (
	"context"
	"errors"
	"fmt"
)

var defaultLinuxTerminals = []string{"gnome-terminal", "konsole", "xterm"}

// linuxTerminal spawns the first installed terminal emulator that supports
// the requested mode.
type linuxTerminal struct {
	runner     Runner
	candidates []string
}

func (t *linuxTerminal) variant() Variant { return VariantLinux }

func (t *linuxTerminal) resolve(mode Mode) Mode {
	if mode == ModeAuto {
		return ModeNewWindow
	}
	return mode
}

// terminalArgs returns the argv for running line in term, or nil when term
// cannot honor mode.
func terminalArgs(term string, mode Mode, line string) []string {
	shell := []string{"bash", "-lc", line}
	switch term {
	case "gnome-terminal":
		switch mode {
		case ModeNewTab, ModeSameSpace:
			return append([]string{"--tab", "--"}, shell...)
		case ModeNewWindow:
			return append([]string{"--window", "--"}, shell...)
		case ModeNewInstance:
			return append([]string{"--"}, shell...)
		}
	case "konsole":
		switch mode {
		case ModeNewTab, ModeSameSpace:
			return append([]string{"--new-tab", "-e"}, shell...)
		case ModeNewWindow, ModeNewInstance:
			return append([]string{"-e"}, shell...)
		}
	case "xterm":
		if mode == ModeNewWindow || mode == ModeNewInstance {
			return append([]string{"-e"}, shell...)
		}
	}
	return nil
}

func (t *linuxTerminal) open(_ context.Context, mode Mode, _ Command, line string) error {
	var errs []error
	for _, term := range t.candidates {
		if _, err := t.runner.LookPath(term); err != nil {
			continue
		}
		args := terminalArgs(term, mode, line)
		if args == nil {
			errs = append(errs, fmt.Errorf("%s does not support %s", term, mode))
			continue
		}
		if err := t.runner.Start(term, args...); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return fmt.Errorf("no terminal emulator found (tried %v)", t.candidates)
	}
	return errors.Join(errs...)
}
