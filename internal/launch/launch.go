// Package launch starts external agent sessions in a terminal and confirms
// that they actually started.
//
// A Controller is bound to one terminal variant (macOS apps, tmux, or a
// Linux terminal emulator) chosen when it is constructed. Launches in a
// mode that reuses an existing terminal surface are confirmed through a
// marker file the launched shell writes before running the command; a
// launch that fails or cannot be confirmed degrades to a new-instance
// launch, whose confirmation is the exit status of the launching process.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLaunchFailed is returned when every launch attempt failed.
var ErrLaunchFailed = errors.New("launch failed")

// Mode selects where the session is opened.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeNewInstance Mode = "new-instance"
	ModeSameSpace   Mode = "same-space"
	ModeNewTab      Mode = "new-tab"
	ModeNewWindow   Mode = "new-window"
)

// Modes lists every accepted mode.
var Modes = []Mode{ModeAuto, ModeNewInstance, ModeSameSpace, ModeNewTab, ModeNewWindow}

// ParseMode accepts a mode name case-insensitively; empty means auto.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ModeAuto, nil
	}
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	names := make([]string, len(Modes))
	for i, m := range Modes {
		names[i] = string(m)
	}
	return "", fmt.Errorf("invalid launch mode %q, expected one of: %s", s, strings.Join(names, ", "))
}

// Variant is the family of terminal the controller drives.
type Variant string

const (
	VariantMacOS Variant = "macos"
	VariantTmux  Variant = "tmux"
	VariantLinux Variant = "linux"
)

// ParseVariant accepts a variant name; empty or "auto" detects one.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case "", "auto":
		return DetectVariant(), nil
	case VariantMacOS, VariantTmux, VariantLinux:
		return v, nil
	}
	return "", fmt.Errorf("invalid terminal %q, expected auto, macos, tmux or linux", s)
}

// DetectVariant picks tmux when running inside tmux, otherwise the
// platform's native terminal family.
func DetectVariant() Variant {
	if os.Getenv("TMUX") != "" {
		return VariantTmux
	}
	if runtime.GOOS == "darwin" {
		return VariantMacOS
	}
	return VariantLinux
}

// Command is what the launched terminal runs.
type Command struct {
	Dir  string
	Argv []string
}

// ShellLine renders the command as a POSIX shell line.
func (c Command) ShellLine() string {
	quoted := make([]string, len(c.Argv))
	for i, a := range c.Argv {
		quoted[i] = shellQuote(a)
	}
	line := strings.Join(quoted, " ")
	if c.Dir != "" {
		line = "cd " + shellQuote(c.Dir) + " && " + line
	}
	return line
}

// Attempt records one launch try.
type Attempt struct {
	Mode Mode `json:"mode"`
	// Opened is set when the terminal accepted the request, confirmed or not.
	Opened    bool `json:"opened"`
	Confirmed bool `json:"confirmed"`
	// Late is set when the marker only appeared during the grace period.
	Late     bool          `json:"late,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Outcome describes a finished launch.
type Outcome struct {
	Requested Mode `json:"requested"`
	// Mode is the mode that was finally used.
	Mode       Mode      `json:"mode"`
	Confirmed  bool      `json:"confirmed"`
	Attempts   []Attempt `json:"attempts"`
	MarkerPath string    `json:"marker_path"`
	// PossibleDuplicate is set when a reuse-mode terminal opened without
	// confirming and a new instance was launched after it. The first
	// terminal may still start its own session.
	PossibleDuplicate bool `json:"possible_duplicate,omitempty"`
}

// Degraded reports whether the launch fell back to a new instance.
func (o Outcome) Degraded() bool {
	return len(o.Attempts) > 1
}

// terminal is one variant's way of opening a shell line.
type terminal interface {
	variant() Variant
	// resolve maps ModeAuto to the variant's preferred concrete mode.
	resolve(mode Mode) Mode
	open(ctx context.Context, mode Mode, cmd Command, line string) error
}

// DefaultVerifyTimeout is how long reuse-mode launches wait for the marker.
const DefaultVerifyTimeout = 8 * time.Second

// DefaultConfirmGrace is the extra wait for a marker after the verify
// timeout before a reuse-mode launch falls back to a new instance.
const DefaultConfirmGrace = 2 * time.Second

// Options configures a Controller.
type Options struct {
	// Variant defaults to DetectVariant().
	Variant Variant
	// TerminalApp is the macOS application (e.g. "Terminal", "Ghostty").
	TerminalApp   string
	VerifyTimeout time.Duration
	// ConfirmGrace defaults to DefaultConfirmGrace.
	ConfirmGrace time.Duration
	// MarkerDir holds marker files; defaults to the OS temp dir.
	MarkerDir string
	Runner    Runner
	Logger    *zap.Logger
}

// Controller launches commands in terminals.
type Controller struct {
	term          terminal
	runner        Runner
	verifyTimeout time.Duration
	confirmGrace  time.Duration
	markerDir     string
	logger        *zap.Logger
	pollInterval  time.Duration
}

// New builds a controller for the configured variant.
func New(opts Options) *Controller {
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.VerifyTimeout
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	grace := opts.ConfirmGrace
	if grace <= 0 {
		grace = DefaultConfirmGrace
	}
	markerDir := opts.MarkerDir
	if markerDir == "" {
		markerDir = os.TempDir()
	}
	variant := opts.Variant
	if variant == "" {
		variant = DetectVariant()
	}

	var term terminal
	switch variant {
	case VariantMacOS:
		app := opts.TerminalApp
		if strings.TrimSpace(app) == "" {
			app = "Terminal"
		}
		term = &macTerminal{app: strings.TrimSpace(app), runner: runner}
	case VariantTmux:
		term = &tmuxTerminal{runner: runner}
	default:
		term = &linuxTerminal{runner: runner, candidates: defaultLinuxTerminals}
	}

	return &Controller{
		term:          term,
		runner:        runner,
		verifyTimeout: timeout,
		confirmGrace:  grace,
		markerDir:     markerDir,
		logger:        logger,
		pollInterval:  100 * time.Millisecond,
	}
}

// Variant returns the terminal variant the controller drives.
func (c *Controller) Variant() Variant {
	return c.term.variant()
}

// Launch opens cmd in the requested mode. Reuse modes are confirmed with a
// marker file; when that fails the launch is retried once as a new
// instance. The returned error wraps ErrLaunchFailed and every attempt's
// error.
func (c *Controller) Launch(ctx context.Context, cmd Command, mode Mode) (Outcome, error) {
	if len(cmd.Argv) == 0 {
		return Outcome{}, fmt.Errorf("%w: empty command", ErrLaunchFailed)
	}
	if mode == "" {
		mode = ModeAuto
	}
	out := Outcome{Requested: mode}

	modes := []Mode{c.term.resolve(mode)}
	if modes[0] != ModeNewInstance {
		modes = append(modes, ModeNewInstance)
	}

	var errs []error
	openedUnconfirmed := false
	for _, m := range modes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		att, marker, err := c.attempt(ctx, cmd, m)
		out.Attempts = append(out.Attempts, att)
		out.MarkerPath = marker
		if err == nil {
			out.Mode = m
			out.Confirmed = att.Confirmed
			if len(out.Attempts) > 1 {
				out.PossibleDuplicate = openedUnconfirmed
				c.logger.Warn("launch: degraded to new instance",
					zap.String("requested", string(mode)),
					zap.String("variant", string(c.term.variant())),
					zap.Bool("possible_duplicate", openedUnconfirmed))
			}
			return out, nil
		}
		if att.Opened {
			openedUnconfirmed = true
		}
		errs = append(errs, fmt.Errorf("%s: %w", m, err))
		c.logger.Warn("launch: attempt failed",
			zap.String("mode", string(m)),
			zap.String("variant", string(c.term.variant())),
			zap.Error(err))
	}
	return out, fmt.Errorf("%w: %w", ErrLaunchFailed, errors.Join(errs...))
}

// attempt runs one launch and waits for its completion signal.
func (c *Controller) attempt(ctx context.Context, cmd Command, mode Mode) (Attempt, string, error) {
	start := time.Now()
	att := Attempt{Mode: mode}

	token, err := newToken()
	if err != nil {
		return att, "", err
	}
	marker := filepath.Join(c.markerDir, "reviewer-launch-"+token+".marker")
	if mode != ModeNewInstance {
		defer os.Remove(marker)
	}
	line := markerLine(token, marker) + cmd.ShellLine()

	err = c.term.open(ctx, mode, cmd, line)
	if err == nil {
		att.Opened = true
	}
	if err == nil && mode != ModeNewInstance && !c.waitForMarker(ctx, marker, token, c.verifyTimeout) {
		c.logger.Info("launch: start not confirmed yet, waiting before falling back",
			zap.String("mode", string(mode)), zap.Duration("grace", c.confirmGrace))
		if c.waitForMarker(ctx, marker, token, c.confirmGrace) {
			att.Late = true
		} else {
			err = fmt.Errorf("session start not confirmed within %s", c.verifyTimeout+c.confirmGrace)
		}
	}
	att.Duration = time.Since(start)
	if err != nil {
		att.Error = err.Error()
		return att, marker, err
	}
	att.Confirmed = true
	return att, marker, nil
}

const markerKey = "REVIEWER_LAUNCH="

func markerLine(token, path string) string {
	return "printf '%s\\n' " + shellQuote(markerKey+token) + " > " + shellQuote(path) + "; "
}

// waitForMarker polls for the marker file until it carries token or timeout
// elapses.
func (c *Controller) waitForMarker(ctx context.Context, path, token string, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.pollInterval)
	defer tick.Stop()
	for {
		if b, err := os.ReadFile(path); err == nil && strings.Contains(string(b), markerKey+token) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

func newToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("marker token: %w", err)
	}
	return id.String(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
