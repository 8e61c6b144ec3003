package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds the reviewer configuration
type Config struct {
	ReposRoot      string   `toml:"repos_root"`
	Exclude        []string `toml:"exclude"`
	DefaultAgent   string   `toml:"default_agent"`
	GuidelinesPath string   `toml:"guidelines_path"`
	ForgeBackend   string   `toml:"forge_backend"` // "gh" or "api"

	// Agent commands
	ClaudeCmd string `toml:"claude_cmd"`
	CodexCmd  string `toml:"codex_cmd"`

	Daemon DaemonConfig `toml:"daemon"`
	Launch LaunchConfig `toml:"launch"`
	Review ReviewConfig `toml:"review"`
}

// DaemonConfig holds the background watcher settings
type DaemonConfig struct {
	Initialized          bool                `toml:"initialized"`
	PollIntervalSec      int                 `toml:"poll_interval_sec"`
	IncludeDrafts        bool                `toml:"include_drafts"`
	SkipOwn              bool                `toml:"skip_own"`
	Repos                []string            `toml:"repos"`
	ExcludeRepos         []string            `toml:"exclude_repos"`
	RepoSubpathFilters   map[string][]string `toml:"repo_subpath_filters"`
	MaxConcurrentFetches int                 `toml:"max_concurrent_fetches"`
	// TriggerMode is "launch" (open an agent in a terminal) or "headless"
	// (collect issues from the agent and queue them for the operator).
	TriggerMode string `toml:"trigger_mode"`
}

// LaunchConfig controls how agent sessions are opened in a terminal
type LaunchConfig struct {
	Terminal         string `toml:"terminal"` // "auto", "macos", "tmux", "linux"
	TerminalApp      string `toml:"terminal_app"`
	Mode             string `toml:"mode"`
	VerifyTimeoutSec int    `toml:"verify_timeout_sec"`
}

// ReviewConfig holds review session settings
type ReviewConfig struct {
	SubmitTimeoutSec int    `toml:"submit_timeout_sec"`
	AutoSelect       string `toml:"auto_select"`
	Learn            bool   `toml:"learn"`
}

const (
	minPollIntervalSec     = 10
	defaultPollIntervalSec = 300
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultAgent: "claude-code",
		ForgeBackend: "gh",
		ClaudeCmd:    "claude",
		CodexCmd:     "codex",
		Daemon: DaemonConfig{
			PollIntervalSec:      defaultPollIntervalSec,
			SkipOwn:              true,
			MaxConcurrentFetches: 4,
			TriggerMode:          "launch",
		},
		Launch: LaunchConfig{
			Terminal:         "auto",
			TerminalApp:      "Terminal",
			Mode:             "auto",
			VerifyTimeoutSec: 8,
		},
		Review: ReviewConfig{
			SubmitTimeoutSec: 60,
			AutoSelect:       "critical",
			Learn:            true,
		},
	}
}

// DataDir returns the reviewer data directory.
// Uses REVIEWER_DATA_DIR env var if set, otherwise ~/.reviewer
func DataDir() string {
	if dir := os.Getenv("REVIEWER_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".reviewer")
}

// GlobalConfigPath returns the path to the global config file
func GlobalConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// StatePath returns the path of the daemon state database
func StatePath() string {
	return filepath.Join(DataDir(), "state.db")
}

// LogPath returns the path of the structured log file
func LogPath() string {
	return filepath.Join(DataDir(), "reviewer.log")
}

// ResolvedGuidelinesPath returns the guideline file location, defaulting to
// review_guide.md in the data directory.
func (c *Config) ResolvedGuidelinesPath() string {
	if c.GuidelinesPath != "" {
		return expandHome(c.GuidelinesPath)
	}
	return filepath.Join(DataDir(), "review_guide.md")
}

// ResolvedReposRoot returns ReposRoot with a leading ~ expanded.
func (c *Config) ResolvedReposRoot() string {
	return expandHome(c.ReposRoot)
}

// PollInterval returns the poll interval in seconds, clamped to the minimum.
// A positive override wins over the configured value.
func (d *DaemonConfig) PollInterval(override int) int {
	v := d.PollIntervalSec
	if override > 0 {
		v = override
	}
	if v <= 0 {
		v = defaultPollIntervalSec
	}
	if v < minPollIntervalSec {
		v = minPollIntervalSec
	}
	return v
}

// NormalizedSubpathFilters trims slashes and whitespace, drops blank repo
// keys and blank paths, and sorts and dedups each path list.
func (d *DaemonConfig) NormalizedSubpathFilters() map[string][]string {
	out := make(map[string][]string, len(d.RepoSubpathFilters))
	for repo, paths := range d.RepoSubpathFilters {
		repo = strings.TrimSpace(repo)
		if repo == "" {
			continue
		}
		out[repo] = NormalizeSubpaths(paths)
	}
	return out
}

// NormalizeSubpaths cleans a subpath list for prefix matching.
func NormalizeSubpaths(paths []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		p = strings.TrimSpace(strings.Trim(strings.TrimSpace(p), "/"))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// MergeExcludes returns the configured exclusions followed by any CLI
// exclusions not already present.
func MergeExcludes(configured, cli []string) []string {
	out := append([]string(nil), configured...)
	for _, v := range cli {
		found := false
		for _, existing := range out {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	return out
}

// LoadGlobal loads the global configuration from the default path
func LoadGlobal() (*Config, error) {
	return LoadGlobalFrom(GlobalConfigPath())
}

// LoadGlobalFrom loads the global configuration from a specific path
func LoadGlobalFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveGlobal saves the global configuration
func SaveGlobal(cfg *Config) error {
	return SaveGlobalTo(GlobalConfigPath(), cfg)
}

// SaveGlobalTo saves the configuration to a specific path
func SaveGlobalTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
