package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/reviewer-dev/reviewer/internal/config"
)

const reloadTimeout = 3 * time.Second

type configWatcherHarness struct {
	Watcher    *ConfigWatcher
	ConfigPath string
	dir        string
}

func newConfigWatcherHarness(t *testing.T, initialConfig string) *configWatcherHarness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeTestFile(t, path, initialConfig)

	cfg, err := config.LoadGlobalFrom(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	cw := NewConfigWatcher(path, cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := cw.Start(ctx); err != nil {
		t.Fatalf("Failed to start watcher: %v", err)
	}
	t.Cleanup(cw.Stop)
	return &configWatcherHarness{Watcher: cw, ConfigPath: path, dir: dir}
}

// updateConfigAndWait rewrites the config and waits for the reload counter
// to move past its current value.
func (h *configWatcherHarness) updateConfigAndWait(t *testing.T, content string) {
	t.Helper()
	before := h.Watcher.ReloadCounter()
	writeTestFile(t, h.ConfigPath, content)
	h.waitForReload(t, before)
}

func (h *configWatcherHarness) waitForReload(t *testing.T, before uint64) {
	t.Helper()
	deadline := time.Now().Add(reloadTimeout)
	for time.Now().Before(deadline) {
		if h.Watcher.ReloadCounter() > before {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Timeout waiting for config reload")
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", filepath.Base(path), err)
	}
}

func TestStaticConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	sc := NewStaticConfig(cfg)
	if sc.Config() != cfg {
		t.Error("StaticConfig should return the wrapped config")
	}
}

func TestConfigGetter_Interface(t *testing.T) {
	var _ ConfigGetter = (*StaticConfig)(nil)
	var _ ConfigGetter = (*ConfigWatcher)(nil)
}

func TestConfigWatcher_NoConfigPath(t *testing.T) {
	cw := NewConfigWatcher("", config.DefaultConfig(), nil, nil)
	if err := cw.Start(context.Background()); err != nil {
		t.Fatalf("Start with empty path: %v", err)
	}
	cw.Stop()
}

func TestConfigWatcher_ReloadsDaemonSettings(t *testing.T) {
	h := newConfigWatcherHarness(t, "[daemon]\nrepos = [\"acme/api\"]\nskip_own = true\n")
	if !h.Watcher.LastReloadedAt().IsZero() {
		t.Errorf("LastReloadedAt should be zero initially")
	}

	h.updateConfigAndWait(t, "[daemon]\nrepos = [\"acme/api\", \"acme/web\"]\nskip_own = false\nexclude_repos = [\"acme/web\"]\n")

	got := h.Watcher.Config().Daemon
	if diff := cmp.Diff([]string{"acme/api", "acme/web"}, got.Repos); diff != "" {
		t.Errorf("repos mismatch (-want +got):\n%s", diff)
	}
	if got.SkipOwn {
		t.Error("skip_own should be false after reload")
	}
	if diff := cmp.Diff([]string{"acme/web"}, got.ExcludeRepos); diff != "" {
		t.Errorf("exclude_repos mismatch (-want +got):\n%s", diff)
	}
	if time.Since(h.Watcher.LastReloadedAt()) > 5*time.Second {
		t.Errorf("LastReloadedAt should be recent, got %v", h.Watcher.LastReloadedAt())
	}
}

func TestConfigWatcher_InvalidConfigKeepsPrevious(t *testing.T) {
	h := newConfigWatcherHarness(t, "default_agent = \"codex\"\n")

	writeTestFile(t, h.ConfigPath, "this is not valid toml [[[\n")
	time.Sleep(500 * time.Millisecond)
	if got := h.Watcher.Config().DefaultAgent; got != "codex" {
		t.Errorf("config changed on invalid TOML: DefaultAgent = %q", got)
	}

	h.updateConfigAndWait(t, "default_agent = \"claude-code\"\n")
	if got := h.Watcher.Config().DefaultAgent; got != "claude-code" {
		t.Errorf("after fix, DefaultAgent = %q", got)
	}
}

func TestConfigWatcher_StartAfterStopErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeTestFile(t, path, "")
	cw := NewConfigWatcher(path, config.DefaultConfig(), nil, nil)

	if err := cw.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	cw.Stop()
	cw.Stop()
	if err := cw.Start(context.Background()); err == nil {
		t.Error("expected error when calling Start after Stop")
	}
}

func TestConfigWatcher_AtomicSaveViaRename(t *testing.T) {
	h := newConfigWatcherHarness(t, "default_agent = \"codex\"\n")
	before := h.Watcher.ReloadCounter()

	tmp := filepath.Join(h.dir, "config.toml.tmp")
	writeTestFile(t, tmp, "default_agent = \"test\"\n")
	if err := os.Rename(tmp, h.ConfigPath); err != nil {
		t.Fatalf("rename: %v", err)
	}
	h.waitForReload(t, before)

	if got := h.Watcher.Config().DefaultAgent; got != "test" {
		t.Errorf("after atomic save, DefaultAgent = %q", got)
	}
}

func TestConfigWatcher_LogsActivity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeTestFile(t, path, "")
	al, err := NewActivityLog(filepath.Join(dir, "activity.log"), nil)
	if err != nil {
		t.Fatalf("NewActivityLog: %v", err)
	}
	defer al.Close()

	cw := NewConfigWatcher(path, config.DefaultConfig(), al, nil)
	if err := cw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer cw.Stop()

	h := &configWatcherHarness{Watcher: cw, ConfigPath: path, dir: dir}
	h.updateConfigAndWait(t, "[daemon]\ninclude_drafts = true\n")

	recent := al.Recent()
	if len(recent) == 0 || recent[0].Event != EventConfigReloaded {
		t.Errorf("activity = %+v", recent)
	}
}
