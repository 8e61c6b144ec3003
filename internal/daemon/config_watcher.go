package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/reviewer-dev/reviewer/internal/config"
)

// ConfigGetter provides access to the current config
type ConfigGetter interface {
	Config() *config.Config
}

// StaticConfig wraps a config for use without hot-reloading (e.g., in tests)
type StaticConfig struct {
	cfg *config.Config
}

// NewStaticConfig creates a ConfigGetter that always returns the same config
func NewStaticConfig(cfg *config.Config) *StaticConfig {
	return &StaticConfig{cfg: cfg}
}

func (sc *StaticConfig) Config() *config.Config {
	return sc.cfg
}

// ConfigWatcher watches config.toml and swaps in the new configuration when
// it changes.
//
// The scheduler reads the config at the start of every cycle, so the
// repository list, exclusions, subpath filters, include_drafts and skip_own
// take effect on the next poll. poll_interval_sec and the [launch] section
// are read once at startup and need a restart.
//
// A stopped watcher cannot be started again.
type ConfigWatcher struct {
	configPath  string
	activityLog *ActivityLog
	logger      *zap.Logger

	cfgMu          sync.RWMutex
	cfg            *config.Config
	stopped        bool
	lastReloadedAt time.Time
	reloadCounter  uint64

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewConfigWatcher creates a watcher for configPath seeded with cfg.
func NewConfigWatcher(configPath string, cfg *config.Config, activityLog *ActivityLog, logger *zap.Logger) *ConfigWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigWatcher{
		configPath:  configPath,
		cfg:         cfg,
		activityLog: activityLog,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start begins watching. An empty config path disables watching.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.cfgMu.RLock()
	stopped := cw.stopped
	cw.cfgMu.RUnlock()
	if stopped {
		return fmt.Errorf("config watcher already stopped; create a new instance to restart")
	}
	if cw.configPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so editors that save via rename are seen.
	if err := watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		watcher.Close()
		return err
	}
	cw.watcher = watcher
	cw.doneCh = make(chan struct{})
	go cw.watchLoop(ctx, filepath.Base(cw.configPath))
	return nil
}

// Stop stops the watcher and waits for its goroutine. Safe to call more
// than once.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.cfgMu.Lock()
		cw.stopped = true
		cw.cfgMu.Unlock()
		close(cw.stopCh)
		if cw.watcher != nil {
			cw.watcher.Close()
		}
		if cw.doneCh != nil {
			<-cw.doneCh
		}
	})
}

func (cw *ConfigWatcher) Config() *config.Config {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.cfg
}

func (cw *ConfigWatcher) LastReloadedAt() time.Time {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.lastReloadedAt
}

// ReloadCounter increments on every successful reload.
func (cw *ConfigWatcher) ReloadCounter() uint64 {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.reloadCounter
}

const configDebounce = 200 * time.Millisecond

func (cw *ConfigWatcher) watchLoop(ctx context.Context, configFile string) {
	defer close(cw.doneCh)

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopCh:
			return
		case <-fire:
			fire = nil
			cw.reload()
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(configDebounce)
			} else {
				debounce.Reset(configDebounce)
			}
			fire = debounce.C
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("config watcher: error", zap.Error(err))
		}
	}
}

func (cw *ConfigWatcher) reload() {
	newCfg, err := config.LoadGlobalFrom(cw.configPath)
	if err != nil {
		cw.logger.Warn("config watcher: reload failed, keeping previous config",
			zap.String("path", cw.configPath), zap.Error(err))
		return
	}

	cw.logChanges(cw.Config(), newCfg)
	cw.activityLog.Log(EventConfigReloaded, "config", "config reloaded",
		map[string]string{"path": cw.configPath})

	cw.cfgMu.Lock()
	cw.cfg = newCfg
	cw.lastReloadedAt = time.Now()
	cw.reloadCounter++
	cw.cfgMu.Unlock()
	cw.logger.Info("config watcher: reloaded", zap.String("path", cw.configPath))
}

func (cw *ConfigWatcher) logChanges(old, new *config.Config) {
	if old == nil {
		return
	}
	if !slices.Equal(old.Daemon.Repos, new.Daemon.Repos) {
		cw.logger.Info("config change: daemon.repos", zap.Strings("old", old.Daemon.Repos), zap.Strings("new", new.Daemon.Repos))
	}
	if !slices.Equal(old.Daemon.ExcludeRepos, new.Daemon.ExcludeRepos) {
		cw.logger.Info("config change: daemon.exclude_repos", zap.Strings("old", old.Daemon.ExcludeRepos), zap.Strings("new", new.Daemon.ExcludeRepos))
	}
	if old.Daemon.IncludeDrafts != new.Daemon.IncludeDrafts {
		cw.logger.Info("config change: daemon.include_drafts", zap.Bool("new", new.Daemon.IncludeDrafts))
	}
	if old.Daemon.SkipOwn != new.Daemon.SkipOwn {
		cw.logger.Info("config change: daemon.skip_own", zap.Bool("new", new.Daemon.SkipOwn))
	}
	if old.Daemon.PollIntervalSec != new.Daemon.PollIntervalSec {
		cw.logger.Info("config change: daemon.poll_interval_sec (requires restart to take effect)",
			zap.Int("old", old.Daemon.PollIntervalSec), zap.Int("new", new.Daemon.PollIntervalSec))
	}
}
