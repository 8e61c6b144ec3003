package guidelines

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a Store when its file changes on disk.
//
// Note: Watcher is not restart-safe. Once Stop() is called, Start() will
// return an error.
type Watcher struct {
	store   *Store
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu            sync.Mutex
	stopped       bool
	reloadCounter uint64
	stopCh        chan struct{}
	stopOnce      sync.Once
	doneCh        chan struct{}

	// OnReload, if set, runs after every successful reload.
	OnReload func()
}

// NewWatcher creates a watcher for store.
func NewWatcher(store *Store, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		store:  store,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins watching. The directory is watched rather than the file so
// atomic replaces (ours and editors') are seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return fmt.Errorf("guidelines watcher already stopped")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.store.Path())); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw
	go w.loop(ctx, filepath.Base(w.store.Path()))
	return nil
}

// Stop stops the watcher and waits for its goroutine. Safe to call multiple
// times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
			<-w.doneCh
		}
	})
}

// ReloadCounter returns a monotonic count of successful reloads.
func (w *Watcher) ReloadCounter() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloadCounter
}

func (w *Watcher) loop(ctx context.Context, file string) {
	defer close(w.doneCh)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	const debounceDelay = 150 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != file {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("guidelines: watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	if err := w.store.Reload(); err != nil {
		w.logger.Warn("guidelines: reload failed", zap.Error(err))
		return
	}
	w.mu.Lock()
	w.reloadCounter++
	w.mu.Unlock()
	w.logger.Info("guidelines: reloaded",
		zap.String("path", w.store.Path()),
		zap.Int("skip_categories", len(w.store.SkipCategories())))
	if w.OnReload != nil {
		w.OnReload()
	}
}
