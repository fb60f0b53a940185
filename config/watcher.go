package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dyike/cortexfeed/internal/provider"
)

// ProviderWatcher reloads the provider file when it changes on disk and hands
// the parsed configs to a callback. Unchanged or unreadable files are ignored.
type ProviderWatcher struct {
	path     string
	debounce time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	onChange func([]provider.SourceConfig)
	current  []provider.SourceConfig
}

type watcherOptions struct {
	debounce time.Duration
	log      zerolog.Logger
	initial  []provider.SourceConfig
}

type WatcherOption func(*watcherOptions)

func WithDebounce(d time.Duration) WatcherOption {
	return func(o *watcherOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

func WithLogger(log zerolog.Logger) WatcherOption {
	return func(o *watcherOptions) {
		o.log = log
	}
}

// WithInitialConfigs seeds the last-known set so a touch without content
// changes does not fire the callback.
func WithInitialConfigs(configs []provider.SourceConfig) WatcherOption {
	return func(o *watcherOptions) {
		o.initial = configs
	}
}

func NewProviderWatcher(path string, opts ...WatcherOption) (*ProviderWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("provider file path is required")
	}
	options := watcherOptions{
		debounce: 300 * time.Millisecond,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve provider file: %w", err)
	}
	return &ProviderWatcher{
		path:     abs,
		debounce: options.debounce,
		log:      options.log,
		current:  options.initial,
	}, nil
}

func (w *ProviderWatcher) Path() string {
	return w.path
}

// Current returns the last configs loaded from disk.
func (w *ProviderWatcher) Current() []provider.SourceConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]provider.SourceConfig(nil), w.current...)
}

// Watch starts watching until ctx is done. Calling it again only swaps the
// callback.
func (w *ProviderWatcher) Watch(ctx context.Context, onChange func([]provider.SourceConfig)) error {
	w.mu.Lock()
	w.onChange = onChange
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.mu.Unlock()

	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch provider dir: %w", err)
	}

	go w.watchLoop(ctx, watcher)
	return nil
}

func (w *ProviderWatcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var timerMu sync.Mutex
	var timer *time.Timer
	trigger := func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
		timerMu.Unlock()
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !w.isProviderEvent(evt) {
				continue
			}
			trigger()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.log.Warn().Err(err).Msg("provider watcher error")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *ProviderWatcher) isProviderEvent(evt fsnotify.Event) bool {
	if filepath.Clean(evt.Name) != w.path {
		return false
	}
	return evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *ProviderWatcher) reload() {
	configs, _, err := provider.LoadConfigs(w.log, w.path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("provider reload failed, keeping previous configs")
		return
	}
	if len(configs) == 0 {
		w.log.Warn().Str("path", w.path).Msg("provider file has no valid entries, keeping previous configs")
		return
	}

	w.mu.Lock()
	if reflect.DeepEqual(w.current, configs) {
		w.mu.Unlock()
		return
	}
	w.current = configs
	cb := w.onChange
	w.mu.Unlock()

	w.log.Info().Str("path", w.path).Int("sources", len(configs)).Msg("provider file changed")
	if cb != nil {
		cb(configs)
	}
}
