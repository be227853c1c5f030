package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// DefaultReloadDelay debounces bursts of file events.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads the configuration file when it changes.
type Watcher struct {
	path   string
	delay  time.Duration
	logger *telemetry.Logger
	reload func(*Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewWatcher watches path and calls reload with every valid new
// configuration. Invalid files are logged and ignored.
func NewWatcher(path string, delay time.Duration, logger *telemetry.Logger, reload func(*Config)) (*Watcher, error) {
	if delay <= 0 {
		delay = DefaultReloadDelay
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:    abs,
		delay:   delay,
		logger:  logger.NewComponentLogger("config-watcher"),
		reload:  reload,
		watcher: fsw,
		done:    make(chan struct{}),
	}, nil
}

// Run processes events until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = w.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.WithField("file", event.Name).WithField("op", event.Op.String()).Debug("Config file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.delay, w.load)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (w *Watcher) load() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Failed to reload configuration, keeping the previous one")
		return
	}
	w.logger.Info("Configuration reloaded")
	w.reload(cfg)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
