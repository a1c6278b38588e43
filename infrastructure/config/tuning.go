package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	domainconfig "lumina-backend/domain/config"
)

const reloadDebounce = 100 * time.Millisecond

// LoadTuning overlays the YAML file at path onto a copy of base. Durations
// are written as "5m", "1500ms" and so on.
func LoadTuning(path string, base *domainconfig.DomainConfig) (*domainconfig.DomainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tuning file: %w", err)
	}
	cfg := base.Clone()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning file %s: %w", path, err)
	}
	return cfg, nil
}

// TuningWatcher reloads the tuning file whenever it changes and hands the
// validated result to every OnChange callback. An invalid file is logged and
// the previous values stay in force.
type TuningWatcher struct {
	path    string
	base    *domainconfig.DomainConfig
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu       sync.RWMutex
	current  *domainconfig.DomainConfig
	onChange []func(*domainconfig.DomainConfig)
	debounce *time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTuningWatcher loads path once and prepares to watch it
func NewTuningWatcher(path string, base *domainconfig.DomainConfig, logger *zap.Logger) (*TuningWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	current, err := LoadTuning(path, base)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Editors save by rename, so watch the directory rather than the file.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	return &TuningWatcher{
		path:    path,
		base:    base,
		watcher: watcher,
		logger:  logger,
		current: current,
		stopCh:  make(chan struct{}),
	}, nil
}

// Current returns the config in force
func (w *TuningWatcher) Current() *domainconfig.DomainConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers fn to run after every successful reload
func (w *TuningWatcher) OnChange(fn func(*domainconfig.DomainConfig)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

// Start begins watching in the background
func (w *TuningWatcher) Start() {
	go w.watchLoop()
	w.logger.Info("Tuning watcher started", zap.String("path", w.path))
}

// Stop ends the watch. It is safe to call more than once.
func (w *TuningWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
		w.mu.Lock()
		if w.debounce != nil {
			w.debounce.Stop()
		}
		w.mu.Unlock()
		w.logger.Info("Tuning watcher stopped")
	})
}

func (w *TuningWatcher) watchLoop() {
	name := filepath.Clean(w.path)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.debounce = time.AfterFunc(reloadDebounce, w.reload)
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Tuning watcher error", zap.Error(err))
		}
	}
}

func (w *TuningWatcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}

	next, err := LoadTuning(w.path, w.base)
	if err != nil {
		w.logger.Error("Tuning reload rejected, keeping current values", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = next
	handlers := append([]func(*domainconfig.DomainConfig){}, w.onChange...)
	w.mu.Unlock()

	w.logger.Info("Tuning reloaded",
		zap.String("path", w.path),
		zap.Duration("lockTTL", next.LockTTL),
		zap.Duration("presenceTimeout", next.PresenceTimeout),
	)
	for _, fn := range handlers {
		fn(next)
	}
}
