package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"
)

// reloadDebounce collapses the burst of events editors emit on save.
const reloadDebounce = 100 * time.Millisecond

// ChangeFunc is called with the new configuration after a successful reload.
type ChangeFunc func(cfg *Config)

// Manager holds the active configuration and swaps it on reload.
type Manager struct {
	globalPath  string
	projectPath string
	logger      *zap.Logger

	mu      sync.RWMutex
	current *Config
	hash    uint64
	subs    []ChangeFunc
}

// NewManager loads the configuration from the given paths. It fails when the
// initial document does not validate.
func NewManager(globalPath, projectPath string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	h, err := hashConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{
		globalPath:  globalPath,
		projectPath: projectPath,
		logger:      logger,
		current:     cfg,
		hash:        h,
	}, nil
}

// Current returns the active configuration. Callers must not modify it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers fn to run after every applied reload.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Reload re-reads the files. A document that fails to load or validate is
// rejected and the active configuration stays in place. changed reports
// whether a different configuration was applied.
func (m *Manager) Reload() (changed bool, err error) {
	cfg, err := Load(m.globalPath, m.projectPath)
	if err != nil {
		m.logger.Warn("config reload rejected", zap.Error(err))
		return false, err
	}
	h, err := hashConfig(cfg)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	if h == m.hash {
		m.mu.Unlock()
		return false, nil
	}
	m.current = cfg
	m.hash = h
	subs := append([]ChangeFunc(nil), m.subs...)
	m.mu.Unlock()

	m.logger.Info("config reloaded", zap.Uint64("hash", h))
	for _, fn := range subs {
		fn(cfg)
	}
	return true, nil
}

// Watch reloads whenever either config file is written until ctx is done.
// Parent directories are watched so files created after startup are seen.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	targets := make(map[string]bool)
	for _, p := range []string{m.globalPath, m.projectPath} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", p, err)
		}
		targets[abs] = true
		// A missing directory just means that layer is not watched
		if err := watcher.Add(filepath.Dir(abs)); err != nil {
			m.logger.Debug("not watching config directory", zap.String("dir", filepath.Dir(abs)), zap.Error(err))
		}
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || !targets[name] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(reloadDebounce)
			pending = timer.C
		case <-pending:
			pending = nil
			// Rejections are logged by Reload and the old config stays active
			_, _ = m.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func hashConfig(cfg *Config) (uint64, error) {
	h, err := hashstructure.Hash(cfg, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("hashing config: %w", err)
	}
	return h, nil
}
