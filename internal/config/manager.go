package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Manager is a file-backed Provider. Watch keeps it in sync with the YAML file; a reload
// that fails to parse or validate leaves the previous parameters in effect.
type Manager struct {
	path string

	mu      sync.RWMutex
	current Schedule
}

// NewManager creates a Manager for the YAML file at path. Call Load before use.
func NewManager(path string) *Manager {
	return &Manager{path: path, current: ApplyEnv(Defaults())}
}

// Load parses, overlays the environment, validates and commits the file contents.
func (m *Manager) Load() (Schedule, error) {
	s, err := LoadFile(m.path)
	if err != nil {
		return Schedule{}, err
	}
	s = ApplyEnv(s)
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	slog.Debug("Manager.Load: schedule config committed", "path", m.path)
	return s, nil
}

// Schedule implements Provider.
func (m *Manager) Schedule() Schedule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Watch reloads the file whenever it changes until ctx is cancelled. The parent directory
// is watched so that editors which replace the file on save are handled.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	slog.Info("Manager.Watch: watching schedule config", "path", m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if _, err := m.Load(); err != nil {
				slog.Warn("Manager.Watch: reload rejected, keeping previous config", "path", m.path, "error", err)
				return
			}
			slog.Info("Manager.Watch: schedule config reloaded", "path", m.path)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Manager.Watch: watcher error", "error", err)
		}
	}
}
