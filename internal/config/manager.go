package config

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

// Format is a supported configuration file format
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// AnyFile registers a handler or validator for every configuration file in the directory.
const AnyFile = "*"

// ChangeEvent describes a configuration file change.
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // initial_load, create, modify, delete, rename, manual_reload
	Config    map[string]interface{} `json:"config"`
	Raw       []byte                 `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called after a file was loaded and validated, or removed.
type ChangeHandler func(event ChangeEvent) error

// Validator rejects a file before it replaces the previous version.
type Validator func(file string, raw []byte) error

// Manager watches a directory of yaml/json files and reloads them on change.
// A file that fails to parse or validate never replaces the last good version.
// .rego files in the same directory trigger the policy handlers instead.
type Manager struct {
	dir            string
	configs        map[string]map[string]interface{}
	raws           map[string][]byte
	handlers       map[string][]ChangeHandler
	validators     map[string][]Validator
	policyHandlers []func() error
	watcher        *fsnotify.Watcher
	started        bool
	stopCh         chan struct{}
	logger         *zap.Logger
	mu             sync.RWMutex
	watcherMu      sync.Mutex

	// Polling fallback for filesystems where fsnotify is unreliable (bind mounts)
	pollInterval  time.Duration
	enablePolling bool
}

// NewManager creates a manager for dir, creating the directory if needed.
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		return nil, errs.Config("config directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.Wrap(err, "create config directory")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(err, "create file watcher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dir:          dir,
		configs:      make(map[string]map[string]interface{}),
		raws:         make(map[string][]byte),
		handlers:     make(map[string][]ChangeHandler),
		validators:   make(map[string][]Validator),
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
	}, nil
}

// Dir returns the watched directory.
func (m *Manager) Dir() string { return m.dir }

// Start loads every file once, then watches for changes. Register handlers and
// validators before calling Start so the initial load reaches them.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.watcher.Add(m.dir); err != nil {
		return errs.Wrap(err, "watch config directory")
	}
	// Avoid holding m.mu during I/O; handlers may call back into the manager.
	m.loadAll("initial_load")

	m.mu.Lock()
	m.started = true
	loaded := len(m.configs)
	polling := m.enablePolling
	m.mu.Unlock()

	go m.watchLoop(ctx)
	if polling {
		go m.pollLoop(ctx)
	}

	m.logger.Info("Configuration manager started",
		zap.String("config_dir", m.dir),
		zap.Int("loaded_configs", loaded),
		zap.Bool("polling_enabled", polling),
	)
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	close(m.stopCh)
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing file watcher", zap.Error(err))
	}
	m.started = false
	m.logger.Info("Configuration manager stopped")
	return nil
}

// RegisterHandler registers a change handler for filename, or AnyFile.
func (m *Manager) RegisterHandler(filename string, handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[filename] = append(m.handlers[filename], handler)
	m.logger.Debug("Configuration handler registered",
		zap.String("filename", filename),
		zap.Int("total_handlers", len(m.handlers[filename])),
	)
}

// RegisterValidator registers a validator for filename, or AnyFile.
func (m *Manager) RegisterValidator(filename string, v Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[filename] = append(m.validators[filename], v)
}

// RegisterPolicyHandler registers a handler run when a .rego file changes.
func (m *Manager) RegisterPolicyHandler(handler func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyHandlers = append(m.policyHandlers, handler)
}

// GetConfig returns a copy of the last good parse of filename.
func (m *Manager) GetConfig(filename string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[filename]
	if !ok {
		return nil, false
	}
	return copyMap(cfg), true
}

// Files lists the currently loaded file names.
func (m *Manager) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.configs))
	for name := range m.configs {
		out = append(out, name)
	}
	return out
}

// ReloadConfig reloads one file on demand.
func (m *Manager) ReloadConfig(filename string) error {
	return m.loadFile(filepath.Join(m.dir, filename), "manual_reload")
}

// ReloadAll reloads every file on demand and returns the first error.
func (m *Manager) ReloadAll() error {
	return m.loadAll("manual_reload")
}

// EnablePolling enables the polling fallback. Call before Start.
func (m *Manager) EnablePolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enablePolling = true
	m.pollInterval = interval
	m.logger.Info("Configuration polling enabled", zap.Duration("interval", interval))
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	lastMod := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkForChanges(lastMod)
		}
	}
}

func (m *Manager) checkForChanges(lastMod map[string]time.Time) {
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		if mod := info.ModTime(); mod.After(lastMod[name]) {
			lastMod[name] = mod
			if err := m.loadFile(path, "polling_detected"); err != nil {
				m.logger.Warn("Polled config rejected", zap.String("file", name), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error("Error during polling check", zap.Error(err))
	}
}

func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	filename := filepath.Base(event.Name)
	isConfig := isConfigFile(event.Name)
	isPolicy := filepath.Ext(event.Name) == ".rego"
	if !isConfig && !isPolicy {
		return
	}

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		action = "delete"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "rename"
	default:
		// chmod
		return
	}
	m.logger.Debug("File system event", zap.String("file", filename), zap.String("action", action))

	if isPolicy {
		m.reloadPolicies(filename, action)
		return
	}
	if action == "delete" || action == "rename" {
		m.handleRemoval(filename, action)
		return
	}
	// Editors emit several writes per save.
	time.Sleep(50 * time.Millisecond)
	if err := m.loadFile(event.Name, action); err != nil {
		m.logger.Error("Failed to load config file",
			zap.String("file", filename),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (m *Manager) loadAll(action string) error {
	var first error
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != m.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !isConfigFile(path) {
			return nil
		}
		if err := m.loadFile(path, action); err != nil {
			m.logger.Error("Failed to load config file", zap.String("file", path), zap.Error(err))
			if first == nil {
				first = err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return first
}

func (m *Manager) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrapf(err, "read config file %s", path)
	}
	filename := filepath.Base(path)

	parsed := make(map[string]interface{})
	format := detectFormat(filename)
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &parsed)
	case FormatYAML:
		err = yaml.Unmarshal(data, &parsed)
	}
	if err != nil {
		return errs.WrapKind(err, errs.KindConfig, "parse %s config %s", format, filename)
	}

	m.mu.RLock()
	validators := append(append([]Validator(nil), m.validators[AnyFile]...), m.validators[filename]...)
	m.mu.RUnlock()
	for _, v := range validators {
		if err := v(filename, data); err != nil {
			return errs.WrapKind(err, errs.KindConfig, "validate %s", filename)
		}
	}

	m.mu.Lock()
	m.configs[filename] = parsed
	m.raws[filename] = data
	handlers := m.handlersFor(filename)
	m.mu.Unlock()

	m.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    copyMap(parsed),
		Raw:       data,
		Timestamp: time.Now(),
	})
	m.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.String("format", string(format)),
	)
	return nil
}

func (m *Manager) handleRemoval(filename, action string) {
	m.mu.Lock()
	last, known := m.configs[filename]
	delete(m.configs, filename)
	delete(m.raws, filename)
	handlers := m.handlersFor(filename)
	m.mu.Unlock()

	if !known {
		return
	}
	m.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    copyMap(last),
		Timestamp: time.Now(),
	})
	m.logger.Info("Configuration file removed", zap.String("filename", filename))
}

// handlersFor must be called with m.mu held.
func (m *Manager) handlersFor(filename string) []ChangeHandler {
	out := make([]ChangeHandler, 0, len(m.handlers[AnyFile])+len(m.handlers[filename]))
	out = append(out, m.handlers[AnyFile]...)
	return append(out, m.handlers[filename]...)
}

// notify runs handlers in order on the caller's goroutine without holding any
// lock, so a handler may call back into the manager.
func (m *Manager) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, h := range handlers {
		if err := h(event); err != nil {
			m.logger.Error("Configuration handler error",
				zap.String("filename", event.File),
				zap.String("action", event.Action),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) reloadPolicies(filename, action string) {
	m.mu.RLock()
	handlers := append([]func() error(nil), m.policyHandlers...)
	m.mu.RUnlock()

	m.logger.Info("Policy file changed, triggering reload",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("handlers", len(handlers)),
	)
	for _, h := range handlers {
		if err := h(); err != nil {
			m.logger.Error("Policy reload handler failed", zap.String("file", filename), zap.Error(err))
		}
	}
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func isConfigFile(name string) bool {
	switch filepath.Ext(name) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func detectFormat(filename string) Format {
	switch filepath.Ext(filename) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}
