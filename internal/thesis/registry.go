package thesis

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/config"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

//go:embed presets/*.yaml
var presetFS embed.FS

// DefaultID is the thesis used when a run names none.
const DefaultID = "general"

// Entry is a loaded thesis with bookkeeping data.
type Entry struct {
	Thesis      *Thesis
	SourcePath  string
	ContentHash string
	LoadedAt    time.Time
	Preset      bool
}

// Summary is the listing view of an entry.
type Summary struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Threshold   float64 `json:"threshold"`
	Categories  int     `json:"categories"`
	Source      string  `json:"source"`
	ContentHash string  `json:"content_hash"`
}

// Registry is the catalogue of theses: built-in presets overlaid by files from
// the thesis directory. A file thesis with a preset's id shadows the preset
// until the file is removed.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	presets map[string]Entry
	files   map[string]string // file name -> thesis id
	logger  *zap.Logger
}

// NewRegistry loads the built-in presets.
func NewRegistry(logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		entries: make(map[string]Entry),
		presets: make(map[string]Entry),
		files:   make(map[string]string),
		logger:  logger,
	}
	files, err := fs.ReadDir(presetFS, "presets")
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	for _, f := range files {
		path := "presets/" + f.Name()
		data, err := presetFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read preset %s: %w", path, err)
		}
		t, err := Parse(data, idFromFile(path))
		if err != nil {
			return nil, fmt.Errorf("preset %s: %w", path, err)
		}
		e := newEntry(t, "preset:"+f.Name(), data)
		e.Preset = true
		r.presets[t.ID] = e
		r.entries[t.ID] = e
	}
	return r, nil
}

func newEntry(t *Thesis, source string, raw []byte) Entry {
	sum := sha256.Sum256(raw)
	return Entry{
		Thesis:      t,
		SourcePath:  source,
		ContentHash: hex.EncodeToString(sum[:]),
		LoadedAt:    time.Now(),
	}
}

// Get returns a copy of the thesis. An empty id selects DefaultID.
func (r *Registry) Get(id string) (*Thesis, error) {
	if id == "" {
		id = DefaultID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, errs.NotFound("thesis %s not found", id)
	}
	return e.Thesis.Clone(), nil
}

// Entry returns the registry entry for id.
func (r *Registry) Entry(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// List summarizes all theses sorted by id.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Summary{
			ID:          id,
			Name:        e.Thesis.Name,
			Threshold:   e.Thesis.Threshold,
			Categories:  len(e.Thesis.Categories),
			Source:      e.SourcePath,
			ContentHash: e.ContentHash,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put validates and registers a thesis programmatically.
func (r *Registry) Put(t *Thesis) error {
	if err := Validate(t); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.ID] = Entry{Thesis: t.Clone(), SourcePath: "api", LoadedAt: time.Now()}
	return nil
}

// LoadError aggregates per-file load failures.
type LoadError struct {
	Failures []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%d thesis file(s) failed to load: %s", len(e.Failures), strings.Join(e.Failures, "; "))
}

// LoadDirectory loads every yaml file directly under root. Valid files are
// registered even when others fail; failures are returned as a *LoadError.
func (r *Registry) LoadDirectory(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return errs.WrapKind(err, errs.KindConfig, "read thesis directory %s", root)
	}
	var failures []string
	for _, d := range entries {
		if d.IsDir() || !isYAML(d.Name()) {
			continue
		}
		path := filepath.Join(root, d.Name())
		data, err := os.ReadFile(path)
		if err == nil {
			err = r.loadBytes(d.Name(), path, data)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", d.Name(), err))
		}
	}
	if len(failures) > 0 {
		return errs.WrapKind(&LoadError{Failures: failures}, errs.KindConfig, "load theses")
	}
	return nil
}

func (r *Registry) loadBytes(file, source string, data []byte) error {
	t, err := Parse(data, idFromFile(file))
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.files[file]; ok && prev != t.ID {
		r.dropLocked(prev)
	}
	r.files[file] = t.ID
	r.entries[t.ID] = newEntry(t, source, data)
	r.logger.Info("Thesis loaded",
		zap.String("thesis_id", t.ID),
		zap.String("file", file),
		zap.Int("categories", len(t.Categories)),
	)
	return nil
}

// dropLocked removes a file thesis, restoring the preset it shadowed.
func (r *Registry) dropLocked(id string) {
	if p, ok := r.presets[id]; ok {
		r.entries[id] = p
		return
	}
	delete(r.entries, id)
}

func (r *Registry) removeFile(file string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.files[file]
	if !ok {
		return
	}
	delete(r.files, file)
	r.dropLocked(id)
	r.logger.Info("Thesis removed", zap.String("thesis_id", id), zap.String("file", file))
}

// Watch wires the registry to a config manager over the thesis directory.
// Invalid files are rejected by the manager's validator and the previous
// version stays active.
func (r *Registry) Watch(m *config.Manager) {
	m.RegisterValidator(config.AnyFile, func(file string, raw []byte) error {
		if !isYAML(file) {
			return errs.Config("thesis files must be yaml: %s", file)
		}
		_, err := Parse(raw, idFromFile(file))
		return err
	})
	m.RegisterHandler(config.AnyFile, func(ev config.ChangeEvent) error {
		switch ev.Action {
		case "delete", "rename":
			r.removeFile(ev.File)
			return nil
		default:
			return r.loadBytes(ev.File, filepath.Join(m.Dir(), ev.File), ev.Raw)
		}
	})
}
