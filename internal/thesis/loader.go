package thesis

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

// Parse decodes and validates a yaml thesis. Unknown fields are rejected so
// typos in weights or category keys do not silently drop configuration.
// defaultID is used when the document carries no id.
func Parse(raw []byte, defaultID string) (*Thesis, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var t Thesis
	if err := dec.Decode(&t); err != nil {
		return nil, errs.WrapKind(err, errs.KindConfig, "decode thesis %s", defaultID)
	}
	if t.ID == "" {
		t.ID = defaultID
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	if err := Validate(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ParseFile reads and validates one thesis file; the id defaults to the file name.
func ParseFile(path string) (*Thesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapKind(err, errs.KindConfig, "read thesis %s", path)
	}
	return Parse(data, idFromFile(path))
}

func idFromFile(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
