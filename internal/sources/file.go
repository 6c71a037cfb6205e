package sources

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/njoerd114/devpeek/internal/watch"
)

// File is a push-capable adapter over a JSON or YAML document on disk.
// Writes to the file trigger a re-read through a [watch.File].
type File struct {
	name    string
	path    string
	watcher *watch.File
}

// NewFile creates a File adapter. The format is chosen by extension:
// .yaml and .yml are decoded as YAML, everything else as JSON.
func NewFile(name, path string, logger *slog.Logger, opts ...watch.Option) *File {
	return &File{
		name:    name,
		path:    path,
		watcher: watch.NewFile(path, logger, opts...),
	}
}

// Name returns the adapter name.
func (f *File) Name() string { return f.name }

// State reads and decodes the file.
func (f *File) State() (any, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", f.path, err)
	}

	var v any
	switch strings.ToLower(filepath.Ext(f.path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parsing YAML %q: %w", f.path, err)
		}
	default:
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parsing JSON %q: %w", f.path, err)
		}
	}
	return v, nil
}

// Subscribe calls notify whenever the file changes on disk.
func (f *File) Subscribe(notify func()) (func(), error) {
	return f.watcher.Subscribe(notify)
}
