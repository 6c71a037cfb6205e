// Package export writes a point-in-time JSON dump of mirrored storage and
// adapter state.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/njoerd114/devpeek/internal/model"
)

// timestampLayout matches JavaScript's Date.toISOString, always UTC.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Document is the exported file's content. Storage keys are "<kind>:<key>"
// and values are parsed with [model.ParseValue].
type Document struct {
	Timestamp string         `json:"timestamp"`
	Storage   map[string]any `json:"storage"`
	State     map[string]any `json:"state"`
}

// Build assembles a Document. Later items win when two share a kind and key.
func Build(items []model.StorageItem, states map[string]any, now time.Time) Document {
	storage := make(map[string]any, len(items))
	for _, item := range items {
		storage[item.ExportKey()] = model.ParseValue(item)
	}
	if states == nil {
		states = map[string]any{}
	}
	return Document{
		Timestamp: Timestamp(now),
		Storage:   storage,
		State:     states,
	}
}

// Timestamp formats t in UTC with millisecond precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// FileName returns "devpeek-export-<timestamp>.json" with colons replaced
// so the name is valid on every file system.
func FileName(t time.Time) string {
	return "devpeek-export-" + strings.ReplaceAll(Timestamp(t), ":", "-") + ".json"
}

// Write stores doc in dir under [FileName] of now and returns the path.
func Write(dir string, doc Document, now time.Time) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding export: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating export directory %q: %w", dir, err)
	}
	path := filepath.Join(dir, FileName(now))
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("writing export %q: %w", path, err)
	}
	return path, nil
}
