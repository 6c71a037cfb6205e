// Package model defines shared types used across the storage mirror, the
// export snapshot, and the CLI.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Kind identifies which of the two key-value stores an item lives in.
type Kind string

const (
	// KindPersistent is the durable store that survives process restarts.
	KindPersistent Kind = "persistent"
	// KindSession is the session-scoped store, discarded when its watch
	// session ends.
	KindSession Kind = "session"
)

// Kinds lists both store kinds in enumeration order.
var Kinds = []Kind{KindPersistent, KindSession}

// String returns the kind label used in keys and flags.
func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is one of the two known kinds.
func (k Kind) Valid() bool {
	return k == KindPersistent || k == KindSession
}

// ParseKind maps a user-supplied label to a Kind. The browser-style aliases
// "local" and "localStorage" map to persistent, "sessionStorage" to session.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "persistent", "local", "localStorage":
		return KindPersistent, nil
	case "session", "sessionStorage":
		return KindSession, nil
	default:
		return "", fmt.Errorf("unknown storage kind %q (want persistent or session)", s)
	}
}

// StorageItem is one entry of a key-value store as seen by the mirror.
// Value is always the raw string exactly as stored.
type StorageItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Kind  Kind   `json:"type"`
}

// ExportKey returns the "<kind>:<key>" label used by the export document.
func (i StorageItem) ExportKey() string {
	return string(i.Kind) + ":" + i.Key
}

// ParseValue interprets the raw value as JSON. When the value is not valid
// JSON the raw string is returned unchanged. The item is never modified.
func ParseValue(item StorageItem) any {
	var v any
	if err := json.Unmarshal([]byte(item.Value), &v); err != nil {
		return item.Value
	}
	return v
}

// Lookup resolves a gjson path (e.g. "user.roles.0") inside the item's raw
// value. ok is false when the value is not JSON or the path does not exist.
func Lookup(item StorageItem, path string) (value any, ok bool) {
	if path == "" {
		return ParseValue(item), true
	}
	if !gjson.Valid(item.Value) {
		return nil, false
	}
	res := gjson.Get(item.Value, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}
