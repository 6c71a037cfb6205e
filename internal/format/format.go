// Package format renders mirrored values for terminal output.
package format

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultWidth is the truncation width used by list views.
const DefaultWidth = 50

// Value renders v on one line: nil as "null", strings verbatim, maps and
// slices as compact JSON. Values that cannot be marshalled render as
// "[Complex Object]".
func Value(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "[Complex Object]"
	}
	return string(b)
}

// Truncate shortens s to max runes, appending "..." when anything was cut.
// A non-positive max uses [DefaultWidth].
func Truncate(s string, max int) string {
	if max <= 0 {
		max = DefaultWidth
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// Bytes renders n as a binary size, e.g. "1.5 KiB".
func Bytes(n int) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// ByteSize is the UTF-8 encoded size of s.
func ByteSize(s string) int {
	return len(s)
}

// Since renders t relative to now, e.g. "3 minutes ago". The zero time
// renders as "never".
func Since(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
