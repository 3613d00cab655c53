package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns an opaque identifier, optionally namespaced with a short
// prefix such as "ses" or "cmt".
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// Truncate shortens value to at most limit runes, appending an ellipsis when
// anything was cut.
func Truncate(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return strings.TrimSpace(string(runes[:limit])) + "..."
}
