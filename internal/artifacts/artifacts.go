// Package artifacts stores generated outputs. Stores return opaque references that only the store
// that issued them can open.
package artifacts

import (
	"errors"
	"path"
	"strings"
)

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrInvalidRef = errors.New("invalid artifact reference")
	ErrInvalidKey = errors.New("invalid artifact key")
)

// cleanKey normalizes a slash-separated key and refuses anything that could escape the store root.
func cleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || strings.Contains(trimmed, "\\") || strings.HasPrefix(trimmed, "/") {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}
