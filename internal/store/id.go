package store

import (
	"strings"
	"unicode/utf8"
)

// ValidateContextID enforces spec §3: a contextId is an opaque non-empty
// UTF-8 string that must not contain path separators or NUL, since the
// file backend uses it directly as a filename stem.
func ValidateContextID(id string) bool {
	if id == "" || !utf8.ValidString(id) {
		return false
	}
	if strings.ContainsAny(id, "/\\\x00") {
		return false
	}
	if id == "." || id == ".." {
		return false
	}
	return true
}
