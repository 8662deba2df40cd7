package store

import (
	"fmt"
	"sync/atomic"
)

// Site identifiers arrive from file names and CLI flags and end up inside
// ClickHouse string literals and cache keys. Quotes and backslashes are
// stripped; everything else is kept.

var (
	sanitizedCount atomic.Int64
	modifiedCount  atomic.Int64
)

// SanitizeSite removes quote and backslash characters from a site id.
// It does not allocate when the id is already clean.
func SanitizeSite(site string) string {
	sanitizedCount.Add(1)
	if !needsSanitization(site) {
		return site
	}
	modifiedCount.Add(1)
	buf := make([]byte, 0, len(site))
	for i := 0; i < len(site); i++ {
		switch c := site[i]; c {
		case '"', '\'', '\\', '`':
		default:
			buf = append(buf, c)
		}
	}
	return string(buf)
}

func needsSanitization(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\'', '\\', '`':
			return true
		}
	}
	return false
}

// SanitizeStats returns how many ids were checked and how many changed.
func SanitizeStats() (total, modified int64) {
	return sanitizedCount.Load(), modifiedCount.Load()
}

// ValidateIdentifier accepts "name" or "db.name" where each part is
// [A-Za-z_][A-Za-z0-9_]*. Table names cannot be bound as query
// parameters, so they are checked before being formatted into SQL.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("empty identifier")
	}
	parts := 0
	start := true
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '.':
			if start || parts == 1 {
				return fmt.Errorf("invalid identifier %q", name)
			}
			parts++
			start = true
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			start = false
		case c >= '0' && c <= '9' && !start:
		default:
			return fmt.Errorf("invalid identifier %q", name)
		}
	}
	if start {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}
