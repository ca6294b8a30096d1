package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces peer-identifying values in log output. Node
// identities and socket addresses are treated as sensitive; a log archive
// must not double as a network map.
const RedactedValue = "[REDACTED]"

// allowedKeys enumerates the only field names emitted verbatim. Everything
// else passed through MaskField is replaced with RedactedValue.
var allowedKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
}

// IsAllowlisted reports whether key may be logged without redaction. The
// comparison is case-insensitive and ignores surrounding whitespace.
func IsAllowlisted(key string) bool {
	_, ok := allowedKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the permitted keys in sorted order.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(allowedKeys))
	for key := range allowedKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue redacts a non-empty value. Empty strings pass through so absent
// fields stay visibly absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr for key, redacting the value unless the key
// is allowlisted. The key itself is kept as given.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
