package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"credential":  {},
	"private_key": {},
	"privatekey":  {},
	"passphrase":  {},
	"password":    {},
	"secret":      {},
	"seed":        {},
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// SensitiveKeys returns a sorted copy of the log keys that are always masked.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// Redact masks attr when its key is sensitive. Groups are walked so nested
// attributes are covered too.
func Redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		members := attr.Value.Group()
		masked := make([]any, 0, len(members))
		for _, member := range members {
			masked = append(masked, Redact(member))
		}
		return slog.Group(attr.Key, masked...)
	}
	if !IsSensitive(attr.Key) {
		return attr
	}
	return slog.String(attr.Key, MaskValue(attr.Value.String()))
}
