package logger

import (
	"log/slog"
	"strings"
)

// Values starting with one of these are fully redacted whatever their key.
var sensitiveValuePrefixes = []string{
	"-----BEGIN ", // PEM encoded private keys
}

// Attribute keys containing one of these are redacted.
var sensitiveKeyPatterns = []string{
	"password",
	"passphrase",
	"private_key",
	"secret",
	"credential",
}

const redactedValue = "***REDACTED***"

// redactSensitive redacts a, descending into groups.
func redactSensitive(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		v := a.Value.String()
		if v != "" && (IsSensitiveKey(a.Key) || IsSensitiveValue(v)) {
			return slog.String(a.Key, redactedValue)
		}
	case slog.KindGroup:
		attrs := a.Value.Group()
		if IsSensitiveKey(a.Key) {
			return slog.String(a.Key, redactedValue)
		}
		out := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			out[i] = redactSensitive(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return a
}

// RedactString returns value, or the redaction placeholder when value looks
// like key material.
func RedactString(value string) string {
	if IsSensitiveValue(value) {
		return redactedValue
	}
	return value
}

// IsSensitiveKey checks if a key name suggests sensitive content.
func IsSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(keyLower, pattern) {
			return true
		}
	}
	return false
}

// IsSensitiveValue checks if a value appears to be key material.
func IsSensitiveValue(value string) bool {
	for _, prefix := range sensitiveValuePrefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
