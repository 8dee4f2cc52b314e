package logger

import (
	"log/slog"
	"strings"
)

// Attribute keys containing one of these are fully redacted.
var sensitiveKeyPatterns = []string{
	"password",
	"secret",
	"token",
	"credential",
	"authorization",
}

// Authorization schemes whose credentials are masked in any value.
var authSchemes = []string{"Bearer ", "Basic "}

// jwtPrefix starts every JWT: the base64 of `{"`.
const jwtPrefix = "eyJ"

const redactedValue = "***REDACTED***"

// redactSensitive masks values that look like credentials, then redacts
// values of sensitive keys. Groups are walked recursively.
func redactSensitive(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		s := a.Value.String()
		if masked := RedactString(s); masked != s {
			return slog.String(a.Key, masked)
		}
		if s != "" && IsSensitiveKey(a.Key) {
			return slog.String(a.Key, redactedValue)
		}
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			out[i] = redactSensitive(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return a
}

// maskValue keeps the first and last three characters of value after
// prefix.
func maskValue(value, prefix string) string {
	body := value[len(prefix):]
	if len(body) <= 6 {
		return prefix + "***"
	}
	return prefix + body[:3] + "..." + body[len(body)-3:]
}

// RedactString masks a JWT or an Authorization header value and returns
// anything else unchanged.
func RedactString(value string) string {
	for _, scheme := range authSchemes {
		if strings.HasPrefix(value, scheme) {
			return scheme + "***"
		}
	}
	if strings.HasPrefix(value, jwtPrefix) && strings.Count(value, ".") == 2 {
		return maskValue(value, jwtPrefix)
	}
	return value
}

// IsSensitiveKey reports whether an attribute key names a secret.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, p := range sensitiveKeyPatterns {
		if strings.Contains(k, p) {
			return true
		}
	}
	return false
}

// IsSensitiveValue reports whether value looks like a credential.
func IsSensitiveValue(value string) bool {
	return RedactString(value) != value
}
