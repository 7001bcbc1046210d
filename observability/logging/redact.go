package logging

import (
	"log/slog"
	"strings"
)

// Redacted replaces secret values in log output. The daemon holds exactly two
// secrets, the indexer bearer token and the session wallet key, but any attr
// whose key names one is masked so a new call site cannot leak by accident.
const Redacted = "***"

var sensitiveKeySuffixes = []string{
	"token",
	"secret",
	"password",
	"credential",
	"private_key",
	"authorization",
}

// IsSensitiveKey reports whether a log key names a secret. Matching is by
// suffix so qualified keys like indexer_token are caught too.
func IsSensitiveKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, suffix := range sensitiveKeySuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// MaskSecret keeps a short prefix of the value for correlation and masks the
// rest. Values too short to safely truncate are masked whole.
func MaskSecret(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	if len(value) <= 8 {
		return Redacted
	}
	return value[:4] + Redacted
}

// Secret builds an attr that always carries a masked value, for call sites
// that want to log the presence of a credential without trusting key naming.
func Secret(key, value string) slog.Attr {
	return slog.String(key, MaskSecret(value))
}

// maskSensitive is installed in the handler's ReplaceAttr chain.
func maskSensitive(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString || !IsSensitiveKey(attr.Key) {
		return attr
	}
	return slog.String(attr.Key, MaskSecret(attr.Value.String()))
}
