package logging

import (
	"context"
	"slices"
	"strings"
)

// Limits applied to entries submitted by API clients.
const (
	MaxMessageLength   = 10000
	MaxDataSize        = 50 // keys kept from Data
	MaxDataValueLength = 1000
)

const (
	redacted  = "[REDACTED]"
	truncated = "...[truncated]"
)

// SensitiveKeys are substrings of data keys whose values are never logged.
var SensitiveKeys = []string{
	"password", "passwd", "pwd",
	"token", "secret",
	"api_key", "apikey", "api-key",
	"authorization", "auth",
	"credential", "private_key", "privatekey",
	"session", "cookie",
}

// ClientEntry is a log line submitted by an API client (browser UI, CLI)
type ClientEntry struct {
	Level   string         `json:"level"`
	Module  string         `json:"module"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// LogFromClient writes a client entry after clipping and redaction
func LogFromClient(entry ClientEntry) {
	lvl, _ := lookupLevel(validateLogLevel(entry.Level))
	args := []any{"source", "client", "module", entry.Module}
	if data := sanitizeData(entry.Data); len(data) > 0 {
		args = append(args, "data", data)
	}
	Logger().Log(context.Background(), lvl, truncateMessage(entry.Message), args...)
}

// validateLogLevel normalizes a client-supplied level, falling back to info
func validateLogLevel(level string) string {
	norm := strings.ToLower(strings.TrimSpace(level))
	if _, ok := lookupLevel(norm); ok && norm != "warning" {
		return norm
	}
	Logger().Warn("Invalid log level from client, defaulting to info", "providedLevel", level)
	return "info"
}

func truncateMessage(msg string) string {
	return clip(msg, MaxMessageLength)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + truncated
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	return slices.ContainsFunc(SensitiveKeys, func(s string) bool {
		return strings.Contains(key, s)
	})
}

// sanitizeData keeps at most MaxDataSize keys in sorted order, redacts
// sensitive ones and clips long strings.
func sanitizeData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(map[string]any, min(len(keys), MaxDataSize+1))
	for i, k := range keys {
		if i == MaxDataSize {
			out["_truncated"] = true
			break
		}
		if isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		v := data[k]
		if str, ok := v.(string); ok {
			v = clip(str, MaxDataValueLength)
		}
		out[k] = v
	}
	return out
}
