package policy

import (
	"regexp"
	"strings"
)

// Redacted replaces secret-like text in logs, messages and persisted output.
const Redacted = "[REDACTED]"

const maxRedactDepth = 10

// secretPatterns match text that likely contains a credential.
var secretPatterns = []*regexp.Regexp{
	// Generic key/token assignments.
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|auth|bearer)\s*[:=]\s*\S+`),
	// AWS-style access keys.
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	// JWTs.
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
	// PEM private key headers.
	regexp.MustCompile(`-----BEGIN\s+(RSA|EC|DSA|OPENSSH)?\s*PRIVATE KEY-----`),
}

// secretKeyHints are substrings of map keys whose values are always masked.
var secretKeyHints = []string{
	"secret", "password", "token", "api_key", "apikey", "private_key", "credentials",
}

// RedactText masks secret-like patterns in s.
func RedactText(s string) string {
	if s == "" {
		return s
	}
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, Redacted)
	}
	return s
}

// RedactMap returns a copy of data with secret-named keys masked and string
// values passed through RedactText, recursing into nested maps and lists.
func RedactMap(data map[string]any) map[string]any {
	return redactMap(data, 0)
}

func redactMap(data map[string]any, depth int) map[string]any {
	if depth > maxRedactDepth {
		return data
	}
	out := make(map[string]any, len(data))
	for key, value := range data {
		if isSecretKey(key) {
			out[key] = Redacted
			continue
		}
		out[key] = redactValue(value, depth)
	}
	return out
}

func redactValue(value any, depth int) any {
	switch v := value.(type) {
	case string:
		return RedactText(v)
	case map[string]any:
		return redactMap(v, depth+1)
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = redactValue(item, depth+1)
		}
		return items
	default:
		return value
	}
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, hint := range secretKeyHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
