package core

import (
	"slices"
	"strings"
)

const RedactedValue = "[REDACTED]"

// credentialQueryParams carry a credential, or the secret used to obtain one,
// in a request URL.
var credentialQueryParams = []string{
	"access_token",
	"suite_access_token",
	"provider_access_token",
	"corpsecret",
	"suite_secret",
	"suite_ticket",
}

// IsCredentialQueryParam reports whether a query parameter name, in any case,
// carries a credential.
func IsCredentialQueryParam(name string) bool {
	return slices.ContainsFunc(credentialQueryParams, func(param string) bool {
		return strings.EqualFold(param, name)
	})
}

// RedactSensitiveMap replaces secret-bearing values before they reach a log
// line or error metadata.
func RedactSensitiveMap(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(metadata)
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case map[string]string:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = item
		}
		return redactSensitiveMap(out)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactSensitiveValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	sensitiveTokens := []string{
		"secret",
		"token",
		"ticket",
		"authorization",
		"signature",
		"corpsecret",
	}
	for _, token := range sensitiveTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

// isTraceabilityKey lists keys that look sensitive by name but only carry
// masked or identifying values.
func isTraceabilityKey(key string) bool {
	switch key {
	case "family",
		"tenant",
		"token_masked",
		"stale_token_masked",
		"suite_id",
		"request_id":
		return true
	default:
		return false
	}
}
