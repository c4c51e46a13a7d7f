package audit

import "strings"

// Redacted replaces sensitive argument values before an entry leaves the
// process.
const Redacted = "[REDACTED]"

// sensitiveKeyParts flags an argument key for masking when its lower-cased
// name contains any of these fragments.
var sensitiveKeyParts = []string{
	"password", "secret", "token", "key", "authorization", "auth", "credential",
}

// strippedKeys are runtime handles injected by the tool layer. They are not
// audit data and are removed unconditionally, even when masking is disabled.
var strippedKeys = map[string]struct{}{
	"pool":              {},
	"environmentPolicy": {},
}

// redactArguments returns a copy of args with handle keys stripped and,
// unless maskDisabled, sensitive values replaced by the redaction marker.
func redactArguments(args map[string]any, maskDisabled bool) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if _, stripped := strippedKeys[k]; stripped {
			continue
		}
		if !maskDisabled && isSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
