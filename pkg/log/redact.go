package log

import "strings"

// RedactedValue replaces the value of any sensitive key.
const RedactedValue = "[REDACTED]"

// SensitiveKeys lists the log keys whose values are never written.
// Matching is case-insensitive and also applies to keys that end with
// "_<sensitive key>", e.g. "import_private_key".
var SensitiveKeys = []string{
	"private_key",
	"privatekey",
	"secret",
	"seed",
	"mnemonic",
	"token",
	"password",
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, s := range SensitiveKeys {
		if key == s || strings.HasSuffix(key, "_"+s) {
			return true
		}
	}
	return false
}

// redact returns keysAndValues with sensitive values replaced.
// The input slice is never modified.
func redact(keysAndValues []any) []any {
	var out []any
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok || !isSensitiveKey(key) {
			continue
		}
		if out == nil {
			out = make([]any, len(keysAndValues))
			copy(out, keysAndValues)
		}
		out[i+1] = RedactedValue
	}
	if out == nil {
		return keysAndValues
	}
	return out
}
