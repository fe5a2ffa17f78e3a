package audit

import "strings"

// sensitiveKeyFragments marks any metadata key whose lowercased form
// contains one of these substrings for redaction.
var sensitiveKeyFragments = []string{
	"password", "token", "secret", "credential", "authorization",
	"session", "csrf", "otp", "code",
}

// keyPrefixes/keySuffixes gate redaction of a bare "key" field: "key" alone
// is too common a field name (e.g. a map entry's key, an idempotency key)
// to redact unconditionally, so it only triggers alongside a recognized
// qualifier like "api_key" or "key_id".
var keyPrefixes = []string{"api", "secret", "private", "public", "access", "encryption", "signing"}
var keySuffixes = []string{"id", "hash", "fingerprint"}

const redacted = "[REDACTED]"

// sanitizeMetadata recursively HTML-escapes string values and redacts
// sensitive fields before an event is queued for write. Applied once at
// enqueue time so every stored and exported copy is already sanitized.
func sanitizeMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	if lower == "key" {
		return false
	}
	if strings.Contains(lower, "key") {
		for _, p := range keyPrefixes {
			if strings.HasPrefix(lower, p) {
				return true
			}
		}
		for _, s := range keySuffixes {
			if strings.HasSuffix(lower, "key_"+s) || strings.HasSuffix(lower, "key"+s) {
				return true
			}
		}
	}
	return false
}

func sanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return htmlEscape(t)
	case map[string]interface{}:
		return sanitizeMetadata(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return t
	}
}

var htmlEscapeReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
	"/", "&#x2F;",
)

func htmlEscape(s string) string {
	return htmlEscapeReplacer.Replace(s)
}
