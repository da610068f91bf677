package trace

import (
	"fmt"
	"strings"
)

const (
	base64ScanLimit  = 1000 // base64-looking strings longer than this are elided
	truncationLimit  = 5000 // any string longer than this is truncated
	truncationSample = 2000 // how much of an oversized string survives
)

// elidedKeyFragments mark fields whose values are never worth logging.
var elidedKeyFragments = []string{"screenshot", "image"}

func keyIsElided(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range elidedKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// sanitizeValue recursively sanitizes a payload value. Maps and slices are
// copied; the input is never mutated.
func sanitizeValue(key string, v interface{}) interface{} {
	if keyIsElided(key) {
		return "[elided]"
	}
	switch val := v.(type) {
	case string:
		return sanitizeString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = sanitizeValue(k, inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue("", inner)
		}
		return out
	default:
		return v
	}
}

// sanitizeString replaces base64-looking blobs with a size placeholder and
// truncates anything else oversized.
func sanitizeString(s string) string {
	if len(s) > base64ScanLimit && looksLikeBase64(s) {
		return fmt.Sprintf("[base64 data: %d bytes]", len(s))
	}
	if len(s) > truncationLimit {
		return s[:truncationSample] + fmt.Sprintf("... [truncated %d chars]", len(s)-truncationSample)
	}
	return s
}

// looksLikeBase64 samples the string for a base64-only character set.
func looksLikeBase64(s string) bool {
	sample := s
	if len(sample) > 256 {
		sample = sample[:256]
	}
	for _, r := range sample {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '+' || r == '/' || r == '=' || r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
