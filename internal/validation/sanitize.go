package validation

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// maxSanitizeDepth bounds recursion into nested payloads.
const maxSanitizeDepth = 16

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeString removes control characters and markup from s. Tabs and
// newlines are kept.
func SanitizeString(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == '\u2028' || r == '\u2029' {
			return -1
		}
		return r
	}, s)
	if strings.ContainsAny(s, "<>&\"'") {
		s = strictPolicy.Sanitize(s)
	}
	return strings.TrimSpace(s)
}

// sanitizeValue returns a cleaned copy of a decoded JSON value. Values nested
// deeper than maxSanitizeDepth are dropped.
func sanitizeValue(v any, depth int) any {
	if depth > maxSanitizeDepth {
		return nil
	}
	switch val := v.(type) {
	case string:
		return SanitizeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			key := SanitizeString(k)
			if key == "" {
				continue
			}
			out[key] = sanitizeValue(item, depth+1)
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, sanitizeValue(item, depth+1))
		}
		return out
	default:
		// numbers, booleans and null carry no markup
		return val
	}
}
