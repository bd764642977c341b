package observability

import (
	"strings"
	"unicode"
)

// sanitizeString strips control characters and keeps at most limit runes so request data
// cannot forge log lines.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	var b strings.Builder
	n := 0
	for _, r := range value {
		if n == limit {
			break
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute prepares a chi route pattern or raw path for a log field.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeID prepares a user, order or transaction id for a log field.
func SanitizeID(id string) string { return sanitizeString(id, 64) }
