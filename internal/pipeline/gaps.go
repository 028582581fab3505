package pipeline

import (
	"strings"
)

// DetectGaps returns one message per required field that is absent, null or
// the empty string, in the order the fields are listed.
func DetectGaps(payload map[string]interface{}, required []string) []string {
	gaps := make([]string, 0)
	for _, field := range required {
		if IsMissing(payload, field) {
			gaps = append(gaps, GapMessage(field))
		}
	}
	return gaps
}

// IsMissing reports whether key is absent, null or "".
func IsMissing(payload map[string]interface{}, key string) bool {
	v, ok := payload[key]
	if !ok || v == nil {
		return true
	}
	s, isString := v.(string)
	return isString && s == ""
}

// FieldLabel turns a payload key into readable text.
func FieldLabel(key string) string {
	return strings.ReplaceAll(key, "_", " ")
}

func GapMessage(key string) string {
	return FieldLabel(key) + " not provided"
}

// dedupe keeps the first occurrence of each message.
func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
