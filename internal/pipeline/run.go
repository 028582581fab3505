package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Run is the state of one agent invocation. It is created per request and
// never shared between requests.
type Run struct {
	ID    string
	Agent *Agent
	Now   time.Time

	// Input is the request payload after enum validation.
	Input map[string]interface{}
	// Derived holds scalar values computed from input or evidence. It is
	// visible to rule predicates and copied into _meta when Agent.MetaKeys lists it.
	Derived map[string]interface{}
	// State holds structured values passed between hooks (CRM records, parsed deals).
	State map[string]interface{}

	Signals        []Signal
	Sources        []Source
	Gaps           []string
	EvidenceFailed bool

	InitialConfidence Confidence
	Confidence        Confidence

	// Output is the synthesis, adjusted in place by hard rules.
	Output   map[string]interface{}
	Verdicts []Verdict
	Critique *Critique
	// QualityNote is set when the critique failed or scored below threshold.
	QualityNote string

	// Sections is what Finalize produces; when nil the output is used as is.
	Sections map[string]interface{}
	Meta     map[string]interface{}
}

func newRun(id string, agent *Agent, input map[string]interface{}, now time.Time) *Run {
	if input == nil {
		input = map[string]interface{}{}
	}
	return &Run{
		ID:      id,
		Agent:   agent,
		Now:     now,
		Input:   input,
		Derived: map[string]interface{}{},
		State:   map[string]interface{}{},
		Meta:    map[string]interface{}{},
	}
}

// AddGap appends a gap message; duplicates are removed at assembly.
func (r *Run) AddGap(msg string) {
	r.Gaps = append(r.Gaps, msg)
}

// Has reports whether an input key carries a value.
func (r *Run) Has(key string) bool {
	return !IsMissing(r.Input, key)
}

// Str returns the input value as trimmed text.
func (r *Run) Str(key string) string {
	return strings.TrimSpace(ToString(r.Input[key]))
}

// Num parses the input value as a number.
func (r *Run) Num(key string) (float64, bool) {
	return ToFloat(r.Input[key])
}

// List returns the input value as a list of strings. Comma or newline
// separated text is split.
func (r *Run) List(key string) []string {
	return ToStrings(r.Input[key])
}

// OutStr returns a synthesis field as text.
func (r *Run) OutStr(key string) string {
	return strings.TrimSpace(ToString(r.Output[key]))
}

// OutNum parses a synthesis field as a number.
func (r *Run) OutNum(key string) (float64, bool) {
	return ToFloat(r.Output[key])
}

// DaysUntil returns whole days from now to the date in input key.
func (r *Run) DaysUntil(key string) (int, bool) {
	t, ok := ParseDate(r.Str(key))
	if !ok {
		return 0, false
	}
	return int(t.Sub(r.Now).Hours() / 24), true
}

// ==========================
// Value helpers
// ==========================

// ToString renders scalars as text; other values are returned as JSON-ish text.
func ToString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, ToString(item))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(t)
	}
}

var numberPattern = regexp.MustCompile(`-?\d[\d,]*(\.\d+)?`)

// ToFloat reads numbers from JSON numbers or loosely formatted text such as
// "$50,000", "82/100" or "85%". The first number in the text wins.
func ToFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		m := numberPattern.FindString(t)
		if m == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ToStrings flattens arrays and splits comma or newline separated text.
func ToStrings(v interface{}) []string {
	var raw []string
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		for _, item := range t {
			raw = append(raw, ToString(item))
		}
	case []string:
		raw = t
	case string:
		raw = strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == '\n' })
	default:
		raw = []string{ToString(t)}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var dateLayouts = []string{time.RFC3339, "2006-01-02", "2006/01/02", "01/02/2006", "Jan 2, 2006", "2 Jan 2006"}

// ParseDate accepts the date formats seen in form payloads and CRM exports,
// including epoch milliseconds.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 1e11 {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// Domain strips scheme, path and trailing slash from a URL-ish string.
func Domain(raw string) string {
	d := strings.TrimSpace(raw)
	d = strings.TrimPrefix(strings.TrimPrefix(d, "https://"), "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return strings.ToLower(d)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// ContainsAny reports whether text contains any of the needles, ignoring case.
func ContainsAny(text string, needles ...string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// Money formats an amount the way briefs display it.
func Money(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	whole := strconv.FormatFloat(v, 'f', 0, 64)
	var b strings.Builder
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if neg {
		return "-$" + b.String()
	}
	return "$" + b.String()
}
