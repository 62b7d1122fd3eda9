// Package extract turns free-text model output into structured values: the
// last JSON object carrying a set of required keys, bounded ordinal scores,
// and the binary well-specified/underspecified label derived from them.
package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	ordinal    = regexp.MustCompile(`\b[0-3]\b`)
)

// ParseError reports that model text did not contain the expected value.
type ParseError struct {
	What string
	Text string
}

func (e *ParseError) Error() string {
	text := e.Text
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return fmt.Sprintf("no valid %s in: %q", e.What, text)
}

// StripThink removes <think>...</think> reasoning blocks.
func StripThink(text string) string {
	return thinkBlock.ReplaceAllString(text, "")
}

// ParseOrdinal returns the first standalone digit 0-3 outside reasoning blocks.
func ParseOrdinal(raw string) (int, error) {
	cleaned := StripThink(raw)
	m := ordinal.FindString(cleaned)
	if m == "" {
		return 0, &ParseError{What: "score", Text: raw}
	}
	return strconv.Atoi(m)
}

// LastObject scans text from the end for the last {...} block that mentions
// every key and decodes as a JSON object. Keys of the result are trimmed
// recursively. It returns nil when nothing qualifies.
func LastObject(text string, keys ...string) map[string]any {
	if obj := lastStrict(text, keys); obj != nil {
		return obj
	}
	return lastRepaired(text, keys)
}

func lastStrict(text string, keys []string) map[string]any {
	for end := len(text) - 1; end >= 0; end-- {
		if text[end] != '}' {
			continue
		}
		for start := end - 1; start >= 0; start-- {
			if text[start] != '{' {
				continue
			}
			candidate := text[start : end+1]
			if !mentionsAll(candidate, keys) {
				continue
			}
			var obj map[string]any
			if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
				continue
			}
			return normalizeKeys(obj).(map[string]any)
		}
	}
	return nil
}

// lastRepaired handles truncated or slightly malformed payloads. Only the
// latest opening brace whose tail mentions every key is attempted.
func lastRepaired(text string, keys []string) map[string]any {
	for start := strings.LastIndexByte(text, '{'); start >= 0; start = strings.LastIndexByte(text[:start], '{') {
		tail := text[start:]
		if !mentionsAll(tail, keys) {
			continue
		}
		fixed, err := jsonrepair.JSONRepair(tail)
		if err != nil {
			return nil
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(fixed), &obj); err != nil {
			return nil
		}
		obj = normalizeKeys(obj).(map[string]any)
		for _, k := range keys {
			if _, ok := obj[k]; !ok {
				return nil
			}
		}
		return obj
	}
	return nil
}

func mentionsAll(s string, keys []string) bool {
	for _, k := range keys {
		if !strings.Contains(s, k) {
			return false
		}
	}
	return true
}

func normalizeKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[strings.TrimSpace(k)] = normalizeKeys(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalizeKeys(vv)
		}
		return out
	default:
		return v
	}
}

// Binarize maps a raw label to 0 (well-specified) or 1 (underspecified).
// Ordinals 0 and 1 become 0, ordinals 2 and 3 become 1. Anything else,
// including nil, yields nil.
func Binarize(label any) *int {
	zero, one := 0, 1
	if s, ok := label.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "well-specified", "well specified", "well":
			return &zero
		case "underspecified", "under-specified", "under":
			return &one
		}
	}
	n, ok := asInt(label)
	if !ok {
		return nil
	}
	switch n {
	case 0, 1:
		return &zero
	case 2, 3:
		return &one
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int(x), true
	case json.Number:
		n, err := x.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
}

// String returns v as text, or "" when v is nil.
func String(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
