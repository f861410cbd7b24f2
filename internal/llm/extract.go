package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// balancedScanLimit bounds the balanced-brace scan so runaway input
// cannot dominate extraction time.
const balancedScanLimit = 100000

const previewLen = 500

// ExtractionError reports that no strategy recovered a JSON object,
// carrying a bounded preview of the offending text.
type ExtractionError struct {
	Preview string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("no JSON object found in LLM response: %s", e.Preview)
}

var fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*\\n?(.*?)\\n?```")
var fencedAnyPattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)\\n?```")

// ExtractJSON recovers a JSON object from arbitrary LLM output. Strategies
// are tried in order; the first candidate that parses to a JSON object
// wins:
//
//  1. a fenced block labelled json, then any fenced block whose content
//     starts with { and ends with }
//  2. the substring from the first { to the last }
//  3. a balanced-brace scan from the first {
//  4. the whole trimmed text
//
// Always returns either a parsed object or *ExtractionError; never panics.
func ExtractJSON(text string) (map[string]json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)

	for _, candidate := range candidates(trimmed) {
		if obj, ok := parseObject(candidate); ok {
			return obj, nil
		}
	}

	preview := trimmed
	if len(preview) > previewLen {
		preview = preview[:previewLen]
	}
	return nil, &ExtractionError{Preview: preview}
}

// ExtractInto unmarshals the recovered object into out.
func ExtractInto(text string, out any) error {
	obj, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("re-encoding extracted object: %w", err)
	}
	return json.Unmarshal(raw, out)
}

func candidates(trimmed string) []string {
	var out []string

	if m := fencedJSONPattern.FindStringSubmatch(trimmed); len(m) > 1 {
		out = append(out, strings.TrimSpace(m[1]))
	}
	for _, m := range fencedAnyPattern.FindAllStringSubmatch(trimmed, -1) {
		body := strings.TrimSpace(m[1])
		if strings.HasPrefix(body, "{") && strings.HasSuffix(body, "}") {
			out = append(out, body)
		}
	}

	first := strings.IndexByte(trimmed, '{')
	last := strings.LastIndexByte(trimmed, '}')
	if first >= 0 && last > first {
		out = append(out, trimmed[first:last+1])
	}

	if balanced := balancedScan(trimmed); balanced != "" {
		out = append(out, balanced)
	}

	out = append(out, trimmed)
	return out
}

// balancedScan finds the first brace-balanced span starting at the first
// {, skipping string literals and escapes.
func balancedScan(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	limit := start + balancedScanLimit
	if limit > len(s) {
		limit = len(s)
	}

	for i := start; i < limit; i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// parseObject accepts only candidates whose root is a JSON object.
func parseObject(candidate string) (map[string]json.RawMessage, bool) {
	if !strings.HasPrefix(strings.TrimSpace(candidate), "{") {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, false
	}
	return obj, true
}
