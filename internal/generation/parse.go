package generation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseJSON extracts a JSON object from model output. It strips markdown
// fences, unwraps {"result": "<json>"} envelopes and falls back to the
// outermost {...} span. Anything else is ErrSchemaInvalid.
func ParseJSON(content string) (map[string]any, error) {
	s := stripFences(strings.TrimSpace(content))
	m, err := decodeObject(s)
	if err != nil {
		start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("%w: no JSON object in output", ErrSchemaInvalid)
		}
		if m, err = decodeObject(s[start : end+1]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
		}
	}
	if len(m) == 1 {
		if inner, ok := m["result"].(string); ok {
			if unwrapped, err := decodeObject(stripFences(strings.TrimSpace(inner))); err == nil {
				return unwrapped, nil
			}
		}
	}
	return m, nil
}

// Require checks that every field is present and non-null.
func Require(m map[string]any, fields ...string) error {
	var missing []string
	for _, f := range fields {
		if v, ok := m[f]; !ok || v == nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrSchemaInvalid, strings.Join(missing, ", "))
	}
	return nil
}

func decodeObject(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("not an object")
	}
	return m, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
