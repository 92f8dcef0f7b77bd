// Package jsonutil extracts JSON values from noisy LLM output.
package jsonutil

import (
	"encoding/json"
	"strings"
)

// ExtractObject returns the substring between the outermost '{' and '}' in s,
// stripping code fences and surrounding prose. ok is false when no braces
// are found.
func ExtractObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

// ExtractArray returns the substring between the outermost '[' and ']' in s.
func ExtractArray(s string) (string, bool) {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

// ParseObject extracts and unmarshals the outermost JSON object in s.
func ParseObject(s string) (map[string]any, error) {
	raw, ok := ExtractObject(s)
	if !ok {
		return nil, &ParseError{Input: s, Reason: "no JSON object found"}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, &ParseError{Input: s, Reason: err.Error()}
	}
	return out, nil
}

// ParseError reports a failed extraction with a truncated echo of the input.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	snippet := e.Input
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	return "failed to parse JSON from LLM output: " + e.Reason + " (input: " + snippet + ")"
}
