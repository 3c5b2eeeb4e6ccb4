package llm

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
)

// ErrNoJSON is returned when a reply holds no JSON object.
var ErrNoJSON = errors.New("no JSON object in reply")

// ExtractJSON returns the first balanced JSON object in text, after
// stripping markdown code fences. Braces inside string literals are ignored.
func ExtractJSON(text string) (string, error) {
	text = stripFences(strings.TrimSpace(text))

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", ErrNoJSON
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}

// ParseJSONResponse parses a JSON object from an LLM reply, handling
// markdown code blocks and surrounding prose.
func ParseJSONResponse(text string) map[string]any {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		slog.Debug("failed to parse LLM response as JSON", "error", err)
		return nil
	}

	return result
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) == 1 {
		return strings.Trim(text, "`")
	}
	endIdx := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			endIdx = i
			break
		}
	}
	return strings.Join(lines[1:endIdx], "\n")
}
