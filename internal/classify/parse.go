package classify

import "strings"

// ExtractJSON recovers the first well-formed JSON array (or, failing that,
// object) substring from model output that may be wrapped in prose or
// markdown code fences. It returns the trimmed candidate; callers decide
// whether it actually parses.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Prefer an array; the classification contract is a JSON list.
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		return strings.TrimSpace(text[start : end+1])
	}

	start = strings.Index(text, "{")
	end = strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return strings.TrimSpace(text[start : end+1])
	}

	return strings.TrimSpace(text)
}
