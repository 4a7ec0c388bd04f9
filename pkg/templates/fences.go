package templates

import (
	"regexp"
	"strings"
)

// fencedJSON matches the first fenced JSON object in a provider
// response, tolerating a missing language tag.
var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// StripFences removes a markdown code-fence wrapper from a provider
// payload. Providers are told to answer with raw content, but some wrap
// it anyway; a payload whose first and last non-blank lines are fences
// loses both (the opening fence may carry a language tag). Interior
// fences are preserved: only a whole-payload wrapper is stripped.
func StripFences(payload string) string {
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "```") {
		return payload
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return payload
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	if last != "```" {
		return payload
	}

	inner := lines[1 : len(lines)-1]
	return strings.Join(inner, "\n")
}

// ExtractFencedJSON pulls the first fenced JSON object out of a
// provider response. Returns false when no fenced object is present.
func ExtractFencedJSON(response string) (string, bool) {
	m := fencedJSON.FindStringSubmatch(response)
	if m == nil {
		return "", false
	}
	return m[1], true
}
