// Package llmutil normalizes reasoning-model output before it reaches the
// analysis stages.
package llmutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Model replies arrive in three shapes: bare JSON, JSON inside a markdown
// fence, and JSON buried in conversational prose. Everything here exists to
// collapse those back to plain JSON.
//
// Backticks are written \x60 so the patterns can live in ordinary string
// literals.
var (
	// fencedJSONRegex captures an object or array inside a ```json fence
	// (the language tag is optional).
	fencedJSONRegex = regexp.MustCompile("(?s)\x60{3}(?:json)?\\s*([\\[{].*[\\]}])\\s*\x60{3}")

	// fencedCodeRegex captures the body of any fenced block regardless of
	// language tag (ts, js, go, ...).
	fencedCodeRegex = regexp.MustCompile("(?s)\x60{3}[a-zA-Z]*\\s*(.*?)\\s*\x60{3}")
)

const errSnippetCap = 500

// ParseJSONResponse unmarshals a model reply into T, tolerating markdown
// fences and surrounding prose. The reply must contain exactly one JSON
// document; trailing garbage inside the extracted span still fails.
func ParseJSONResponse[T any](response string) (*T, error) {
	payload := strings.TrimSpace(response)

	switch {
	case strings.HasPrefix(payload, "```"):
		if m := fencedJSONRegex.FindStringSubmatch(payload); len(m) == 2 {
			payload = m[1]
		}
	case strings.HasPrefix(payload, "{"), strings.HasPrefix(payload, "["):
		// Already bare JSON.
	default:
		if embedded, ok := embeddedJSON(payload); ok {
			payload = embedded
		}
	}

	var out T
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, errSnippet(payload))
	}
	return &out, nil
}

// embeddedJSON slices the widest {...} span out of conversational text,
// falling back to the widest [...] span. Reports false when the text holds
// neither.
func embeddedJSON(s string) (string, bool) {
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(s, pair[0])
		end := strings.LastIndex(s, pair[1])
		if start != -1 && end > start {
			return s[start : end+1], true
		}
	}
	return "", false
}

// CleanCodeOutput strips a surrounding markdown fence (```ts, ```js and the
// like) from a code suggestion so it can be pasted into a test file directly.
func CleanCodeOutput(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	if m := fencedCodeRegex.FindStringSubmatch(content); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return content
}

// errSnippet bounds the payload echoed in parse errors so a runaway reply
// cannot flood the logs. Not rune-aware; fine for diagnostics.
func errSnippet(s string) string {
	if len(s) <= errSnippetCap {
		return s
	}
	return s[:errSnippetCap] + "..."
}
