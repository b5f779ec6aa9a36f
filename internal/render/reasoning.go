// Package render separates model reasoning from the answer a user sees.
package render

import (
	"regexp"
	"strings"
)

var (
	reasoningBlockRe = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	// A reply cut off mid-reasoning leaves an unterminated block.
	openReasoningRe = regexp.MustCompile(`(?s)<think>(.*)$`)
)

// SplitReasoning removes every <think> block from content. It returns the
// joined reasoning, the remaining answer, and whether any block was found.
func SplitReasoning(content string) (reasoning, answer string, found bool) {
	matches := reasoningBlockRe.FindAllStringSubmatch(content, -1)
	rest := reasoningBlockRe.ReplaceAllString(content, "")
	if open := openReasoningRe.FindStringSubmatch(rest); open != nil {
		matches = append(matches, open)
		rest = openReasoningRe.ReplaceAllString(rest, "")
	}
	if len(matches) == 0 {
		return "", content, false
	}

	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		if text := strings.TrimSpace(m[1]); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), strings.TrimSpace(rest), true
}

// Answer returns content without reasoning blocks.
func Answer(content string) string {
	_, answer, _ := SplitReasoning(content)
	return answer
}
