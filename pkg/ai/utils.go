package ai

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/openai/openai-go"
)

var (
	thinkingBlockRegex = regexp.MustCompile(`(?is)<(think|thinking|reasoning)>(.*?)</(?:think|thinking|reasoning)>`)
	multiNewlineRegex  = regexp.MustCompile(`\n{3,}`)
)

// StripThinkingTags removes thinking tags and their content from AI responses.
// Handles <think>, <thinking> and <reasoning> blocks.
func StripThinkingTags(content string) string {
	content = thinkingBlockRegex.ReplaceAllString(content, "")
	content = strings.TrimSpace(content)
	return multiNewlineRegex.ReplaceAllString(content, "\n\n")
}

// ExtractThinking returns the concatenated bodies of all thinking blocks in content.
func ExtractThinking(content string) string {
	matches := thinkingBlockRegex.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return ""
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		if body := strings.TrimSpace(m[2]); body != "" {
			parts = append(parts, body)
		}
	}
	return strings.Join(parts, "\n")
}

// UnmarshalToolCall unmarshals a tool call's arguments into a struct.
func UnmarshalToolCall(toolCall openai.ChatCompletionMessageToolCall, v interface{}) error {
	return json.Unmarshal([]byte(toolCall.Function.Arguments), v)
}
