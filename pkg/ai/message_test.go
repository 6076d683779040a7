package ai

import (
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromOpenAIMessage(t *testing.T) {
	msg := openai.ChatCompletionMessage{
		Content: "checking memory",
		ToolCalls: []openai.ChatCompletionMessageToolCall{
			{
				ID: "call_1",
				Function: openai.ChatCompletionMessageToolCallFunction{
					Name:      "recall_memory",
					Arguments: `{"query":"cats"}`,
				},
			},
		},
	}

	converted := FromOpenAIMessage(msg)
	assert.Equal(t, MessageRoleAssistant, converted.Role)
	assert.Equal(t, "checking memory", converted.Content)
	require.Len(t, converted.ToolCalls, 1)
	assert.Equal(t, "call_1", converted.ToolCalls[0].ID)
	assert.Equal(t, "function", converted.ToolCalls[0].Type)
	assert.Equal(t, "recall_memory", converted.ToolCalls[0].Function.Name)
}

func TestToOpenAIMessages(t *testing.T) {
	messages := []Message{
		NewSystemMessage("sys"),
		NewUserMessage("hi"),
		NewAssistantMessage("", []ToolCall{{ID: "c1", Type: "function", Function: ToolCallFunction{Name: "recall_memory", Arguments: "{}"}}}),
		NewToolMessage(`{"events":[]}`, "c1"),
	}

	converted := ToOpenAIMessages(messages)
	require.Len(t, converted, 4)
	assert.NotNil(t, converted[0].OfSystem)
	assert.NotNil(t, converted[1].OfUser)
	require.NotNil(t, converted[2].OfAssistant)
	require.Len(t, converted[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "c1", converted[2].OfAssistant.ToolCalls[0].ID)
	require.NotNil(t, converted[3].OfTool)
	assert.Equal(t, "c1", converted[3].OfTool.ToolCallID)
}
