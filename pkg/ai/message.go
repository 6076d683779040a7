package ai

import (
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

// MessageRole represents the role of a message.
type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// Message is a serializable chat message. Recall hands these back to the caller
// so they can be spliced into an outer conversation.
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content,omitempty"`
	Name       string      `json:"name,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (tc ToolCall) ToOpenAIToolCallParam() openai.ChatCompletionMessageToolCallParam {
	return openai.ChatCompletionMessageToolCallParam{
		ID: tc.ID,
		Function: openai.ChatCompletionMessageToolCallFunctionParam{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		},
	}
}

func FromOpenAIToolCall(tc openai.ChatCompletionMessageToolCall) ToolCall {
	return ToolCall{
		ID:   tc.ID,
		Type: "function",
		Function: ToolCallFunction{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		},
	}
}

// Note: ChatCompletionMessage will always be an assistant message.
func FromOpenAIMessage(msg openai.ChatCompletionMessage) Message {
	toolCalls := make([]ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		toolCalls = append(toolCalls, FromOpenAIToolCall(tc))
	}
	return NewAssistantMessage(msg.Content, toolCalls)
}

func NewAssistantMessage(content string, toolCalls []ToolCall) Message {
	return Message{
		Role:      MessageRoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
	}
}

func NewToolMessage(content string, toolCallID string) Message {
	return Message{
		Role:       MessageRoleTool,
		Content:    content,
		ToolCallID: toolCallID,
	}
}

func NewUserMessage(content string) Message {
	return Message{Role: MessageRoleUser, Content: content}
}

func NewSystemMessage(content string) Message {
	return Message{Role: MessageRoleSystem, Content: content}
}

// ToOpenAIMessage converts a Message to OpenAI format.
func (m Message) ToOpenAIMessage() openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case MessageRoleSystem:
		msg := openai.SystemMessage(m.Content)
		if m.Name != "" {
			msg.OfSystem.Name = param.NewOpt(m.Name)
		}
		return msg

	case MessageRoleUser:
		msg := openai.UserMessage(m.Content)
		if m.Name != "" {
			msg.OfUser.Name = param.NewOpt(m.Name)
		}
		return msg

	case MessageRoleAssistant:
		msg := openai.AssistantMessage(m.Content)
		if m.Name != "" {
			msg.OfAssistant.Name = param.NewOpt(m.Name)
		}
		if len(m.ToolCalls) > 0 {
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				toolCalls = append(toolCalls, tc.ToOpenAIToolCallParam())
			}
			msg.OfAssistant.ToolCalls = toolCalls
		}
		return msg

	case MessageRoleTool:
		return openai.ToolMessage(m.Content, m.ToolCallID)

	default:
		return openai.UserMessage(m.Content)
	}
}

func ToOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		result = append(result, msg.ToOpenAIMessage())
	}
	return result
}
