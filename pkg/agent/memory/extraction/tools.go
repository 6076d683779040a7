package extraction

import (
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/EternisAI/enchanted-memory/pkg/helpers"
)

const (
	UpdateProfileToolName = "UPDATE_PROFILE"
	RecordEventsToolName  = "RECORD_EVENTS"
	TagEventToolName      = "TAG_EVENT"
)

type ProfileEntry struct {
	Topic    string `json:"topic" jsonschema_description:"Topic name from the topic list"`
	SubTopic string `json:"sub_topic" jsonschema_description:"Sub-topic name, snake_case"`
	Content  string `json:"content" jsonschema_description:"The complete, current value of this sub-topic"`
}

// UpdateProfileToolArguments is used for the LLM profile consolidation tool.
type UpdateProfileToolArguments struct {
	Facts []ProfileEntry `json:"facts" jsonschema_description:"Profile entries to create or overwrite. Omit anything that did not change."`
}

type EventEntry struct {
	Summary     string `json:"summary" jsonschema_description:"One concise sentence about the user"`
	MentionedAt string `json:"mentioned_at" jsonschema_description:"Date of the message that mentions it, YYYY-MM-DD"`
	HappenedAt  string `json:"happened_at,omitempty" jsonschema_description:"Date the event happened or is planned, YYYY-MM-DD, when it can be resolved"`
}

// RecordEventsToolArguments is used for the LLM event summarization tool.
type RecordEventsToolArguments struct {
	Events []EventEntry `json:"events"`
}

type TagEntry struct {
	Tag   string `json:"tag" jsonschema_description:"Exact tag name from the tag list"`
	Value string `json:"value"`
}

// TagEventToolArguments is used for the LLM event tagging tool.
type TagEventToolArguments struct {
	Tags []TagEntry `json:"tags" jsonschema_description:"Only tags mentioned in the summary"`
}

var (
	updateProfileTool = mustTool(
		UpdateProfileToolName,
		"Create or overwrite user profile entries. Entries not mentioned are left untouched.",
		UpdateProfileToolArguments{},
	)
	recordEventsTool = mustTool(
		RecordEventsToolName,
		"Record events, plans and notable information about the user from the conversation.",
		RecordEventsToolArguments{},
	)
	tagEventTool = mustTool(
		TagEventToolName,
		"Attach tag values to an event summary.",
		TagEventToolArguments{},
	)
)

func mustTool(name, description string, args any) openai.ChatCompletionToolParam {
	schema, err := helpers.ConverToInputSchema(args)
	if err != nil {
		panic(fmt.Sprintf("building %s schema: %v", name, err))
	}
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: openai.FunctionDefinitionParam{
			Name:        name,
			Description: param.NewOpt(description),
			Parameters:  openai.FunctionParameters(schema),
		},
	}
}
