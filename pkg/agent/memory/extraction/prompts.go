package extraction

import (
	"strings"
	"time"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
)

const profilePrompt = `You maintain a structured profile of the user from their conversations.
Only record facts about the real user (ROLE=user). Statements made by the assistant or by friends are context only.

## Topics
Record information under these topics and sub-topics. {strict_rule}
<topics>
{topics}
</topics>
Important attributes to watch for:
<attributes>
{attributes}
</attributes>

## Existing profile
Each line is TOPIC{sep}SUB_TOPIC{sep}CONTENT:
{existing}

## Rules
- Call ` + UpdateProfileToolName + ` with every entry that is new or has changed.
- When an existing sub-topic changes, write its complete new content, merging what is still true.
- Never repeat an entry whose content did not change.
- If nothing is worth recording, do not call the tool.

Today is {current_date}.`

const eventPrompt = `You record events, plans and personal information about the user from a conversation.
Only record facts about the real user (ROLE=user). Statements made by the assistant or by friends are context only.
{theme}
Each message is prefixed with [YYYY/MM/DD], the time it was sent. Resolve relative dates against that time:
- "[2024/04/30] user: I bought a new car yesterday!" -> summary "User bought a new car", mentioned_at 2024-04-30, happened_at 2024-04-29.
- "[2024/04/30] user: I bought a car 4 years ago" -> happened_at 2020.
- If the date cannot be resolved, leave happened_at empty.

Call ` + RecordEventsToolName + ` with one entry per event. If nothing is worth recording, do not call the tool.`

const taggingPrompt = `You are an expert at tagging events.
You will be given an event summary and must extract values for the tags below.
Only tag facts about the real user.

<event_tags>
{event_tags}
</event_tags>
Each line is the tag name and its description, if any.

## Rules
- Keep the exact tag name.
- If a tag is not mentioned in the summary, leave it out.
- Call ` + TagEventToolName + `. If you cannot call tools, answer with one "- TAG{sep}VALUE" line per tag.`

func renderProfilePrompt(schema *memory.ProfileSchema, existing []memory.ProfileFact, sep string, strict bool, now time.Time) string {
	var lines strings.Builder
	for _, fact := range existing {
		lines.WriteString("- " + fact.Topic + sep + fact.SubTopic + sep + fact.Content + "\n")
	}
	if lines.Len() == 0 {
		lines.WriteString("(empty)\n")
	}

	strictRule := "You may add new topics or sub-topics when nothing fits."
	if strict {
		strictRule = "Use only the listed topics and sub-topics."
	}

	return strings.NewReplacer(
		"{strict_rule}", strictRule,
		"{topics}", strings.TrimRight(schema.PromptTopics(), "\n"),
		"{attributes}", strings.Join(schema.Attributes, ", "),
		"{sep}", sep,
		"{existing}", strings.TrimRight(lines.String(), "\n"),
		"{current_date}", now.Format("2006-01-02"),
	).Replace(profilePrompt)
}

func renderEventPrompt(schema *memory.ProfileSchema) string {
	theme := ""
	if schema.EventThemeRequirement != "" {
		theme = "Focus: " + schema.EventThemeRequirement + "\n"
	}
	return strings.Replace(eventPrompt, "{theme}", theme, 1)
}

func renderTaggingPrompt(schema *memory.ProfileSchema, sep string) string {
	return strings.NewReplacer(
		"{event_tags}", strings.TrimRight(schema.PromptEventTags(), "\n"),
		"{sep}", sep,
	).Replace(taggingPrompt)
}

// renderConversation prints one "[YYYY/MM/DD] name: content" line per message.
// A message without its own timestamp takes its blob's.
func renderConversation(blobs []memory.ChatBlob) string {
	var sb strings.Builder
	for _, blob := range blobs {
		for _, m := range blob.Messages {
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			at := blob.CreatedAt
			if m.CreatedAt != nil {
				at = *m.CreatedAt
			}
			name := m.Role
			if m.Alias != "" {
				name = m.Alias + "(" + m.Role + ")"
			}
			sb.WriteString("[" + at.UTC().Format("2006/01/02") + "] " + name + ": " + m.Content + "\n")
		}
	}
	return sb.String()
}
