package recall

import (
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/EternisAI/enchanted-memory/pkg/helpers"
)

const ToolName = "recall_memory"

// ToolArguments are the arguments of recall_memory.
type ToolArguments struct {
	Query string `json:"query" jsonschema_description:"What to look for in the user's past events, phrased as a short search query"`
}

// Gist is one recalled memory line as shown to the model and returned to callers.
type Gist struct {
	Date       string  `json:"date"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// ToolResult is the JSON payload fed back for each recall_memory call.
type ToolResult struct {
	Events []Gist `json:"events"`
}

var recallTool = func() openai.ChatCompletionToolParam {
	schema, err := helpers.ConverToInputSchema(ToolArguments{})
	if err != nil {
		panic(err)
	}
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: openai.FunctionDefinitionParam{
			Name:        ToolName,
			Description: param.NewOpt("Search the user's long-term memory of past events. Call again with a different query if the results are not enough."),
			Parameters:  openai.FunctionParameters(schema),
		},
	}
}()

// Definition returns the recall_memory tool offered to the model.
func Definition() openai.ChatCompletionToolParam {
	return recallTool
}
