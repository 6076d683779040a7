// Package testutil holds loggers and scripted AI fakes shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"

	"github.com/EternisAI/enchanted-memory/pkg/ai"
)

var (
	_ ai.Completions = (*FakeCompletions)(nil)
	_ ai.Embeddings  = (*FakeEmbeddings)(nil)
)

// FakeCall records one Completions invocation.
type FakeCall struct {
	Messages []openai.ChatCompletionMessageParamUnion
	Tools    []openai.ChatCompletionToolParam
	Model    string
}

// FakeCompletions replays scripted responses. Responses are queued per name of
// the first offered tool ("" when no tools are offered). An exhausted queue
// answers with an empty assistant message.
type FakeCompletions struct {
	mu        sync.Mutex
	responses map[string][]openai.ChatCompletionMessage
	errs      map[string]error
	calls     []FakeCall

	// Delay is waited before answering, honouring ctx.
	Delay time.Duration
}

func NewFakeCompletions() *FakeCompletions {
	return &FakeCompletions{
		responses: make(map[string][]openai.ChatCompletionMessage),
		errs:      make(map[string]error),
	}
}

// On queues responses for completions offering tool.
func (f *FakeCompletions) On(tool string, responses ...openai.ChatCompletionMessage) *FakeCompletions {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[tool] = append(f.responses[tool], responses...)
	return f
}

// Fail makes every completion offering tool return err.
func (f *FakeCompletions) Fail(tool string, err error) *FakeCompletions {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[tool] = err
	return f
}

// Calls returns a copy of the recorded calls.
func (f *FakeCompletions) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

func (f *FakeCompletions) Completions(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam, model string) (openai.ChatCompletionMessage, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return openai.ChatCompletionMessage{}, ctx.Err()
		}
	}

	name := ""
	if len(tools) > 0 {
		name = tools[0].Function.Name
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Messages: messages, Tools: tools, Model: model})
	if err := f.errs[name]; err != nil {
		return openai.ChatCompletionMessage{}, err
	}
	queue := f.responses[name]
	if len(queue) == 0 {
		return openai.ChatCompletionMessage{Role: "assistant"}, nil
	}
	f.responses[name] = queue[1:]
	return queue[0], nil
}

// ToolCallMessage builds an assistant message calling name with args encoded as JSON.
func ToolCallMessage(content, name string, args any) openai.ChatCompletionMessage {
	encoded, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return openai.ChatCompletionMessage{
		Role:    "assistant",
		Content: content,
		ToolCalls: []openai.ChatCompletionMessageToolCall{{
			ID:   "call_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunction{
				Name:      name,
				Arguments: string(encoded),
			},
		}},
	}
}

// TextMessage builds a plain assistant reply.
func TextMessage(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: "assistant", Content: content}
}

// FakeEmbeddings maps text onto keyword axes: component i counts occurrences of
// Keywords[i], and one trailing component is a constant bias so no vector is zero.
// Dim is len(Keywords)+1 unless Override is set.
type FakeEmbeddings struct {
	Keywords []string
	// Override forces every vector to this length, to provoke dimension errors.
	Override int
	Err      error

	mu    sync.Mutex
	calls int
}

func (f *FakeEmbeddings) Dim() int {
	return len(f.Keywords) + 1
}

func (f *FakeEmbeddings) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeEmbeddings) Embeddings(ctx context.Context, inputs []string, model string) ([][]float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([][]float64, len(inputs))
	for i, in := range inputs {
		out[i] = f.vector(in)
	}
	return out, nil
}

func (f *FakeEmbeddings) Embedding(ctx context.Context, input string, model string) ([]float64, error) {
	vectors, err := f.Embeddings(ctx, []string{input}, model)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (f *FakeEmbeddings) vector(text string) []float64 {
	if f.Override > 0 {
		v := make([]float64, f.Override)
		v[0] = 1
		return v
	}
	lower := strings.ToLower(text)
	v := make([]float64, f.Dim())
	for i, kw := range f.Keywords {
		v[i] = float64(strings.Count(lower, strings.ToLower(kw)))
	}
	v[len(v)-1] = 0.1
	return v
}
