// Package recall runs a bounded tool-calling loop in which the model searches
// the subject's events before the caller answers.
package recall

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/samber/lo"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/storage"
	"github.com/EternisAI/enchanted-memory/pkg/ai"
	"github.com/EternisAI/enchanted-memory/pkg/helpers"
	"github.com/EternisAI/enchanted-memory/pkg/metrics"
)

const systemPrompt = `You help an assistant remember things about the user before it replies.
Read the conversation and decide what past events of the user would help answer the last message.
Call ` + ToolName + ` with a focused query. You may search up to %d times; refine the query if results are weak.
When you have enough, or nothing more is worth searching, reply with a short note and no tool call.
Today is %s.`

type FootprintKind string

const (
	FootprintThinking   FootprintKind = "thinking"
	FootprintToolCall   FootprintKind = "tool_call"
	FootprintToolResult FootprintKind = "tool_result"
)

// Footprint is one step of the recall trace.
type Footprint struct {
	Kind      FootprintKind `json:"type"`
	Content   string        `json:"content,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Result    string        `json:"result,omitempty"`
}

// Request scopes one recall.
type Request struct {
	Subject      memory.Subject
	Conversation []ai.Message
	Tags         []memory.TagPredicate

	// Zero values fall back to the orchestrator options.
	TopK      int
	Threshold *float64
	Timeout   time.Duration
}

// Result is what recall hands back to the caller.
type Result struct {
	Events []Gist `json:"events"`
	// Injected is a synthetic assistant tool call plus its tool result, ready to be
	// spliced into the caller's conversation.
	Injected   []ai.Message `json:"injected"`
	Footprints []Footprint  `json:"footprints"`
	Rounds     int          `json:"rounds"`
	TimedOut   bool         `json:"timed_out"`
}

type Orchestrator struct {
	completions ai.Completions
	embeddings  ai.Embeddings
	store       storage.Interface
	logger      *log.Logger
	metrics     *metrics.Collector
	opts        memory.Options
	now         func() time.Time
}

// Dependencies holds everything the orchestrator needs.
type Dependencies struct {
	Completions ai.Completions
	Embeddings  ai.Embeddings
	Store       storage.Interface
	Logger      *log.Logger
	Metrics     *metrics.Collector
	Options     memory.Options
	Now         func() time.Time
}

func New(deps Dependencies) (*Orchestrator, error) {
	if deps.Completions == nil {
		return nil, fmt.Errorf("completions service cannot be nil")
	}
	if deps.Embeddings == nil {
		return nil, fmt.Errorf("embeddings service cannot be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		completions: deps.Completions,
		embeddings:  deps.Embeddings,
		store:       deps.Store,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		opts:        deps.Options.WithDefaults(),
		now:         now,
	}, nil
}

// maxConversation bounds how much of the caller's conversation the model sees.
const maxConversation = 20

// normalize keeps the last user and assistant turns with visible content.
func normalize(conversation []ai.Message) []ai.Message {
	out := make([]ai.Message, 0, len(conversation))
	for _, m := range conversation {
		if m.Role != ai.MessageRoleUser && m.Role != ai.MessageRoleAssistant {
			continue
		}
		content := strings.TrimSpace(ai.StripThinkingTags(m.Content))
		if content == "" {
			continue
		}
		out = append(out, ai.Message{Role: m.Role, Content: content, Name: m.Name})
	}
	return helpers.SafeLastN(out, maxConversation)
}

func lastUserMessage(conversation []ai.Message) string {
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == ai.MessageRoleUser {
			return conversation[i].Content
		}
	}
	return ""
}

// Recall runs the search loop. Hitting the timeout yields an empty result and no
// error; any other failure is returned.
func (o *Orchestrator) Recall(ctx context.Context, req Request) (Result, error) {
	conversation := normalize(req.Conversation)
	if len(conversation) == 0 {
		return Result{Events: []Gist{}, Injected: []ai.Message{}, Footprints: []Footprint{}}, nil
	}

	timeout := lo.Ternary(req.Timeout > 0, req.Timeout, o.opts.RecallTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := o.run(runCtx, req, conversation)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		o.logger.Warn("Recall timed out", "subject", req.Subject.String(), "timeout", timeout, "rounds", res.Rounds)
		o.metrics.RecordRecall(res.Rounds, true)
		return Result{
			Events:     []Gist{},
			Injected:   []ai.Message{},
			Footprints: res.Footprints,
			Rounds:     res.Rounds,
			TimedOut:   true,
		}, nil
	}
	if err != nil {
		return Result{}, err
	}
	o.metrics.RecordRecall(res.Rounds, false)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, conversation []ai.Message) (Result, error) {
	res := Result{Footprints: []Footprint{}}
	topK := lo.Ternary(req.TopK > 0, req.TopK, o.opts.EventTopK)
	threshold := o.opts.SimilarityThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(fmt.Sprintf(systemPrompt, o.opts.SearchRounds, o.now().Format("2006-01-02"))),
	}
	messages = append(messages, ai.ToOpenAIMessages(conversation)...)
	tools := []openai.ChatCompletionToolParam{recallTool}

	var (
		collected [][]Gist
		lastCall  *ai.ToolCall
	)
	for res.Rounds < o.opts.SearchRounds {
		completion, err := o.completions.Completions(ctx, messages, tools, o.opts.CompletionsModel)
		if err != nil {
			return res, fmt.Errorf("recall completion: %w", err)
		}
		res.Rounds++

		if thinking := ai.ExtractThinking(completion.Content); thinking != "" {
			res.Footprints = append(res.Footprints, Footprint{Kind: FootprintThinking, Content: thinking})
		}

		messages = append(messages, completion.ToParam())
		if len(completion.ToolCalls) == 0 {
			break
		}

		for _, call := range completion.ToolCalls {
			res.Footprints = append(res.Footprints, Footprint{
				Kind:      FootprintToolCall,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})

			var payload string
			if call.Function.Name != ToolName {
				o.logger.Warn("Recall model called an unknown tool", "tool", call.Function.Name)
				payload = fmt.Sprintf(`{"error":"unknown tool %s"}`, call.Function.Name)
			} else {
				var args ToolArguments
				if err := ai.UnmarshalToolCall(call, &args); err != nil || strings.TrimSpace(args.Query) == "" {
					payload = `{"error":"query is required"}`
				} else {
					gists, err := o.search(ctx, req, args.Query, topK, threshold)
					if err != nil {
						return res, err
					}
					collected = append(collected, gists)
					encoded, err := json.Marshal(ToolResult{Events: gists})
					if err != nil {
						return res, fmt.Errorf("encoding recall result: %w", err)
					}
					payload = string(encoded)
					tc := ai.FromOpenAIToolCall(call)
					lastCall = &tc
				}
			}

			res.Footprints = append(res.Footprints, Footprint{Kind: FootprintToolResult, Name: call.Function.Name, Result: payload})
			messages = append(messages, openai.ToolMessage(payload, call.ID))
		}
	}

	res.Events = Merge(topK, collected...)
	injected, err := synthesize(lastCall, lastUserMessage(conversation), res.Events)
	if err != nil {
		return res, err
	}
	res.Injected = injected
	return res, nil
}

// search embeds query and looks up gists under the request's tag predicates.
// Without an embedding it falls back to the most recent matches.
func (o *Orchestrator) search(ctx context.Context, req Request, query string, topK int, threshold float64) ([]Gist, error) {
	var embedding []float32
	if o.opts.EnableEventEmbedding {
		vector, err := o.embeddings.Embedding(ctx, query, o.opts.EmbeddingsModel)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, err
		case err != nil:
			o.metrics.RecordEmbeddingFailure()
			o.logger.Warn("Query embedding failed, searching by recency", "error", err)
		default:
			embedding = make([]float32, len(vector))
			for i, f := range vector {
				embedding[i] = float32(f)
			}
		}
	}

	found, err := o.store.SearchGists(ctx, storage.SearchQuery{
		Subject:             req.Subject,
		Embedding:           embedding,
		SimilarityThreshold: threshold,
		TopK:                topK,
		TimeRange:           o.opts.EventSearchWindow,
		Tags:                req.Tags,
	})
	if err != nil {
		return nil, fmt.Errorf("searching gists: %w", err)
	}
	return lo.Map(found, func(g memory.EventGist, _ int) Gist {
		return Gist{Date: g.Date(), Content: g.Data.Content, Similarity: g.Similarity}
	}), nil
}

// synthesize builds the assistant tool call and tool result pair carrying the
// merged events. It reuses the last real call when there was one.
func synthesize(last *ai.ToolCall, fallbackQuery string, events []Gist) ([]ai.Message, error) {
	call := ai.ToolCall{Type: "function"}
	if last != nil {
		call = *last
	} else {
		id := uuid.New()
		args, err := json.Marshal(ToolArguments{Query: fallbackQuery})
		if err != nil {
			return nil, fmt.Errorf("encoding synthetic arguments: %w", err)
		}
		call.ID = "recall_" + hex.EncodeToString(id[:])
		call.Function = ai.ToolCallFunction{Name: ToolName, Arguments: string(args)}
	}

	result, err := json.Marshal(ToolResult{Events: events})
	if err != nil {
		return nil, fmt.Errorf("encoding synthetic result: %w", err)
	}
	return []ai.Message{
		ai.NewAssistantMessage("", []ai.ToolCall{call}),
		ai.NewToolMessage(string(result), call.ID),
	}, nil
}
