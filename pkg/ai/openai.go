package ai

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

var (
	_ Completions = (*Service)(nil)
	_ Embeddings  = (*Service)(nil)
)

// Service is an OpenAI-compatible client used for both tool-calling completions
// and embeddings.
type Service struct {
	client  *openai.Client
	logger  *log.Logger
	limiter *RateLimiter
}

func NewOpenAIService(logger *log.Logger, apiKey string, baseUrl string) *Service {
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseUrl),
	)
	return &Service{
		client: &client,
		logger: logger,
	}
}

// WithRateLimiter throttles every outgoing request through limiter.
func (s *Service) WithRateLimiter(limiter *RateLimiter) *Service {
	s.limiter = limiter
	return s
}

func (s *Service) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

func (s *Service) ParamsCompletions(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletionMessage, error) {
	if err := s.wait(ctx); err != nil {
		return openai.ChatCompletionMessage{}, err
	}

	completion, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletionMessage{}, err
	}

	if len(completion.Choices) == 0 {
		return openai.ChatCompletionMessage{}, fmt.Errorf("OpenAI returned no completion choices")
	}

	return completion.Choices[0].Message, nil
}

func (s *Service) Completions(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam, model string) (openai.ChatCompletionMessage, error) {
	s.logger.Debug("Completions", "model", model, "messages", len(messages), "tools", len(tools))
	return s.ParamsCompletions(ctx, openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       model,
		Tools:       tools,
		Temperature: param.Opt[float64]{Value: 1.0},
	})
}

func (s *Service) Embeddings(ctx context.Context, inputs []string, model string) ([][]float64, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	embedding, err := s.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(embedding.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings: expected %d vectors, got %d", len(inputs), len(embedding.Data))
	}
	embeddings := make([][]float64, len(inputs))
	for _, e := range embedding.Data {
		if int(e.Index) < 0 || int(e.Index) >= len(inputs) {
			return nil, fmt.Errorf("embeddings: index %d out of range", e.Index)
		}
		embeddings[e.Index] = e.Embedding
	}
	return embeddings, nil
}

func (s *Service) Embedding(ctx context.Context, input string, model string) ([]float64, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	embedding, err := s.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: param.Opt[string]{
				Value: input,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(embedding.Data) == 0 {
		return nil, fmt.Errorf("OpenAI returned no embedding")
	}
	return embedding.Data[0].Embedding, nil
}
