package memory

import (
	"fmt"
	"time"
)

// Options tunes the memory subsystem. Zero values are replaced by defaults in WithDefaults.
type Options struct {
	EmbeddingDim         int
	EnableEventEmbedding bool
	EmbeddingsModel      string
	CompletionsModel     string

	FlushInterval              time.Duration
	FlushLockTTL               time.Duration
	FlushConcurrency           int
	MaxChatBlobBufferTokenSize int

	MaxProfileSubtopics   int
	MinEventSummaryTokens int
	ProfileStrictMode     bool
	LLMTabSeparator       string

	SearchRounds        int
	EventTopK           int
	SimilarityThreshold float64
	RecallTimeout       time.Duration

	ProfileCacheTTL time.Duration

	// EventSearchWindow bounds SearchEvents and Recall to recent events.
	EventSearchWindow time.Duration
}

func DefaultOptions() Options {
	return Options{
		EmbeddingDim:               1536,
		EnableEventEmbedding:       true,
		EmbeddingsModel:            "text-embedding-3-small",
		CompletionsModel:           "gpt-4.1-mini",
		FlushInterval:              60 * time.Second,
		FlushLockTTL:               5 * time.Minute,
		FlushConcurrency:           4,
		MaxChatBlobBufferTokenSize: 1024,
		MaxProfileSubtopics:        15,
		MinEventSummaryTokens:      256,
		LLMTabSeparator:            "::",
		SearchRounds:               3,
		EventTopK:                  5,
		SimilarityThreshold:        0.5,
		RecallTimeout:              3 * time.Second,
		ProfileCacheTTL:            20 * time.Minute,
		EventSearchWindow:          365 * 24 * time.Hour,
	}
}

// WithDefaults fills unset numeric fields from DefaultOptions. Booleans are kept as given.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.EmbeddingDim == 0 {
		o.EmbeddingDim = d.EmbeddingDim
	}
	if o.EmbeddingsModel == "" {
		o.EmbeddingsModel = d.EmbeddingsModel
	}
	if o.CompletionsModel == "" {
		o.CompletionsModel = d.CompletionsModel
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = d.FlushInterval
	}
	if o.FlushLockTTL == 0 {
		o.FlushLockTTL = d.FlushLockTTL
	}
	if o.FlushConcurrency == 0 {
		o.FlushConcurrency = d.FlushConcurrency
	}
	if o.MaxChatBlobBufferTokenSize == 0 {
		o.MaxChatBlobBufferTokenSize = d.MaxChatBlobBufferTokenSize
	}
	if o.MaxProfileSubtopics == 0 {
		o.MaxProfileSubtopics = d.MaxProfileSubtopics
	}
	if o.LLMTabSeparator == "" {
		o.LLMTabSeparator = d.LLMTabSeparator
	}
	if o.SearchRounds == 0 {
		o.SearchRounds = d.SearchRounds
	}
	if o.EventTopK == 0 {
		o.EventTopK = d.EventTopK
	}
	if o.RecallTimeout == 0 {
		o.RecallTimeout = d.RecallTimeout
	}
	if o.ProfileCacheTTL == 0 {
		o.ProfileCacheTTL = d.ProfileCacheTTL
	}
	if o.EventSearchWindow == 0 {
		o.EventSearchWindow = d.EventSearchWindow
	}
	return o
}

func (o Options) Validate() error {
	switch {
	case o.EmbeddingDim <= 0:
		return E("options.validate", CodeInvalidArgument, fmt.Errorf("embedding dimension must be positive"))
	case o.FlushConcurrency <= 0:
		return E("options.validate", CodeInvalidArgument, fmt.Errorf("flush concurrency must be positive"))
	case o.SearchRounds <= 0:
		return E("options.validate", CodeInvalidArgument, fmt.Errorf("search rounds must be positive"))
	case o.EventTopK <= 0:
		return E("options.validate", CodeInvalidArgument, fmt.Errorf("event top-k must be positive"))
	case o.SimilarityThreshold < -1 || o.SimilarityThreshold >= 1:
		return E("options.validate", CodeInvalidArgument, fmt.Errorf("similarity threshold must be in [-1, 1)"))
	case o.MinEventSummaryTokens < 0:
		return E("options.validate", CodeInvalidArgument, fmt.Errorf("minimum event summary tokens cannot be negative"))
	}
	return nil
}
