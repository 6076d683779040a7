package longterm

import (
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
	"github.com/EternisAI/enchanted-memory/pkg/config"
)

// OptionsFromConfig maps the environment configuration onto subsystem options.
func OptionsFromConfig(conf *config.Config) memory.Options {
	opts := memory.DefaultOptions()
	opts.EmbeddingDim = conf.EmbeddingDim
	opts.EnableEventEmbedding = conf.EnableEventEmbedding
	opts.EmbeddingsModel = conf.EmbeddingsModel
	opts.CompletionsModel = conf.CompletionsModel
	opts.FlushInterval = conf.FlushInterval
	opts.FlushLockTTL = conf.FlushLockTTL
	opts.FlushConcurrency = conf.FlushConcurrency
	opts.MaxChatBlobBufferTokenSize = conf.MaxChatBlobBufferTokenSize
	opts.MaxProfileSubtopics = conf.MaxProfileSubtopics
	opts.MinEventSummaryTokens = conf.MinEventSummaryTokens
	opts.ProfileStrictMode = conf.ProfileStrictMode
	opts.LLMTabSeparator = conf.LLMTabSeparator
	opts.SearchRounds = conf.SearchRounds
	opts.EventTopK = conf.EventTopK
	opts.SimilarityThreshold = conf.SimilarityThreshold
	opts.RecallTimeout = conf.RecallTimeout
	opts.ProfileCacheTTL = conf.ProfileCacheTTL
	return opts.WithDefaults()
}
