package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	t.Setenv("MEMORY_BACKEND", "")
	t.Setenv("MEMORY_FLUSH_INTERVAL", "30s")
	t.Setenv("MEMORY_EVENT_TOPK", "not-a-number")
	t.Setenv("MEMORY_PROFILE_STRICT_MODE", "true")

	conf, err := LoadConfig(false)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", conf.MemoryBackend)
	assert.Equal(t, 30*time.Second, conf.FlushInterval)
	assert.Equal(t, 5, conf.EventTopK)
	assert.True(t, conf.ProfileStrictMode)
	assert.Equal(t, 1024, conf.MaxChatBlobBufferTokenSize)
	assert.Equal(t, "::", conf.LLMTabSeparator)
}

func TestLoadConfigRejectsIncompleteBackend(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	t.Setenv("MEMORY_BACKEND", "postgresql")
	t.Setenv("MEMORY_POSTGRES_URL", "")

	_, err := LoadConfig(false)
	require.Error(t, err)

	t.Setenv("MEMORY_BACKEND", "mongo")
	_, err = LoadConfig(false)
	require.Error(t, err)
}
