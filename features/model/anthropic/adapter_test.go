package anthropic

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurral/kurral/runtime/model"
)

func TestExtractConfig(t *testing.T) {
	msg := &sdk.Message{
		Model:        "claude-sonnet-4-20250514",
		StopSequence: "###",
	}

	cfg, ok := New().ExtractConfig(msg)
	require.True(t, ok)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.ModelName)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, model.DefaultTemperature, cfg.Parameters.Temperature)
	assert.Equal(t, []string{"###"}, cfg.StopSequences)

	_, ok = New().ExtractConfig(map[string]any{"model": "claude-3"})
	assert.False(t, ok, "non-SDK responses are not claimed")
}

func TestExtractUsage(t *testing.T) {
	msg := &sdk.Message{
		Model: "claude-sonnet-4-20250514",
		Usage: sdk.Usage{
			InputTokens:              1200,
			OutputTokens:             300,
			CacheReadInputTokens:     900,
			CacheCreationInputTokens: 100,
		},
	}

	usage, ok := New().ExtractUsage(msg)
	require.True(t, ok)
	assert.Equal(t, 1200, usage.PromptTokens)
	assert.Equal(t, 300, usage.CompletionTokens)
	assert.Equal(t, 1500, usage.TotalTokens)
	require.NotNil(t, usage.CacheReadTokens)
	assert.Equal(t, 900, *usage.CacheReadTokens)
	require.NotNil(t, usage.CacheCreationTokens)
	assert.Equal(t, 100, *usage.CacheCreationTokens)
	require.NotNil(t, usage.CacheHitRate)
	assert.InDelta(t, 0.75, *usage.CacheHitRate, 1e-9)
}
