// Package anthropic extracts capture metadata from Anthropic Claude Messages
// API responses using github.com/anthropics/anthropic-sdk-go. It maps
// *anthropic.Message values into the neutral artifact structures: model name,
// stop sequences and token usage including prompt-cache counters.
package anthropic

import (
	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/model"
)

// Adapter implements model.Adapter for Anthropic responses.
type Adapter struct{}

// New returns the Anthropic adapter.
func New() Adapter { return Adapter{} }

// Provider implements model.Adapter.
func (Adapter) Provider() string { return "anthropic" }

// ExtractConfig implements model.Adapter. The Messages API does not echo
// sampling parameters, so the temperature falls back to the capture default;
// the stop sequence that ended the turn is recorded when present.
func (Adapter) ExtractConfig(resp any) (*artifact.ModelConfig, bool) {
	msg, ok := resp.(*sdk.Message)
	if !ok || msg == nil {
		return nil, false
	}
	cfg := &artifact.ModelConfig{
		ModelName: string(msg.Model),
		Provider:  "anthropic",
	}
	cfg.Parameters.Temperature = model.DefaultTemperature
	if msg.StopSequence != "" {
		cfg.StopSequences = []string{msg.StopSequence}
	}
	return cfg, true
}

// ExtractUsage implements model.Adapter. Anthropic reports cache activity as
// cache_creation_input_tokens and cache_read_input_tokens; reads double as
// the generic cached-token count so the cache hit rate stays comparable
// across providers.
func (Adapter) ExtractUsage(resp any) (*artifact.TokenUsage, bool) {
	msg, ok := resp.(*sdk.Message)
	if !ok || msg == nil {
		return nil, false
	}
	u := msg.Usage
	usage := &artifact.TokenUsage{
		PromptTokens:     int(u.InputTokens),
		CompletionTokens: int(u.OutputTokens),
		TotalTokens:      int(u.InputTokens + u.OutputTokens),
	}
	if u.CacheCreationInputTokens > 0 {
		v := int(u.CacheCreationInputTokens)
		usage.CacheCreationTokens = &v
	}
	if u.CacheReadInputTokens > 0 {
		v := int(u.CacheReadInputTokens)
		usage.CacheReadTokens = &v
		usage.CachedTokens = &v
		if usage.PromptTokens > 0 {
			rate := float64(v) / float64(usage.PromptTokens)
			usage.CacheHitRate = &rate
		}
	}
	return usage, true
}

var _ model.Adapter = Adapter{}
