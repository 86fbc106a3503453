// Package openai extracts capture metadata from OpenAI Chat Completions
// responses using github.com/openai/openai-go. The system fingerprint is
// recorded as the model version, and token usage carries the cached-prompt
// and reasoning token details reported by the API.
package openai

import (
	sdk "github.com/openai/openai-go"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/model"
)

// Adapter implements model.Adapter for OpenAI responses.
type Adapter struct{}

// New returns the OpenAI adapter.
func New() Adapter { return Adapter{} }

// Provider implements model.Adapter.
func (Adapter) Provider() string { return "openai" }

// ExtractConfig implements model.Adapter. The system fingerprint identifies
// the backend build that served the request and becomes the model version;
// it is dropped when the API echoes the model name instead.
func (Adapter) ExtractConfig(resp any) (*artifact.ModelConfig, bool) {
	cc, ok := resp.(*sdk.ChatCompletion)
	if !ok || cc == nil {
		return nil, false
	}
	cfg := &artifact.ModelConfig{
		ModelName: cc.Model,
		Provider:  "openai",
	}
	cfg.Parameters.Temperature = model.DefaultTemperature
	if cc.SystemFingerprint != "" && cc.SystemFingerprint != cc.Model {
		cfg.ModelVersion = cc.SystemFingerprint
	}
	return cfg, true
}

// ExtractUsage implements model.Adapter.
func (Adapter) ExtractUsage(resp any) (*artifact.TokenUsage, bool) {
	cc, ok := resp.(*sdk.ChatCompletion)
	if !ok || cc == nil {
		return nil, false
	}
	u := cc.Usage
	usage := &artifact.TokenUsage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
	if cached := int(u.PromptTokensDetails.CachedTokens); cached > 0 {
		usage.CachedTokens = &cached
		if usage.PromptTokens > 0 {
			rate := float64(cached) / float64(usage.PromptTokens)
			usage.CacheHitRate = &rate
		}
	}
	if reasoning := int(u.CompletionTokensDetails.ReasoningTokens); reasoning > 0 {
		usage.ReasoningTokens = &reasoning
	}
	return usage, true
}

var _ model.Adapter = Adapter{}
