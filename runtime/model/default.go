package model

import (
	"encoding/json"

	"github.com/kurral/kurral/runtime/artifact"
)

// Default extracts metadata from map-shaped responses: raw metadata maps as
// emitted by framework callbacks, or JSON bytes that decode to an object. It
// records only what is present and never fails on missing keys.
type Default struct{}

// Provider implements Adapter.
func (Default) Provider() string { return "unknown" }

// ExtractConfig implements Adapter. Recognized keys follow the common
// response-metadata shape: model_name/model, temperature, top_p, top_k,
// max_tokens, frequency_penalty, presence_penalty, seed and
// system_fingerprint. Zero-valued sampling parameters are treated as unset
// to avoid recording provider placeholder values.
func (Default) ExtractConfig(resp any) (*artifact.ModelConfig, bool) {
	m, ok := asMap(resp)
	if !ok {
		return nil, false
	}

	name := stringAt(m, "model_name")
	if name == "" {
		name = stringAt(m, "model")
	}
	if name == "" {
		name = "unknown"
	}

	cfg := &artifact.ModelConfig{
		ModelName: name,
		Provider:  InferProvider(name),
	}

	cfg.Parameters.Temperature = DefaultTemperature
	if v, ok := floatAt(m, "temperature"); ok {
		cfg.Parameters.Temperature = v
	}
	if v, ok := floatAt(m, "top_p"); ok && v != 0 {
		cfg.Parameters.TopP = &v
	}
	if v, ok := intAt(m, "top_k"); ok && v != 0 {
		cfg.Parameters.TopK = &v
	}
	if v, ok := intAt(m, "max_tokens"); ok && v != 0 {
		cfg.Parameters.MaxTokens = &v
	}
	if v, ok := floatAt(m, "frequency_penalty"); ok && v != 0 {
		cfg.Parameters.FrequencyPenalty = &v
	}
	if v, ok := floatAt(m, "presence_penalty"); ok && v != 0 {
		cfg.Parameters.PresencePenalty = &v
	}
	if v, ok := intAt(m, "seed"); ok && v != 0 {
		seed := int64(v)
		cfg.Parameters.Seed = &seed
	}

	if fp := stringAt(m, "system_fingerprint"); fp != "" && fp != name {
		cfg.ModelVersion = fp
	}

	return cfg, true
}

// ExtractUsage implements Adapter. Token counts are read with per-provider
// key fallbacks: prompt_tokens/input_tokens, completion_tokens/output_tokens
// and the nested usage object with its prompt_tokens_details and
// completion_tokens_details blocks. The cache hit rate is derived as
// cached/prompt when both are known.
func (Default) ExtractUsage(resp any) (*artifact.TokenUsage, bool) {
	m, ok := asMap(resp)
	if !ok {
		return nil, false
	}
	nested, _ := asMap(m["usage"])

	prompt := firstInt(m, nested, "prompt_tokens", "input_tokens")
	completion := firstInt(m, nested, "completion_tokens", "output_tokens")
	total := firstInt(m, nested, "total_tokens")
	if total == 0 {
		total = prompt + completion
	}
	if prompt == 0 && completion == 0 && total == 0 {
		return nil, false
	}

	usage := &artifact.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}

	promptDetails, _ := asMap(nested["prompt_tokens_details"])
	completionDetails, _ := asMap(nested["completion_tokens_details"])

	cached := firstInt(m, nested, "cached_tokens", "cache_read_input_tokens")
	if cached == 0 {
		if v, ok := intAt(promptDetails, "cached_tokens"); ok {
			cached = v
		}
	}
	if cached > 0 {
		usage.CachedTokens = &cached
		if prompt > 0 {
			rate := float64(cached) / float64(prompt)
			usage.CacheHitRate = &rate
		}
	}

	creation := firstInt(m, nested, "cache_creation_input_tokens")
	if creation == 0 {
		if v, ok := intAt(promptDetails, "cache_creation_tokens"); ok {
			creation = v
		}
	}
	if creation > 0 {
		usage.CacheCreationTokens = &creation
	}

	reasoning := firstInt(m, nested, "reasoning_tokens")
	if reasoning == 0 {
		if v, ok := intAt(completionDetails, "reasoning_tokens"); ok {
			reasoning = v
		}
	}
	if reasoning > 0 {
		usage.ReasoningTokens = &reasoning
	}

	return usage, true
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case json.RawMessage:
		return decodeMap(t)
	case []byte:
		return decodeMap(t)
	default:
		return nil, false
	}
}

func decodeMap(data []byte) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return m, true
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func floatAt(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func intAt(m map[string]any, key string) (int, bool) {
	f, ok := floatAt(m, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// firstInt returns the first positive value found for the keys, checking the
// top-level map before the nested usage object.
func firstInt(m, nested map[string]any, keys ...string) int {
	for _, k := range keys {
		if v, ok := intAt(m, k); ok && v > 0 {
			return v
		}
	}
	for _, k := range keys {
		if v, ok := intAt(nested, k); ok && v > 0 {
			return v
		}
	}
	return 0
}
