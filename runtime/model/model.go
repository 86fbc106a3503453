// Package model extracts provider metadata from LLM responses. Adapters
// translate provider-specific response types into the neutral artifact
// structures; the Registry routes a response to the first adapter that
// recognizes it and falls back to a permissive map-probing adapter so
// captures never lose metadata to an unknown provider.
package model

import (
	"strings"
	"sync"

	"github.com/kurral/kurral/runtime/artifact"
)

// DefaultTemperature is assumed when a provider response does not state the
// sampling temperature.
const DefaultTemperature = 0.7

type (
	// Adapter extracts model configuration and token usage from one
	// provider's response type. Both methods report false when the response
	// is not theirs, letting the Registry try the next adapter.
	Adapter interface {
		// Provider returns the provider name, e.g. "openai".
		Provider() string
		// ExtractConfig maps a provider response to a model configuration.
		ExtractConfig(resp any) (*artifact.ModelConfig, bool)
		// ExtractUsage maps a provider response to token usage.
		ExtractUsage(resp any) (*artifact.TokenUsage, bool)
	}

	// Registry holds provider adapters. The zero value is not usable; use
	// NewRegistry.
	Registry struct {
		mu       sync.RWMutex
		adapters []Adapter
		byName   map[string]Adapter
		fallback Adapter
	}
)

// NewRegistry returns a registry with the permissive Default adapter as
// fallback and no provider adapters registered.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]Adapter),
		fallback: Default{},
	}
}

// Register adds a provider adapter. Responses are probed in registration
// order; registering a second adapter for the same provider replaces the
// first in name lookups but both keep their probe slot.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters = append(r.adapters, a)
	r.byName[a.Provider()] = a
	r.mu.Unlock()
}

// Adapter returns the adapter registered for the provider name.
func (r *Registry) Adapter(provider string) (Adapter, bool) {
	r.mu.RLock()
	a, ok := r.byName[provider]
	r.mu.RUnlock()
	return a, ok
}

// Lookup resolves an adapter from a model name via provider inference. The
// fallback adapter is returned when no adapter claims the provider.
func (r *Registry) Lookup(modelName string) Adapter {
	if a, ok := r.Adapter(InferProvider(modelName)); ok {
		return a
	}
	return r.fallback
}

// ExtractConfig probes the registered adapters in order and falls back to
// the Default adapter. The second return is false when no adapter could make
// sense of the response.
func (r *Registry) ExtractConfig(resp any) (*artifact.ModelConfig, bool) {
	r.mu.RLock()
	adapters := make([]Adapter, len(r.adapters))
	copy(adapters, r.adapters)
	fallback := r.fallback
	r.mu.RUnlock()
	for _, a := range adapters {
		if cfg, ok := a.ExtractConfig(resp); ok {
			return cfg, true
		}
	}
	return fallback.ExtractConfig(resp)
}

// ExtractUsage probes the registered adapters in order and falls back to the
// Default adapter.
func (r *Registry) ExtractUsage(resp any) (*artifact.TokenUsage, bool) {
	r.mu.RLock()
	adapters := make([]Adapter, len(r.adapters))
	copy(adapters, r.adapters)
	fallback := r.fallback
	r.mu.RUnlock()
	for _, a := range adapters {
		if u, ok := a.ExtractUsage(resp); ok {
			return u, true
		}
	}
	return fallback.ExtractUsage(resp)
}

// InferProvider guesses the provider from a model name. Matching is
// substring based: "gpt" and "o1" map to openai, "claude" to anthropic,
// "gemini" to google and "llama" to meta. Unrecognized names map to
// "unknown".
func InferProvider(modelName string) string {
	name := strings.ToLower(modelName)
	switch {
	case strings.Contains(name, "gpt") || strings.Contains(name, "o1"):
		return "openai"
	case strings.Contains(name, "claude"):
		return "anthropic"
	case strings.Contains(name, "gemini"):
		return "google"
	case strings.Contains(name, "llama"):
		return "meta"
	default:
		return "unknown"
	}
}
