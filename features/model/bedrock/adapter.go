// Package bedrock extracts capture metadata from Amazon Bedrock Converse
// responses using github.com/aws/aws-sdk-go-v2/service/bedrockruntime.
// Converse does not echo the invoked model id, so callers either configure
// one on the adapter or stash it in the smithy operation metadata with
// SetModelID before handing the response to the capture pipeline.
package bedrock

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go/middleware"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/model"
)

type (
	// Options configures the Bedrock adapter.
	Options struct {
		// ModelID is the model identifier reported when the response
		// metadata does not carry one, e.g.
		// "anthropic.claude-sonnet-4-20250514-v1:0".
		ModelID string
	}

	// Adapter implements model.Adapter for Bedrock Converse responses.
	Adapter struct {
		modelID string
	}

	modelIDKey struct{}
)

// New returns a Bedrock adapter.
func New(opts Options) Adapter {
	return Adapter{modelID: opts.ModelID}
}

// SetModelID records the invoked model id in the smithy operation metadata
// so the adapter can recover it from the response.
func SetModelID(md *middleware.Metadata, id string) {
	md.Set(modelIDKey{}, id)
}

// ModelID returns the model id recorded with SetModelID, if any.
func ModelID(md middleware.Metadata) (string, bool) {
	id, ok := md.Get(modelIDKey{}).(string)
	return id, ok && id != ""
}

// Provider implements model.Adapter.
func (Adapter) Provider() string { return "bedrock" }

// ExtractConfig implements model.Adapter.
func (a Adapter) ExtractConfig(resp any) (*artifact.ModelConfig, bool) {
	out, ok := resp.(*bedrockruntime.ConverseOutput)
	if !ok || out == nil {
		return nil, false
	}
	name := a.modelID
	if id, ok := ModelID(out.ResultMetadata); ok {
		name = id
	}
	if name == "" {
		name = "unknown"
	}
	cfg := &artifact.ModelConfig{
		ModelName: name,
		Provider:  "bedrock",
	}
	cfg.Parameters.Temperature = model.DefaultTemperature
	return cfg, true
}

// ExtractUsage implements model.Adapter.
func (Adapter) ExtractUsage(resp any) (*artifact.TokenUsage, bool) {
	out, ok := resp.(*bedrockruntime.ConverseOutput)
	if !ok || out == nil || out.Usage == nil {
		return nil, false
	}
	u := out.Usage
	usage := &artifact.TokenUsage{
		PromptTokens:     int(aws.ToInt32(u.InputTokens)),
		CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
		TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	if read := int(aws.ToInt32(u.CacheReadInputTokens)); read > 0 {
		usage.CacheReadTokens = &read
		usage.CachedTokens = &read
		if usage.PromptTokens > 0 {
			rate := float64(read) / float64(usage.PromptTokens)
			usage.CacheHitRate = &rate
		}
	}
	if write := int(aws.ToInt32(u.CacheWriteInputTokens)); write > 0 {
		usage.CacheCreationTokens = &write
	}
	return usage, true
}

var _ model.Adapter = Adapter{}
