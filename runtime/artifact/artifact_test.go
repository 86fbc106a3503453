package artifact

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenDefaults(t *testing.T) {
	a := NewOpen()
	assert.NotEmpty(t, a.KurralID)
	assert.Equal(t, CurrentSchemaVersion, a.SchemaVersion)
	assert.False(t, a.Sealed())
	assert.Equal(t, time.UTC, a.CreatedAt.Location())
	assert.WithinDuration(t, time.Now(), a.CreatedAt, time.Minute)
}

func TestSealComputesDerivedFields(t *testing.T) {
	a := NewOpen()
	a.RunID = "run-1"
	later := time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC)
	earlier := later.Add(-time.Second)

	require.NoError(t, a.RecordToolCall(ToolCall{
		ToolName:   "calculator",
		Inputs:     map[string]any{"expression": "2+3"},
		Outputs:    map[string]any{"result": 5.0},
		EffectType: EffectOther,
		Status:     StatusOK,
		StartedAt:  later,
		EndedAt:    later.Add(12 * time.Millisecond),
	}))
	require.NoError(t, a.RecordToolCall(ToolCall{
		ToolName:   "fetch",
		Inputs:     map[string]any{"url": "https://example.com"},
		EffectType: EffectHTTP,
		Status:     StatusError,
		ErrorText:  "connection refused",
		StartedAt:  earlier,
		EndedAt:    earlier.Add(3 * time.Millisecond),
	}))
	a.Prompt = &ResolvedPrompt{
		Template:  "Hi {{name}}",
		Variables: map[string]any{"name": "Ada"},
		FinalText: "Hi Ada",
	}

	require.NoError(t, a.Seal(nil))
	require.True(t, a.Sealed())

	// Tool calls reordered by start timestamp.
	require.Equal(t, "fetch", a.ToolCalls[0].ToolName)
	require.Equal(t, "calculator", a.ToolCalls[1].ToolName)

	wantKey, err := CacheKey("calculator", map[string]any{"expression": "2+3"})
	require.NoError(t, err)
	assert.Equal(t, wantKey, a.ToolCalls[1].CacheKey)

	wantHash, err := Hash(map[string]any{"result": 5.0})
	require.NoError(t, err)
	assert.Equal(t, wantHash, a.ToolCalls[1].OutputHash)

	// Failed call has no output, so no output hash.
	assert.NotEmpty(t, a.ToolCalls[0].CacheKey)
	assert.Empty(t, a.ToolCalls[0].OutputHash)

	assert.NotEmpty(t, a.Prompt.TemplateHash)
	assert.NotEmpty(t, a.Prompt.FinalTextHash)
	assert.NotEmpty(t, a.Prompt.VariablesHash)
}

func TestSealedArtifactRejectsMutation(t *testing.T) {
	a := NewOpen()
	a.RunID = "run-2"
	require.NoError(t, a.Seal(nil))

	assert.ErrorIs(t, a.RecordToolCall(ToolCall{ToolName: "x"}), ErrSealed)
	assert.ErrorIs(t, a.RecordStreamFragment("x", 0), ErrSealed)
	assert.ErrorIs(t, a.Seal(nil), ErrSealed)
}

func TestSealFoldsStreamFragments(t *testing.T) {
	a := NewOpen()
	a.RunID = "run-stream"
	for i, frag := range []string{"Hel", "lo ", "World"} {
		require.NoError(t, a.RecordStreamFragment(frag, int64(i*10)))
	}
	require.NoError(t, a.Seal(nil))

	assert.Equal(t, "Hello World", a.Outputs[OutputKeyFullText])
	assert.Equal(t, []any{"Hel", "lo ", "World"}, a.Outputs[OutputKeyItems])
	assert.Equal(t, 3.0, a.Outputs[OutputKeyTotalItems])
	assert.Equal(t, false, a.Outputs[OutputKeyTruncated])

	entries, ok := a.Outputs[OutputKeyStreamMap].([]any)
	require.True(t, ok)
	require.Len(t, entries, 3)
	var offsets, lengths []float64
	for _, e := range entries {
		m := e.(map[string]any)
		offsets = append(offsets, m["offset"].(float64))
		lengths = append(lengths, m["length"].(float64))
	}
	assert.Equal(t, []float64{0, 3, 6}, offsets)
	assert.Equal(t, []float64{3, 3, 5}, lengths)

	meta, ok := a.Outputs[OutputKeyStreamMetadata].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3.0, meta["total_fragments"])
	assert.Equal(t, 20.0, meta["total_stream_duration_ms"])
	assert.Equal(t, false, meta["stream_map_truncated"])
}

func TestSealTruncatesLongStreams(t *testing.T) {
	a := NewOpen()
	a.RunID = "run-long"
	for i := 0; i < 150; i++ {
		require.NoError(t, a.RecordStreamFragment("x", int64(i)))
	}
	require.NoError(t, a.Seal(nil))

	entries := a.Outputs[OutputKeyStreamMap].([]any)
	assert.Len(t, entries, DefaultStreamLimit)
	assert.Equal(t, true, a.Outputs[OutputKeyTruncated])
	assert.Equal(t, 150.0, a.Outputs[OutputKeyTotalItems])
	assert.Len(t, a.Outputs[OutputKeyFullText], 150)

	meta := a.Outputs[OutputKeyStreamMetadata].(map[string]any)
	assert.Equal(t, true, meta["stream_map_truncated"])
}

func TestStreamFoldProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("folded streams keep contiguous offsets and full text", prop.ForAll(
		func(fragments []string) bool {
			a := NewOpen()
			a.RunID = "run-prop"
			for i, f := range fragments {
				if err := a.RecordStreamFragment(f, int64(i)); err != nil {
					return false
				}
			}
			if err := a.Seal(nil); err != nil {
				return false
			}
			if len(fragments) == 0 {
				return a.Outputs == nil
			}

			full, _ := a.Outputs[OutputKeyFullText].(string)
			if full != strings.Join(fragments, "") {
				return false
			}
			total, _ := a.Outputs[OutputKeyTotalItems].(float64)
			if int(total) != len(fragments) {
				return false
			}
			entries, _ := a.Outputs[OutputKeyStreamMap].([]any)
			if len(fragments) <= DefaultStreamLimit && len(entries) != len(fragments) {
				return false
			}
			next := 0.0
			for i, e := range entries {
				m := e.(map[string]any)
				if m["offset"].(float64) != next {
					return false
				}
				if m["fragment"].(string) != fragments[i] {
					return false
				}
				next += m["length"].(float64)
			}
			return int(next) <= len(full)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestSealRejectsBrokenStreamMap(t *testing.T) {
	a := NewOpen()
	a.RunID = "run-bad"
	a.Outputs = map[string]any{
		OutputKeyFullText: "abcdef",
		OutputKeyStreamMap: []any{
			map[string]any{"fragment": "abc", "offset": 0.0, "length": 3.0},
			map[string]any{"fragment": "def", "offset": 4.0, "length": 3.0},
		},
	}
	err := a.Seal(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArtifactInvalid)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	a := NewOpen()
	a.RunID = "run-rt"
	a.TenantID = "acme"
	a.SemanticBuckets = []string{"refund_flow"}
	a.Environment = "staging"
	a.Inputs = map[string]any{"query": "refund order 7"}
	a.Outputs = map[string]any{"answer": "done"}
	seed := int64(42)
	a.LLMConfig = &ModelConfig{
		ModelName: "gpt-4o",
		Provider:  "openai",
		Parameters: ModelParameters{
			Temperature: 0,
			Seed:        &seed,
		},
	}
	a.DurationMS = 1250
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, a.RecordToolCall(ToolCall{
		ToolName:   "calculator",
		Inputs:     map[string]any{"expression": "2+3"},
		Outputs:    map[string]any{"result": 5.0},
		EffectType: EffectOther,
		LatencyMS:  12,
		Status:     StatusOK,
		StartedAt:  started,
		EndedAt:    started.Add(12 * time.Millisecond),
	}))
	require.NoError(t, a.Seal(nil))

	data, err := Serialize(a)
	require.NoError(t, err)

	back, err := Deserialize(data)
	require.NoError(t, err)
	assert.True(t, back.Sealed())
	assert.Equal(t, a.KurralID, back.KurralID)
	assert.Equal(t, a.ToolCalls[0].CacheKey, back.ToolCalls[0].CacheKey)

	again, err := Serialize(back)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestDeserializeRejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not json", "{"},
		{
			"missing run_id",
			`{"kurral_id":"k","schema_version":"1.0.0","created_at":"2026-01-02T03:04:05Z"}`,
		},
		{
			"bad effect type",
			`{"kurral_id":"k","run_id":"r","schema_version":"1.0.0","created_at":"2026-01-02T03:04:05Z",` +
				`"tool_calls":[{"tool_name":"t","effect_type":"NOPE","status":"OK"}]}`,
		},
		{
			"newer major version",
			`{"kurral_id":"k","run_id":"r","schema_version":"2.0.0","created_at":"2026-01-02T03:04:05Z"}`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Deserialize([]byte(c.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrArtifactInvalid)
		})
	}
}

func TestCaptureTimeEnvRedactsSensitiveNames(t *testing.T) {
	t.Setenv("KURRAL_TEST_PLAIN", "visible")
	t.Setenv("KURRAL_TEST_API_KEY", "supersecret")
	t.Setenv("KURRAL_TEST_PASSWORD", "hunter2")

	te := CaptureTimeEnv(time.Now())
	require.NotNil(t, te)
	assert.Equal(t, "visible", te.EnvironmentVars["KURRAL_TEST_PLAIN"])
	_, leaked := te.EnvironmentVars["KURRAL_TEST_API_KEY"]
	assert.False(t, leaked)
	_, leaked = te.EnvironmentVars["KURRAL_TEST_PASSWORD"]
	assert.False(t, leaked)
	assert.Equal(t, "UTC", te.Timezone)
	assert.Equal(t, time.UTC, te.Timestamp.Location())
	assert.Equal(t, te.Timestamp.Format(time.RFC3339Nano), te.WallClockTime)
}
