package replay

import (
	"strings"

	"github.com/kurral/kurral/runtime/artifact"
)

type (
	// Stream is the reconstructed streaming view of the recorded outputs.
	Stream struct {
		Items     []any         `json:"items"`
		FullText  string        `json:"full_text"`
		StreamMap []StreamEntry `json:"stream_map"`
	}

	// StreamEntry is one fragment of the stream map. TimestampMS is nil on
	// synthesized entries, where the recording carried no timing.
	StreamEntry struct {
		Fragment    string `json:"fragment"`
		Offset      int    `json:"offset"`
		Length      int    `json:"length"`
		Index       int    `json:"index"`
		TimestampMS *int64 `json:"timestamp_ms"`
	}
)

// ReconstructStream rebuilds the streaming view from recorded outputs. A
// recorded stream map is returned intact; items alone get a synthesized map
// with running byte offsets and no timestamps; a bare full_text becomes a
// single-fragment map. Outputs with neither items nor full_text have no
// streaming view.
func ReconstructStream(outputs map[string]any) *Stream {
	if outputs == nil {
		return nil
	}
	items, _ := outputs[artifact.OutputKeyItems].([]any)
	fullText, hasText := outputs[artifact.OutputKeyFullText].(string)
	rawMap, _ := outputs[artifact.OutputKeyStreamMap].([]any)

	if items == nil && hasText {
		items = []any{fullText}
	}
	if items == nil {
		return nil
	}
	if !hasText {
		var b strings.Builder
		for _, it := range items {
			if s, ok := it.(string); ok {
				b.WriteString(s)
			}
		}
		fullText = b.String()
	}

	var entries []StreamEntry
	if rawMap != nil {
		entries = decodeStreamMap(rawMap)
	} else {
		offset := 0
		for i, it := range items {
			s, _ := it.(string)
			entries = append(entries, StreamEntry{
				Fragment: s,
				Offset:   offset,
				Length:   len(s),
				Index:    i,
			})
			offset += len(s)
		}
	}
	return &Stream{Items: items, FullText: fullText, StreamMap: entries}
}

func decodeStreamMap(raw []any) []StreamEntry {
	entries := make([]StreamEntry, 0, len(raw))
	for i, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		entry := StreamEntry{Index: i}
		if s, ok := m["fragment"].(string); ok {
			entry.Fragment = s
		}
		if f, ok := m["offset"].(float64); ok {
			entry.Offset = int(f)
		}
		if f, ok := m["length"].(float64); ok {
			entry.Length = int(f)
		}
		if f, ok := m["index"].(float64); ok {
			entry.Index = int(f)
		}
		if f, ok := m["timestamp_ms"].(float64); ok {
			ts := int64(f)
			entry.TimestampMS = &ts
		}
		entries = append(entries, entry)
	}
	return entries
}
