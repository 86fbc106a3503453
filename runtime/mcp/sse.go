package mcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ContentTypeSSE is the media type of a Server-Sent-Events response body.
const ContentTypeSSE = "text/event-stream"

// Terminal event names ending a streamed call. The complete event's payload
// carries the call's final result under a "result" member.
const (
	EventComplete = "complete"
	EventError    = "error"
)

// IsSSE reports whether the header announces a Server-Sent-Events body.
func IsSSE(h http.Header) bool {
	ct := strings.ToLower(h.Get("Content-Type"))
	return strings.HasPrefix(ct, ContentTypeSSE)
}

// ReadEvent reads one Server-Sent-Event from the stream. It accumulates
// event: and data: fields until the blank dispatch line, skips comment
// lines, and joins multi-line data with newlines. Blocks of neither name
// nor data are not dispatched. The reader error, io.EOF included, is
// returned as-is once the stream ends.
func ReadEvent(reader *bufio.Reader) (string, []byte, error) {
	var name string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if name == "" && len(data) == 0 {
				continue
			}
			return name, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			name = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			chunk := strings.TrimPrefix(after, " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
			continue
		}
	}
}

// WriteEvent writes one Server-Sent-Event and flushes it when a flusher is
// available. Multi-line data is split into consecutive data: fields so that
// ReadEvent reassembles it unchanged.
func WriteEvent(w io.Writer, flusher http.Flusher, name string, data []byte) error {
	var buf bytes.Buffer
	if name != "" {
		fmt.Fprintf(&buf, "event: %s\n", name)
	}
	if len(data) == 0 {
		buf.WriteString("data:\n")
	} else {
		for _, line := range bytes.Split(data, []byte("\n")) {
			buf.WriteString("data: ")
			buf.Write(line)
			buf.WriteByte('\n')
		}
	}
	buf.WriteByte('\n')
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
