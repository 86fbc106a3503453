package mcp

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEventSequence(t *testing.T) {
	stream := "event: start\n" +
		`data: {"status":"started"}` + "\n\n" +
		": heartbeat comment\n" +
		"event: progress\n" +
		`data: {"percent":50}` + "\n\n" +
		"event: complete\n" +
		`data: {"result":{"objects":["cat","dog"]}}` + "\n\n"

	reader := bufio.NewReader(strings.NewReader(stream))

	name, data, err := ReadEvent(reader)
	require.NoError(t, err)
	assert.Equal(t, "start", name)
	assert.JSONEq(t, `{"status":"started"}`, string(data))

	name, data, err = ReadEvent(reader)
	require.NoError(t, err)
	assert.Equal(t, "progress", name)
	assert.JSONEq(t, `{"percent":50}`, string(data))

	name, data, err = ReadEvent(reader)
	require.NoError(t, err)
	assert.Equal(t, EventComplete, name)
	assert.JSONEq(t, `{"result":{"objects":["cat","dog"]}}`, string(data))

	_, _, err = ReadEvent(reader)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadEventMultiLineData(t *testing.T) {
	stream := "event: log\ndata: first\ndata: second\n\n"
	name, data, err := ReadEvent(bufio.NewReader(strings.NewReader(stream)))
	require.NoError(t, err)
	assert.Equal(t, "log", name)
	assert.Equal(t, "first\nsecond", string(data))
}

func TestReadEventCRLF(t *testing.T) {
	stream := "event: done\r\ndata: {}\r\n\r\n"
	name, data, err := ReadEvent(bufio.NewReader(strings.NewReader(stream)))
	require.NoError(t, err)
	assert.Equal(t, "done", name)
	assert.Equal(t, "{}", string(data))
}

func TestReadEventSkipsEmptyBlocks(t *testing.T) {
	stream := "\n\n: only a comment\n\nevent: real\ndata: 1\n\n"
	name, data, err := ReadEvent(bufio.NewReader(strings.NewReader(stream)))
	require.NoError(t, err)
	assert.Equal(t, "real", name)
	assert.Equal(t, "1", string(data))
}

func TestWriteEventRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEvent(&buf, nil, "progress", []byte(`{"percent":25}`)))

	name, data, err := ReadEvent(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, "progress", name)
	assert.Equal(t, `{"percent":25}`, string(data))
}

func TestWriteEventMultiLineRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEvent(&buf, nil, "log", []byte("first\nsecond")))

	name, data, err := ReadEvent(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, "log", name)
	assert.Equal(t, "first\nsecond", string(data))
}

func TestWriteEventEmptyData(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEvent(&buf, nil, "ping", nil))
	assert.Equal(t, "event: ping\ndata:\n\n", buf.String())
}

func TestIsSSE(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	assert.True(t, IsSSE(h))

	h.Set("Content-Type", "application/json")
	assert.False(t, IsSSE(h))
}
