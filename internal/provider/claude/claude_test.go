package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/promptdeck/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))

		var body claudeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "You are a code generator.", body.System)
		assert.Equal(t, defaultMaxTokens, body.MaxTokens)
		require.Len(t, body.Messages, 1)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(claudeResponse{
			ID:      "msg_123",
			Content: []claudeContent{{Type: "text", Text: "Hello from Claude mock!"}},
			Usage:   claudeUsage{InputTokens: 10, OutputTokens: 20},
			Model:   "claude-3-5-sonnet-20241022",
		})
	}))
	defer server.Close()

	p := &ClaudeProvider{apiKey: "test-key", baseURL: server.URL}

	resp, err := p.Complete(context.Background(), &provider.Request{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []provider.Message{
			{Role: "system", Content: "You are a code generator."},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello from Claude mock!", resp.Content)
	assert.Equal(t, 10, resp.InputTokens)
	assert.Equal(t, 20, resp.OutputTokens)
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "message_start", map[string]string{"type": "message_start"})
		writeEvent(w, "content_block_delta", claudeStreamEvent{Type: "content_block_delta", Delta: claudeDelta{Type: "text_delta", Text: "Hello"}})
		writeEvent(w, "content_block_delta", claudeStreamEvent{Type: "content_block_delta", Delta: claudeDelta{Type: "text_delta", Text: " world!"}})
		writeEvent(w, "message_stop", map[string]string{"type": "message_stop"})
	}))
	defer server.Close()

	p := &ClaudeProvider{apiKey: "test-key", baseURL: server.URL}
	ch, err := p.CompleteStream(context.Background(), &provider.Request{Model: "claude-3-5-haiku-20241022"})
	require.NoError(t, err)

	var content string
	var done bool
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		if chunk.Done {
			done = true
			continue
		}
		content += chunk.Delta
	}
	assert.True(t, done)
	assert.Equal(t, "Hello world!", content)
}

func TestCompleteStream_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "error", claudeStreamEvent{Type: "error", Error: &claudeError{Type: "overloaded_error", Message: "Overloaded"}})
	}))
	defer server.Close()

	p := &ClaudeProvider{apiKey: "test-key", baseURL: server.URL}
	ch, err := p.CompleteStream(context.Background(), &provider.Request{Model: "claude-3-5-haiku-20241022"})
	require.NoError(t, err)

	var last *provider.Chunk
	for chunk := range ch {
		last = chunk
	}
	require.NotNil(t, last)
	assert.EqualError(t, last.Err, "claude stream error: Overloaded")
}

func TestCompleteStream_TruncatedBeforeMessageStop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "message_start", map[string]string{"type": "message_start"})
		writeEvent(w, "content_block_delta", claudeStreamEvent{Type: "content_block_delta", Delta: claudeDelta{Type: "text_delta", Text: "Hel"}})
	}))
	defer server.Close()

	p := &ClaudeProvider{apiKey: "test-key", baseURL: server.URL}
	ch, err := p.CompleteStream(context.Background(), &provider.Request{Model: "claude-3-5-haiku-20241022"})
	require.NoError(t, err)

	var content string
	var last *provider.Chunk
	for chunk := range ch {
		content += chunk.Delta
		last = chunk
	}
	require.NotNil(t, last)
	assert.Equal(t, "Hel", content)
	assert.False(t, last.Done)
	assert.ErrorIs(t, last.Err, io.ErrUnexpectedEOF)
}

func TestComplete_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"type":"error"}`)
	}))
	defer server.Close()

	p := &ClaudeProvider{apiKey: "test-key", baseURL: server.URL}
	_, err := p.Complete(context.Background(), &provider.Request{Model: "claude-3-opus-20240229"})
	assert.ErrorContains(t, err, "status 500")
}
