package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/promptdeck/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(geminiResponse{
			Candidates:    []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: "Hello from mock!"}}}}},
			UsageMetadata: geminiUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 20},
		})
	}))
	defer server.Close()

	p := &GeminiProvider{apiKey: "test-key", baseURL: server.URL}

	resp, err := p.Complete(context.Background(), &provider.Request{
		Model:    "gemini-2.0-flash",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello from mock!", resp.Content)
	assert.Equal(t, 10, resp.InputTokens)
	assert.Equal(t, 20, resp.OutputTokens)
}

func TestMapRequest_Roles(t *testing.T) {
	p := New("key")
	out := p.mapRequest(&provider.Request{Messages: []provider.Message{
		{Role: "system", Content: "You are a code generator."},
		{Role: "user", Content: "write fizzbuzz"},
		{Role: "assistant", Content: "```go```"},
	}})

	require.NotNil(t, out.SystemInstruction)
	assert.Equal(t, "You are a code generator.", out.SystemInstruction.Parts[0].Text)
	require.Len(t, out.Contents, 2)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Equal(t, "model", out.Contents[1].Role)
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Hello", " Gemini"} {
			data, _ := json.Marshal(geminiResponse{Candidates: []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: text}}}}}})
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	}))
	defer server.Close()

	p := &GeminiProvider{apiKey: "test-key", baseURL: server.URL}
	ch, err := p.CompleteStream(context.Background(), &provider.Request{Model: "gemini-1.5-flash"})
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
	assert.Equal(t, "Hello Gemini", content)
}
