package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/promptdeck/internal/provider"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Content []claudeContent `json:"content"`
	Model   string          `json:"model"`
	Usage   claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type  string       `json:"type"`
	Delta claudeDelta  `json:"delta,omitempty"`
	Error *claudeError `json:"error,omitempty"`
}

type claudeDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string) *ClaudeProvider {
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *ClaudeProvider) httpClient() *http.Client {
	if p.client == nil {
		return http.DefaultClient
	}
	return p.client
}

func (p *ClaudeProvider) newRequest(ctx context.Context, in claudeRequest) (*http.Request, error) {
	httpReq, err := provider.NewJSONRequest(ctx, http.MethodPost, p.baseURL+"/messages", in)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	httpReq, err := p.newRequest(ctx, p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	var claudeResp claudeResponse
	if err := provider.Do(p.httpClient(), p.Name(), httpReq, &claudeResp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("claude api returned no content")
	}

	return &provider.Response{
		ID:           claudeResp.ID,
		Content:      text.String(),
		InputTokens:  claudeResp.Usage.InputTokens,
		OutputTokens: claudeResp.Usage.OutputTokens,
		Model:        claudeResp.Model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// mapRequest joins system messages into the top-level system prompt.
func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	var system []string
	var messages []claudeMessage

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			messages = append(messages, claudeMessage{Role: "assistant", Content: m.Content})
		default:
			messages = append(messages, claudeMessage{Role: "user", Content: m.Content})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return claudeRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

func (p *ClaudeProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	claudeReq := p.mapRequest(req)
	claudeReq.Stream = true

	httpReq, err := p.newRequest(ctx, claudeReq)
	if err != nil {
		return nil, err
	}

	return provider.StreamSSE(ctx, p.httpClient(), p.Name(), httpReq, func(event, data string) *provider.Chunk {
		switch event {
		case "content_block_delta":
			var e claudeStreamEvent
			if err := json.Unmarshal([]byte(data), &e); err != nil {
				return nil
			}
			if e.Delta.Type == "text_delta" && e.Delta.Text != "" {
				return &provider.Chunk{Delta: e.Delta.Text}
			}
		case "message_stop":
			return &provider.Chunk{Done: true}
		case "error":
			var e claudeStreamEvent
			if err := json.Unmarshal([]byte(data), &e); err == nil && e.Error != nil {
				return &provider.Chunk{Err: fmt.Errorf("claude stream error: %s", e.Error.Message)}
			}
		}
		return nil
	}), nil
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}

func (p *ClaudeProvider) CostPerInputToken() float64 {
	return 0.0000008
}

func (p *ClaudeProvider) CostPerOutputToken() float64 {
	return 0.000004
}

func (p *ClaudeProvider) SupportedModels() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-haiku-20240307",
	}
}
