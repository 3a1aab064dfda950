package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vnmchuo/promptdeck/internal/provider"
)

const imageModel = "dall-e-2"

type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
	Delta   openAIDelta   `json:"delta"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

func New(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OpenAIProvider) httpClient() *http.Client {
	if p.client == nil {
		return http.DefaultClient
	}
	return p.client
}

func (p *OpenAIProvider) newRequest(ctx context.Context, path string, in any) (*http.Request, error) {
	httpReq, err := provider.NewJSONRequest(ctx, http.MethodPost, p.baseURL+path, in)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	return httpReq, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	httpReq, err := p.newRequest(ctx, "/chat/completions", p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	var openAIResp openAIResponse
	if err := provider.Do(p.httpClient(), p.Name(), httpReq, &openAIResp); err != nil {
		return nil, err
	}

	if len(openAIResp.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	return &provider.Response{
		ID:           openAIResp.ID,
		Content:      openAIResp.Choices[0].Message.Content,
		InputTokens:  openAIResp.Usage.PromptTokens,
		OutputTokens: openAIResp.Usage.CompletionTokens,
		Model:        openAIResp.Model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	openAIReq := p.mapRequest(req)
	openAIReq.Stream = true

	httpReq, err := p.newRequest(ctx, "/chat/completions", openAIReq)
	if err != nil {
		return nil, err
	}

	return provider.StreamSSE(ctx, p.httpClient(), p.Name(), httpReq, func(_, data string) *provider.Chunk {
		if data == "[DONE]" {
			return &provider.Chunk{Done: true}
		}
		var event openAIResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return &provider.Chunk{Err: err}
		}
		if len(event.Choices) == 0 || event.Choices[0].Delta.Content == "" {
			return nil
		}
		return &provider.Chunk{Delta: event.Choices[0].Delta.Content}
	}), nil
}

// GenerateImage asks the images endpoint for req.Amount pictures of
// req.Resolution and returns their URLs.
func (p *OpenAIProvider) GenerateImage(ctx context.Context, req *provider.ImageRequest) (*provider.MediaResponse, error) {
	start := time.Now()
	httpReq, err := p.newRequest(ctx, "/images/generations", imageRequest{
		Model:  imageModel,
		Prompt: req.Prompt,
		N:      req.Amount,
		Size:   req.Resolution,
	})
	if err != nil {
		return nil, err
	}

	var imgResp imageResponse
	if err := provider.Do(p.httpClient(), p.Name(), httpReq, &imgResp); err != nil {
		return nil, err
	}
	if len(imgResp.Data) == 0 {
		return nil, fmt.Errorf("openai api returned no images")
	}

	urls := make([]string, 0, len(imgResp.Data))
	for _, d := range imgResp.Data {
		urls = append(urls, d.URL)
	}

	return &provider.MediaResponse{
		URLs:      urls,
		Model:     imageModel,
		Provider:  p.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) CostPerInputToken() float64 {
	return 0.00000050
}

func (p *OpenAIProvider) CostPerOutputToken() float64 {
	return 0.00000150
}

func (p *OpenAIProvider) SupportedModels() []string {
	return []string{"gpt-3.5-turbo", "gpt-4o", "gpt-4o-mini", "gpt-4"}
}
