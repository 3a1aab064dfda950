package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vnmchuo/promptdeck/internal/provider"
)

type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func (r *geminiResponse) text() string {
	if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	return r.Candidates[0].Content.Parts[0].Text
}

func New(apiKey string) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com",
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *GeminiProvider) httpClient() *http.Client {
	if p.client == nil {
		return http.DefaultClient
	}
	return p.client
}

func (p *GeminiProvider) newRequest(ctx context.Context, model, method string, in geminiRequest) (*http.Request, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:%s", p.baseURL, model, method)
	httpReq, err := provider.NewJSONRequest(ctx, http.MethodPost, url, in)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-goog-api-key", p.apiKey)
	return httpReq, nil
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	httpReq, err := p.newRequest(ctx, req.Model, "generateContent", p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	var geminiResp geminiResponse
	if err := provider.Do(p.httpClient(), p.Name(), httpReq, &geminiResp); err != nil {
		return nil, err
	}

	text := geminiResp.text()
	if text == "" {
		return nil, fmt.Errorf("gemini api returned no candidates")
	}

	return &provider.Response{
		Content:      text,
		InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		Model:        req.Model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// mapRequest moves system messages into systemInstruction; Gemini only knows
// the "user" and "model" roles.
func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	out := geminiRequest{
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}

	for _, m := range req.Messages {
		part := geminiPart{Text: m.Content}
		switch m.Role {
		case "system":
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, part)
		case "assistant":
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{part}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{part}})
		}
	}

	return out
}

func (p *GeminiProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	httpReq, err := p.newRequest(ctx, req.Model, "streamGenerateContent?alt=sse", p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	return provider.StreamSSE(ctx, p.httpClient(), p.Name(), httpReq, func(_, data string) *provider.Chunk {
		var event geminiResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return &provider.Chunk{Err: err}
		}
		if text := event.text(); text != "" {
			return &provider.Chunk{Delta: text}
		}
		return nil
	}, provider.EOFIsDone()), nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) CostPerInputToken() float64 {
	return 0.000000125
}

func (p *GeminiProvider) CostPerOutputToken() float64 {
	return 0.000000375
}

func (p *GeminiProvider) SupportedModels() []string {
	return []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash"}
}
