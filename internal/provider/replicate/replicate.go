// Package replicate runs music and video models on Replicate's predictions
// API and waits for their results.
package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vnmchuo/promptdeck/internal/provider"
)

const (
	// riffusion/riffusion
	MusicVersion = "8cf61ea6c56afd61d8f5b9ffd14d7c216c0a93844ce2d82ac1c9ecc9c7f24e05"
	// anotherjesse/zeroscope-v2-xl
	VideoVersion = "9f747673945c62801b13b84701c783929c0ee784e4748ec062204894dda1a351"

	defaultPollInterval = time.Second
)

type ReplicateProvider struct {
	apiToken     string
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

type predictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

func (p *prediction) finished() bool {
	switch p.Status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

func New(apiToken string) *ReplicateProvider {
	return &ReplicateProvider{
		apiToken:     apiToken,
		baseURL:      "https://api.replicate.com/v1",
		client:       &http.Client{Timeout: 30 * time.Second},
		pollInterval: defaultPollInterval,
	}
}

func (p *ReplicateProvider) Name() string {
	return "replicate"
}

func (p *ReplicateProvider) httpClient() *http.Client {
	if p.client == nil {
		return http.DefaultClient
	}
	return p.client
}

// GenerateMusic returns one audio URL.
func (p *ReplicateProvider) GenerateMusic(ctx context.Context, req *provider.MediaRequest) (*provider.MediaResponse, error) {
	start := time.Now()
	pred, err := p.run(ctx, MusicVersion, map[string]any{"prompt_a": req.Prompt})
	if err != nil {
		return nil, err
	}

	var out struct {
		Audio string `json:"audio"`
	}
	if err := json.Unmarshal(pred.Output, &out); err != nil {
		return nil, fmt.Errorf("replicate: decode music output: %w", err)
	}
	if out.Audio == "" {
		return nil, fmt.Errorf("replicate: prediction %s returned no audio", pred.ID)
	}

	return &provider.MediaResponse{
		URLs:      []string{out.Audio},
		Model:     "riffusion",
		Provider:  p.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (p *ReplicateProvider) GenerateVideo(ctx context.Context, req *provider.MediaRequest) (*provider.MediaResponse, error) {
	start := time.Now()
	pred, err := p.run(ctx, VideoVersion, map[string]any{"prompt": req.Prompt})
	if err != nil {
		return nil, err
	}

	var urls []string
	if err := json.Unmarshal(pred.Output, &urls); err != nil {
		return nil, fmt.Errorf("replicate: decode video output: %w", err)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("replicate: prediction %s returned no video", pred.ID)
	}

	return &provider.MediaResponse{
		URLs:      urls,
		Model:     "zeroscope-v2-xl",
		Provider:  p.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// run creates a prediction and polls it until it finishes or ctx is done.
func (p *ReplicateProvider) run(ctx context.Context, version string, input map[string]any) (*prediction, error) {
	httpReq, err := p.newRequest(ctx, http.MethodPost, p.baseURL+"/predictions", predictionRequest{Version: version, Input: input})
	if err != nil {
		return nil, err
	}

	var pred prediction
	if err := provider.Do(p.httpClient(), p.Name(), httpReq, &pred); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for !pred.finished() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		getURL := pred.URLs.Get
		if getURL == "" {
			getURL = fmt.Sprintf("%s/predictions/%s", p.baseURL, pred.ID)
		}
		httpReq, err := p.newRequest(ctx, http.MethodGet, getURL, nil)
		if err != nil {
			return nil, err
		}
		if err := provider.Do(p.httpClient(), p.Name(), httpReq, &pred); err != nil {
			return nil, err
		}
	}

	if pred.Status != "succeeded" {
		return nil, fmt.Errorf("replicate: prediction %s %s: %v", pred.ID, pred.Status, pred.Error)
	}
	return &pred, nil
}

func (p *ReplicateProvider) newRequest(ctx context.Context, method, url string, in any) (*http.Request, error) {
	httpReq, err := provider.NewJSONRequest(ctx, method, url, in)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiToken)
	return httpReq, nil
}
