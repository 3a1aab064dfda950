package provider

import (
	"context"
)

type Request struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"-"`
	// Metadata for routing decisions
	UserID    string `json:"-"`
	RequestID string `json:"-"`
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// Provider is a chat completion backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	CostPerInputToken() float64 // cost in USD per 1 token
	CostPerOutputToken() float64
	SupportedModels() []string
}

type ImageRequest struct {
	Prompt     string
	Amount     int
	Resolution string // "256x256", "512x512" or "1024x1024"
	UserID     string
}

// MediaRequest is a prompt for music or video generation.
type MediaRequest struct {
	Prompt string
	UserID string
}

// MediaResponse carries generated asset URLs. Music yields one URL.
type MediaResponse struct {
	URLs      []string
	Model     string
	Provider  string
	LatencyMs int64
}

type ImageProvider interface {
	GenerateImage(ctx context.Context, req *ImageRequest) (*MediaResponse, error)
	Name() string
}

type MusicProvider interface {
	GenerateMusic(ctx context.Context, req *MediaRequest) (*MediaResponse, error)
	Name() string
}

type VideoProvider interface {
	GenerateVideo(ctx context.Context, req *MediaRequest) (*MediaResponse, error)
	Name() string
}
