package generation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vnmchuo/promptdeck/internal/provider"
)

const (
	defaultImageAmount     = 1
	maxImageAmount         = 5
	defaultImageResolution = "512x512"
)

var imageResolutions = map[string]bool{
	"256x256":   true,
	"512x512":   true,
	"1024x1024": true,
}

var codeInstruction = provider.Message{
	Role:    "system",
	Content: "You are a code generator. You must answer only in markdown code snippets. Use code comments for explanations.",
}

type validator interface {
	validate() error
}

type chatRequest struct {
	Model    string             `json:"model"`
	Messages []provider.Message `json:"messages"`
}

func (r *chatRequest) validate() error {
	if len(r.Messages) == 0 {
		return errors.New("messages are required")
	}
	return nil
}

// flexInt accepts both 2 and "2"; the dashboard's form sends strings.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*n = flexInt(v)
	return nil
}

type imageRequest struct {
	Prompt     string  `json:"prompt"`
	Amount     flexInt `json:"amount"`
	Resolution string  `json:"resolution"`
}

func (r *imageRequest) validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if r.Amount == 0 {
		r.Amount = defaultImageAmount
	}
	if r.Amount < 1 || r.Amount > maxImageAmount {
		return fmt.Errorf("amount must be between 1 and %d", maxImageAmount)
	}
	if r.Resolution == "" {
		r.Resolution = defaultImageResolution
	}
	if !imageResolutions[r.Resolution] {
		return fmt.Errorf("unsupported resolution %q", r.Resolution)
	}
	return nil
}

type mediaRequest struct {
	Prompt string `json:"prompt"`
}

func (r *mediaRequest) validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("prompt is required")
	}
	return nil
}

type imageURL struct {
	URL string `json:"url"`
}
