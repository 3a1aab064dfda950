package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/promptdeck/internal/billing"
)

type streamDelta struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Index int `json:"index"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

func newStreamDelta(content string) streamDelta {
	var choice streamChoice
	choice.Delta.Content = content
	return streamDelta{Choices: []streamChoice{choice}}
}

// HandleConversationStream streams a chat completion as server-sent events.
// The quota is consumed only once the provider signals completion; a stream
// that errors or is cut off costs nothing.
func (h *Handler) HandleConversationStream(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	ctx, c, ok := h.admit(w, r, CapabilityConversation, &body)
	if !ok {
		return
	}
	defer c.span.End()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	req := h.chatRequest(&body, c, CapabilityConversation)
	req.Stream = true
	p, err := h.route(ctx, req)
	if err != nil {
		h.failed(w, c, "", err)
		return
	}

	d := h.gate.Authorize(ctx, c.userID)
	if h.denied(w, c, d) {
		return
	}

	ch, err := h.router.ExecuteStream(ctx, req, p)
	if err != nil {
		h.failed(w, c, p.Name(), err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	completed := false
	for chunk := range ch {
		if chunk.Err != nil {
			c.span.RecordError(chunk.Err)
			log.Warn().Err(chunk.Err).Str("provider", p.Name()).Msg("stream failed")
			fmt.Fprint(w, "event: error\ndata: {\"error\":\"generation failed\"}\n\n")
			flusher.Flush()
			break
		}

		if chunk.Delta != "" {
			data, _ := json.Marshal(newStreamDelta(chunk.Delta))
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}

		if chunk.Done {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			completed = true
			break
		}
	}

	if !completed {
		h.metrics.RecordGeneration(c.capability, p.Name(), "error", time.Since(c.started))
		return
	}

	if d.Metered {
		if err := h.gate.OnSuccess(context.WithoutCancel(ctx), c.userID); err != nil {
			log.Warn().Err(err).Str("user_id", c.userID).Msg("free usage not recorded after successful generation")
		}
	}
	h.succeeded(c, d, billing.GenerationLog{Provider: p.Name(), Model: req.Model})
}
