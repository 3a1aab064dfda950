// Package generation serves the dashboard's AI endpoints. Every request is
// throttled per user, passed through the request gate, and only then sent to
// a provider.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/promptdeck/internal/auth"
	"github.com/vnmchuo/promptdeck/internal/billing"
	"github.com/vnmchuo/promptdeck/internal/gate"
	"github.com/vnmchuo/promptdeck/internal/provider"
	"github.com/vnmchuo/promptdeck/internal/telemetry"
	"github.com/vnmchuo/promptdeck/pkg/ratelimit"
)

const (
	CapabilityConversation = "conversation"
	CapabilityCode         = "code"
	CapabilityImage        = "image"
	CapabilityMusic        = "music"
	CapabilityVideo        = "video"
)

// unavailableRetryAfter is sent with 503 responses when a store is down.
const unavailableRetryAfter = "5"

const requestBodyLimit = 1024 * 1024 // 1 MiB

type Handler struct {
	router    *Router
	gate      *gate.Gate
	history   billing.Store
	limiter   *ratelimit.Limiter
	tracer    trace.Tracer
	metrics   *telemetry.Metrics
	chatModel string
}

func NewHandler(router *Router, g *gate.Gate, history billing.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, metrics *telemetry.Metrics, chatModel string) *Handler {
	return &Handler{
		router:    router,
		gate:      g,
		history:   history,
		limiter:   limiter,
		tracer:    tracer,
		metrics:   metrics,
		chatModel: chatModel,
	}
}

// call carries per-request state through the shared steps.
type call struct {
	userID     string
	requestID  string
	capability string
	started    time.Time
	span       trace.Span
}

// admit runs the checks shared by every generation endpoint, up to but not
// including the gate: identity, body, and the per-user throttle. It writes
// the error response itself and returns ok=false on failure.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, capability string, body validator) (context.Context, *call, bool) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return ctx, nil, false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
			return ctx, nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return ctx, nil, false
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return ctx, nil, false
	}

	allowed, err := h.limiter.Allow(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("rate limiter unavailable")
	}
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "")
		return ctx, nil, false
	}

	ctx, span := h.tracer.Start(ctx, "generation."+capability)
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", requestID),
	)

	return ctx, &call{
		userID:     userID,
		requestID:  requestID,
		capability: capability,
		started:    time.Now(),
		span:       span,
	}, true
}

// denied writes the response for a gate Deny and reports whether it did.
func (h *Handler) denied(w http.ResponseWriter, c *call, d gate.Decision) bool {
	if d.Allowed() {
		return false
	}
	c.span.SetAttributes(attribute.String("gate.reason", string(d.Reason)))
	if gate.IsUnavailable(d) {
		log.Error().Err(d.Err).Str("user_id", c.userID).Str("capability", c.capability).Msg("gate unavailable")
		w.Header().Set("Retry-After", unavailableRetryAfter)
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable", string(d.Reason))
		return true
	}
	writeError(w, http.StatusForbidden, "free trial has expired", string(d.Reason))
	return true
}

// failed writes the response for a provider failure. No quota was consumed.
func (h *Handler) failed(w http.ResponseWriter, c *call, providerName string, err error) {
	c.span.RecordError(err)
	c.span.SetStatus(codes.Error, err.Error())
	h.metrics.RecordGeneration(c.capability, providerName, "error", time.Since(c.started))

	if errors.Is(err, ErrNoProvider) {
		writeError(w, http.StatusServiceUnavailable, err.Error(), "")
		return
	}
	log.Warn().Err(err).Str("provider", providerName).Str("capability", c.capability).Msg("generation failed")
	writeError(w, http.StatusBadGateway, "generation failed", "")
}

// succeeded records metrics and appends to the generation history in the
// background.
func (h *Handler) succeeded(c *call, d gate.Decision, entry billing.GenerationLog) {
	elapsed := time.Since(c.started)
	h.metrics.RecordGeneration(c.capability, entry.Provider, "ok", elapsed)

	entry.UserID = c.userID
	entry.RequestID = c.requestID
	entry.Capability = c.capability
	entry.Metered = d.Metered
	if entry.LatencyMs == 0 {
		entry.LatencyMs = elapsed.Milliseconds()
	}

	go func() {
		if err := h.history.LogGeneration(context.Background(), &entry); err != nil {
			log.Warn().Err(err).Str("request_id", entry.RequestID).Msg("failed to log generation")
		}
	}()
}

func (h *Handler) HandleConversation(w http.ResponseWriter, r *http.Request) {
	h.handleChat(w, r, CapabilityConversation)
}

func (h *Handler) HandleCode(w http.ResponseWriter, r *http.Request) {
	h.handleChat(w, r, CapabilityCode)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request, capability string) {
	var body chatRequest
	ctx, c, ok := h.admit(w, r, capability, &body)
	if !ok {
		return
	}
	defer c.span.End()

	req := h.chatRequest(&body, c, capability)
	p, err := h.route(ctx, req)
	if err != nil {
		h.failed(w, c, "", err)
		return
	}

	var resp *provider.Response
	d, err := h.gate.Run(ctx, c.userID, func(ctx context.Context) error {
		var err error
		resp, err = h.router.Execute(ctx, req, p)
		return err
	})
	if h.denied(w, c, d) {
		return
	}
	if err != nil {
		h.failed(w, c, p.Name(), err)
		return
	}

	h.succeeded(c, d, billing.GenerationLog{
		Provider:     resp.Provider,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		LatencyMs:    resp.LatencyMs,
	})

	writeJSON(w, http.StatusOK, provider.Message{Role: "assistant", Content: resp.Content})
}

func (h *Handler) chatRequest(body *chatRequest, c *call, capability string) *provider.Request {
	messages := body.Messages
	if capability == CapabilityCode {
		messages = append([]provider.Message{codeInstruction}, messages...)
	}
	model := body.Model
	if model == "" {
		model = h.chatModel
	}
	return &provider.Request{
		Model:     model,
		Messages:  messages,
		UserID:    c.userID,
		RequestID: c.requestID,
	}
}

// route picks the provider and fills in its default model when the request
// named none.
func (h *Handler) route(ctx context.Context, req *provider.Request) (provider.Provider, error) {
	p, err := h.router.Route(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		if models := p.SupportedModels(); len(models) > 0 {
			req.Model = models[0]
		}
	}
	return p, nil
}

func (h *Handler) HandleImage(w http.ResponseWriter, r *http.Request) {
	var body imageRequest
	ctx, c, ok := h.admit(w, r, CapabilityImage, &body)
	if !ok {
		return
	}
	defer c.span.End()

	var resp *provider.MediaResponse
	d, err := h.gate.Run(ctx, c.userID, func(ctx context.Context) error {
		var err error
		resp, err = h.router.GenerateImage(ctx, &provider.ImageRequest{
			Prompt:     body.Prompt,
			Amount:     int(body.Amount),
			Resolution: body.Resolution,
			UserID:     c.userID,
		})
		return err
	})
	if h.denied(w, c, d) {
		return
	}
	if err != nil {
		h.failed(w, c, "", err)
		return
	}

	h.succeeded(c, d, mediaLog(resp))

	images := make([]imageURL, 0, len(resp.URLs))
	for _, u := range resp.URLs {
		images = append(images, imageURL{URL: u})
	}
	writeJSON(w, http.StatusOK, images)
}

func (h *Handler) HandleMusic(w http.ResponseWriter, r *http.Request) {
	var body mediaRequest
	ctx, c, ok := h.admit(w, r, CapabilityMusic, &body)
	if !ok {
		return
	}
	defer c.span.End()

	var resp *provider.MediaResponse
	d, err := h.gate.Run(ctx, c.userID, func(ctx context.Context) error {
		var err error
		resp, err = h.router.GenerateMusic(ctx, &provider.MediaRequest{Prompt: body.Prompt, UserID: c.userID})
		return err
	})
	if h.denied(w, c, d) {
		return
	}
	if err != nil {
		h.failed(w, c, "", err)
		return
	}

	h.succeeded(c, d, mediaLog(resp))

	var audio string
	if len(resp.URLs) > 0 {
		audio = resp.URLs[0]
	}
	writeJSON(w, http.StatusOK, map[string]string{"audio": audio})
}

func (h *Handler) HandleVideo(w http.ResponseWriter, r *http.Request) {
	var body mediaRequest
	ctx, c, ok := h.admit(w, r, CapabilityVideo, &body)
	if !ok {
		return
	}
	defer c.span.End()

	var resp *provider.MediaResponse
	d, err := h.gate.Run(ctx, c.userID, func(ctx context.Context) error {
		var err error
		resp, err = h.router.GenerateVideo(ctx, &provider.MediaRequest{Prompt: body.Prompt, UserID: c.userID})
		return err
	})
	if h.denied(w, c, d) {
		return
	}
	if err != nil {
		h.failed(w, c, "", err)
		return
	}

	h.succeeded(c, d, mediaLog(resp))

	urls := resp.URLs
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, urls)
}

func mediaLog(resp *provider.MediaResponse) billing.GenerationLog {
	return billing.GenerationLog{
		Provider:  resp.Provider,
		Model:     resp.Model,
		LatencyMs: resp.LatencyMs,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	body := map[string]string{"error": msg}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}
