package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/promptdeck/internal/auth"
	"github.com/vnmchuo/promptdeck/internal/billing"
	"github.com/vnmchuo/promptdeck/internal/entitlement"
	"github.com/vnmchuo/promptdeck/internal/gate"
	"github.com/vnmchuo/promptdeck/internal/provider"
	"github.com/vnmchuo/promptdeck/internal/quota"
	"github.com/vnmchuo/promptdeck/internal/telemetry"
	"github.com/vnmchuo/promptdeck/pkg/ratelimit"
)

type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

type fixture struct {
	h       *Handler
	usage   *quota.MemoryStore
	subs    *entitlement.MemoryStore
	history *billing.MemoryStore
	limiter *mockLimiterStore
	chat    *mockProvider
	media   *mockMedia
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		usage:   quota.NewMemoryStore(),
		subs:    entitlement.NewMemoryStore(),
		history: billing.NewMemoryStore(),
		limiter: &mockLimiterStore{allowed: true},
		chat:    &mockProvider{name: "openai", supportedModels: []string{"gpt-3.5-turbo"}},
		media: &mockMedia{name: "replicate", urls: []string{
			"https://cdn.example.com/1.png",
			"https://cdn.example.com/2.png",
		}},
	}

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	g := gate.New(
		entitlement.NewResolver(f.subs, entitlement.DefaultGraceWindow),
		quota.NewLedger(f.usage, quota.DefaultFreeLimit),
		gate.WithMetrics(metrics),
	)
	router := NewRouter(Providers{
		Chat:  []provider.Provider{f.chat},
		Image: []provider.ImageProvider{f.media},
		Music: []provider.MusicProvider{f.media},
		Video: []provider.VideoProvider{f.media},
	})
	f.h = NewHandler(router, g, f.history, ratelimit.NewTestLimiter(f.limiter),
		noop.NewTracerProvider().Tracer("test"), metrics, "gpt-3.5-turbo")
	return f
}

func (f *fixture) used(t *testing.T, userID string) int {
	t.Helper()
	rec, err := f.usage.GetUsage(context.Background(), userID)
	require.NoError(t, err)
	if rec == nil {
		return 0
	}
	return rec.Count
}

func (f *fixture) subscribe(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.subs.UpsertSubscription(context.Background(), &entitlement.SubscriptionRecord{
		UserID:           userID,
		SubscriptionID:   "sub_" + userID,
		PriceID:          "price_pro",
		CurrentPeriodEnd: time.Now().Add(24 * time.Hour),
	}))
}

func (f *fixture) logs(t *testing.T, userID string) []*billing.GenerationLog {
	t.Helper()
	logs, err := f.history.GetLogsByUser(context.Background(), userID, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return logs
}

func newRequest(t *testing.T, userID, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	if userID != "" {
		req = req.WithContext(auth.WithUserID(req.Context(), userID))
	}
	return req
}

var hello = map[string]any{
	"messages": []map[string]string{{"role": "user", "content": "hello"}},
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestConversation_Unauthorized(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()

	f.h.HandleConversation(w, newRequest(t, "", "/api/conversation", hello))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeError(t, w)["error"])
}

func TestConversation_InvalidBody(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.h.HandleConversation(w, newRequest(t, "user_1", "/api/conversation", `{invalid json}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request body", decodeError(t, w)["error"])

	w = httptest.NewRecorder()
	f.h.HandleConversation(w, newRequest(t, "user_1", "/api/conversation", map[string]any{"messages": []any{}}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "messages are required", decodeError(t, w)["error"])
}

func TestConversation_BodyTooLarge(t *testing.T) {
	f := newFixture(t)
	big := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": strings.Repeat("a", requestBodyLimit)}},
	}
	w := httptest.NewRecorder()

	f.h.HandleConversation(w, newRequest(t, "user_1", "/api/conversation", big))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "request body too large", decodeError(t, w)["error"])
	assert.Zero(t, f.chat.calls.Load())
	assert.Zero(t, f.used(t, "user_1"))
}

func TestConversation_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.limiter.allowed = false
	w := httptest.NewRecorder()

	f.h.HandleConversation(w, newRequest(t, "user_1", "/api/conversation", hello))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Zero(t, f.chat.calls.Load())
}

func TestConversation_LimiterErrorRejects(t *testing.T) {
	f := newFixture(t)
	f.limiter.err = errors.New("redis down")
	w := httptest.NewRecorder()

	f.h.HandleConversation(w, newRequest(t, "user_1", "/api/conversation", hello))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestConversation_FreeUserIsMetered(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()

	f.h.HandleConversation(w, newRequest(t, "user_1", "/api/conversation", hello))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"role":"assistant","content":"mock"}`, w.Body.String())
	assert.Equal(t, 1, f.used(t, "user_1"))
	assert.Equal(t, "gpt-3.5-turbo", f.chat.last.Model)

	assert.Eventually(t, func() bool { return len(f.logs(t, "user_1")) == 1 }, time.Second, 10*time.Millisecond)
	entry := f.logs(t, "user_1")[0]
	assert.Equal(t, CapabilityConversation, entry.Capability)
	assert.True(t, entry.Metered)
	assert.Equal(t, 30, entry.InputTokens+entry.OutputTokens)
}

func TestConversation_QuotaExhausted(t *testing.T) {
	f := newFixture(t)
	f.usage.Seed("user_1", quota.DefaultFreeLimit)
	w := httptest.NewRecorder()

	f.h.HandleConversation(w, newRequest(t, "user_1", "/api/conversation", hello))

	assert.Equal(t, http.StatusForbidden, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "free trial has expired", resp["error"])
	assert.Equal(t, "quota_exhausted", resp["code"])
	assert.Zero(t, f.chat.calls.Load())
	assert.Equal(t, quota.DefaultFreeLimit, f.used(t, "user_1"))
}

func TestConversation_EntitledUserIsNotMetered(t *testing.T) {
	f := newFixture(t)
	f.usage.Seed("user_1", quota.DefaultFreeLimit)
	f.subscribe(t, "user_1")
	w := httptest.NewRecorder()

	f.h.HandleConversation(w, newRequest(t, "user_1", "/api/conversation", hello))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, quota.DefaultFreeLimit, f.used(t, "user_1"))
	assert.Eventually(t, func() bool { return len(f.logs(t, "user_1")) == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, f.logs(t, "user_1")[0].Metered)
}

func TestConversation_ProviderFailureConsumesNothing(t *testing.T) {
	f := newFixture(t)
	f.chat.completeErr = errors.New("upstream 500")
	w := httptest.NewRecorder()

	f.h.HandleConversation(w, newRequest(t, "user_1", "/api/conversation", hello))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Zero(t, f.used(t, "user_1"))
}

func TestConversation_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.usage.SetError(errors.New("connection refused"))
	w := httptest.NewRecorder()

	f.h.HandleConversation(w, newRequest(t, "user_1", "/api/conversation", hello))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.Equal(t, "unavailable", decodeError(t, w)["code"])
	assert.Zero(t, f.chat.calls.Load())
}

func TestConversation_NoProvider(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()

	body := map[string]any{"model": "gpt-4o", "messages": hello["messages"]}
	f.h.HandleConversation(w, newRequest(t, "user_1", "/api/conversation", body))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Zero(t, f.used(t, "user_1"))
}

func TestCode_PrependsInstruction(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()

	f.h.HandleCode(w, newRequest(t, "user_1", "/api/code", hello))

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.chat.last.Messages, 2)
	assert.Equal(t, codeInstruction, f.chat.last.Messages[0])
	assert.Equal(t, "hello", f.chat.last.Messages[1].Content)
}

func TestImage(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.h.HandleImage(w, newRequest(t, "user_1", "/api/image", map[string]any{"prompt": "a horse in Swiss alps", "amount": "2"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `[{"url":"https://cdn.example.com/1.png"},{"url":"https://cdn.example.com/2.png"}]`, w.Body.String())
	assert.Equal(t, 1, f.used(t, "user_1"))

	for _, body := range []map[string]any{
		{"prompt": ""},
		{"prompt": "x", "amount": 9},
		{"prompt": "x", "amount": "many"},
		{"prompt": "x", "resolution": "640x480"},
	} {
		w = httptest.NewRecorder()
		f.h.HandleImage(w, newRequest(t, "user_1", "/api/image", body))
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %v", body)
	}
	assert.EqualValues(t, 1, f.media.calls.Load())
}

func TestImageRequest_Defaults(t *testing.T) {
	var r imageRequest
	require.NoError(t, json.Unmarshal([]byte(`{"prompt":"x"}`), &r))
	require.NoError(t, r.validate())
	assert.Equal(t, flexInt(1), r.Amount)
	assert.Equal(t, "512x512", r.Resolution)
}

func TestMusicAndVideo(t *testing.T) {
	f := newFixture(t)
	f.media.urls = []string{"https://cdn.example.com/track.mp3"}

	w := httptest.NewRecorder()
	f.h.HandleMusic(w, newRequest(t, "user_1", "/api/music", map[string]string{"prompt": "piano solo"}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"audio":"https://cdn.example.com/track.mp3"}`, w.Body.String())

	w = httptest.NewRecorder()
	f.h.HandleVideo(w, newRequest(t, "user_1", "/api/video", map[string]string{"prompt": "clownfish"}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `["https://cdn.example.com/track.mp3"]`, w.Body.String())

	assert.Equal(t, 2, f.used(t, "user_1"))
}

func TestMedia_FailureConsumesNothing(t *testing.T) {
	f := newFixture(t)
	f.media.err = errors.New("prediction failed")

	w := httptest.NewRecorder()
	f.h.HandleVideo(w, newRequest(t, "user_1", "/api/video", map[string]string{"prompt": "clownfish"}))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Zero(t, f.used(t, "user_1"))
}

func TestConversationStream(t *testing.T) {
	f := newFixture(t)
	f.chat.chunks = []*provider.Chunk{
		{Delta: "hello"},
		{Delta: " world"},
		{Done: true},
	}
	w := httptest.NewRecorder()

	f.h.HandleConversationStream(w, newRequest(t, "user_1", "/api/conversation/stream", hello))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, `data: {"choices":[{"index":0,"delta":{"content":"hello"}}]}`)
	assert.Contains(t, body, `data: {"choices":[{"index":0,"delta":{"content":" world"}}]}`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Equal(t, 1, f.used(t, "user_1"))
}

func TestConversationStream_ErrorConsumesNothing(t *testing.T) {
	f := newFixture(t)
	f.chat.chunks = []*provider.Chunk{
		{Delta: "partial"},
		{Err: errors.New("connection reset")},
	}
	w := httptest.NewRecorder()

	f.h.HandleConversationStream(w, newRequest(t, "user_1", "/api/conversation/stream", hello))

	assert.Contains(t, w.Body.String(), "event: error")
	assert.NotContains(t, w.Body.String(), "[DONE]")
	assert.Zero(t, f.used(t, "user_1"))
}

func TestConversationStream_TruncatedUpstreamConsumesNothing(t *testing.T) {
	f := newFixture(t)
	f.chat.chunks = []*provider.Chunk{
		{Delta: "Once upon"},
		{Delta: " a time"},
		{Err: fmt.Errorf("openai stream: %w", io.ErrUnexpectedEOF)},
	}
	w := httptest.NewRecorder()

	f.h.HandleConversationStream(w, newRequest(t, "user_1", "/api/conversation/stream", hello))

	body := w.Body.String()
	assert.Contains(t, body, `"content":" a time"`)
	assert.Contains(t, body, "event: error")
	assert.NotContains(t, body, "[DONE]")
	assert.Zero(t, f.used(t, "user_1"))
}

func TestConversationStream_QuotaExhausted(t *testing.T) {
	f := newFixture(t)
	f.usage.Seed("user_1", quota.DefaultFreeLimit)
	w := httptest.NewRecorder()

	f.h.HandleConversationStream(w, newRequest(t, "user_1", "/api/conversation/stream", hello))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, f.chat.calls.Load())
}

func TestUsage(t *testing.T) {
	f := newFixture(t)
	f.usage.Seed("user_1", 2)

	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), "user_1"))
	w := httptest.NewRecorder()
	f.h.HandleUsage(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var status gate.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Entitled)
	assert.Equal(t, 2, status.Used)
	assert.Equal(t, quota.DefaultFreeLimit, status.Limit)
	assert.Equal(t, quota.DefaultFreeLimit-2, status.Remaining)

	f.subs.SetError(errors.New("connection refused"))
	w = httptest.NewRecorder()
	f.h.HandleUsage(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.history.LogGeneration(ctx, &billing.GenerationLog{UserID: "user_1", Capability: "image"}))
	require.NoError(t, f.history.LogGeneration(ctx, &billing.GenerationLog{UserID: "user_1", Capability: "code"}))
	require.NoError(t, f.history.LogGeneration(ctx, &billing.GenerationLog{UserID: "user_2", Capability: "code"}))

	get := func(query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/usage/history"+query, nil)
		req = req.WithContext(auth.WithUserID(req.Context(), "user_1"))
		w := httptest.NewRecorder()
		f.h.HandleHistory(w, req)
		return w
	}

	w := get("")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Total        int                      `json:"total"`
		ByCapability map[string]int           `json:"by_capability"`
		Logs         []*billing.GenerationLog `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, map[string]int{"image": 1, "code": 1}, resp.ByCapability)

	assert.Equal(t, http.StatusBadRequest, get("?from=not-a-date").Code)
	assert.Equal(t, http.StatusBadRequest, get("?from=2026-05-02T00:00:00Z&to=2026-05-01T00:00:00Z").Code)
}
