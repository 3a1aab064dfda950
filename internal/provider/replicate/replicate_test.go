package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/promptdeck/internal/provider"
)

// predictionServer answers "starting" to the create call, "processing" to the
// first poll and then the final status.
func predictionServer(t *testing.T, wantVersion, final, output string) (*httptest.Server, *int32) {
	t.Helper()
	var polls int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/predictions":
			var body predictionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, wantVersion, body.Version)
			fmt.Fprintf(w, `{"id":"p1","status":"starting","urls":{"get":"%s/predictions/p1"}}`, server.URL)
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/p1":
			if atomic.AddInt32(&polls, 1) == 1 {
				fmt.Fprint(w, `{"id":"p1","status":"processing"}`)
				return
			}
			fmt.Fprintf(w, `{"id":"p1","status":%q,"output":%s,"error":null}`, final, output)
		default:
			http.NotFound(w, r)
		}
	}))
	return server, &polls
}

func newTestProvider(url string) *ReplicateProvider {
	return &ReplicateProvider{apiToken: "test-token", baseURL: url, pollInterval: time.Millisecond}
}

func TestGenerateMusic(t *testing.T) {
	server, polls := predictionServer(t, MusicVersion, "succeeded", `{"audio":"https://cdn/a.wav","spectrogram":"https://cdn/s.jpg"}`)
	defer server.Close()

	resp, err := newTestProvider(server.URL).GenerateMusic(context.Background(), &provider.MediaRequest{Prompt: "piano solo"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/a.wav"}, resp.URLs)
	assert.Equal(t, "replicate", resp.Provider)
	assert.Equal(t, int32(2), atomic.LoadInt32(polls))
}

func TestGenerateVideo(t *testing.T) {
	server, _ := predictionServer(t, VideoVersion, "succeeded", `["https://cdn/v.mp4"]`)
	defer server.Close()

	resp, err := newTestProvider(server.URL).GenerateVideo(context.Background(), &provider.MediaRequest{Prompt: "clown fish"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/v.mp4"}, resp.URLs)
}

func TestGenerateVideo_Failed(t *testing.T) {
	server, _ := predictionServer(t, VideoVersion, "failed", `null`)
	defer server.Close()

	_, err := newTestProvider(server.URL).GenerateVideo(context.Background(), &provider.MediaRequest{Prompt: "x"})
	assert.ErrorContains(t, err, "failed")
}

func TestRun_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"p1","status":"processing"}`)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestProvider(server.URL).GenerateMusic(ctx, &provider.MediaRequest{Prompt: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
