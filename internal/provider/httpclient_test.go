package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPClient_GenerateImageSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.Equal(t, "/v1/images/generations", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"url":"https://cdn.example/a.png"}],"usage":{"cost_usd":0.02}}`))
	}))
	defer server.Close()

	c := NewHTTPClient(HTTPClientConfig{
		ProviderID:   "openai",
		BaseURL:      server.URL,
		APIKey:       "test-key",
		Capabilities: []Capability{CapabilityImageGeneration},
	})
	require.True(t, c.Supports(CapabilityImageGeneration))
	require.False(t, c.Supports(CapabilityVideoGeneration))

	res, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "a cat", Model: "gpt-image-1", Count: 1})
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)
	require.Equal(t, "https://cdn.example/a.png", res.Artifacts[0].URL)
	require.InDelta(t, 0.02, res.CostUSD, 0.0001)
}

func TestHTTPClient_NonSuccessStatusReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewHTTPClient(HTTPClientConfig{ProviderID: "openai", BaseURL: server.URL})
	_, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "a cat"})
	require.Error(t, err)
}

func TestHTTPClient_PollVideoDoneOnTerminalStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"completed","url":"https://cdn.example/v.mp4"}`))
	}))
	defer server.Close()

	c := NewHTTPClient(HTTPClientConfig{ProviderID: "runway", BaseURL: server.URL})
	status, err := c.PollVideo(context.Background(), VideoHandle{ProviderJobID: "job-1"})
	require.NoError(t, err)
	require.True(t, status.Done)
	require.Equal(t, "https://cdn.example/v.mp4", status.URL)
}
