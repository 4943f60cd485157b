package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient is a generic REST adapter satisfying ImageGenerator,
// VideoGenerator, and ModelLister against a single provider's JSON API,
// grounded on the teacher's internal/llm OpenAI-style clients (request
// struct marshalled to JSON, bearer auth header, non-2xx mapped to a
// classified error). One HTTPClient instance is registered per
// provider id in internal/provider.Factory at wiring time.
type HTTPClient struct {
	providerID   string
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	capabilities map[Capability]bool
}

type HTTPClientConfig struct {
	ProviderID   string
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	Capabilities []Capability
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	caps := make(map[Capability]bool, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps[c] = true
	}
	return &HTTPClient{
		providerID:   cfg.ProviderID,
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		httpClient:   client,
		capabilities: caps,
	}
}

func (c *HTTPClient) ProviderID() string { return c.providerID }

func (c *HTTPClient) Supports(cap Capability) bool { return c.capabilities[cap] }

type imageGenerationWireRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imageGenerationWireResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json,omitempty"`
		URL     string `json:"url,omitempty"`
	} `json:"data"`
	Usage struct {
		CostUSD float64 `json:"cost_usd"`
	} `json:"usage"`
}

func (c *HTTPClient) GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error) {
	wireReq := imageGenerationWireRequest{
		Model:          req.Model,
		Prompt:         req.Prompt,
		N:              req.Count,
		Size:           req.Size,
		Quality:        req.Quality,
		Style:          req.Style,
		ResponseFormat: req.ResponseFormat,
	}
	var wireResp imageGenerationWireResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/images/generations", wireReq, &wireResp); err != nil {
		return ImageResult{}, err
	}
	artifacts := make([]ImageArtifact, len(wireResp.Data))
	for i, d := range wireResp.Data {
		artifacts[i] = ImageArtifact{InlineBase64: d.B64JSON, URL: d.URL}
	}
	return ImageResult{Artifacts: artifacts, CostUSD: wireResp.Usage.CostUSD}, nil
}

type videoStartWireRequest struct {
	Model           string `json:"model"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Size            string `json:"size,omitempty"`
}

type videoStartWireResponse struct {
	JobID   string `json:"job_id"`
	PollURL string `json:"poll_url"`
}

func (c *HTTPClient) StartVideo(ctx context.Context, req VideoRequest) (VideoHandle, error) {
	wireReq := videoStartWireRequest{Model: req.Model, Prompt: req.Prompt, DurationSeconds: req.DurationSeconds, Size: req.Size}
	var wireResp videoStartWireResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/videos/generations", wireReq, &wireResp); err != nil {
		return VideoHandle{}, err
	}
	return VideoHandle{ProviderJobID: wireResp.JobID, PollURL: wireResp.PollURL}, nil
}

type videoPollWireResponse struct {
	Status  string  `json:"status"`
	URL     string  `json:"url,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
	Error   string  `json:"error,omitempty"`
}

func (c *HTTPClient) PollVideo(ctx context.Context, handle VideoHandle) (VideoStatus, error) {
	path := handle.PollURL
	if path == "" {
		path = "/v1/videos/generations/" + handle.ProviderJobID
	}
	var wireResp videoPollWireResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wireResp); err != nil {
		return VideoStatus{}, err
	}
	return VideoStatus{
		Done:     wireResp.Status == "completed" || wireResp.Status == "failed",
		URL:      wireResp.URL,
		CostUSD:  wireResp.CostUSD,
		ErrorMsg: wireResp.Error,
	}, nil
}

type modelListWireResponse struct {
	Data []struct {
		ID             string `json:"id"`
		SupportsImage  bool   `json:"supports_image_generation"`
		SupportsVideo  bool   `json:"supports_video_generation"`
		SupportsVision bool   `json:"supports_vision"`
	} `json:"data"`
}

func (c *HTTPClient) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	var wireResp modelListWireResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/models", nil, &wireResp); err != nil {
		return nil, err
	}
	out := make([]ModelDescriptor, len(wireResp.Data))
	for i, m := range wireResp.Data {
		out[i] = ModelDescriptor{
			ModelID:                 m.ID,
			SupportsImageGeneration: m.SupportsImage,
			SupportsVideoGeneration: m.SupportsVideo,
			SupportsVision:          m.SupportsVision,
		}
	}
	return out, nil
}

func (c *HTTPClient) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var discard any
	err := c.doJSON(ctx, http.MethodGet, "/v1/models", nil, &discard)
	return time.Since(start), err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(encoded)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider %s: %s %s: status %d", c.providerID, method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
