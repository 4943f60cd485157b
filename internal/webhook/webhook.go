// Package webhook delivers the WebhookDeliveryRequested event payload to
// a caller-supplied URL. Ported near-verbatim from the teacher's
// internal/notification WebhookChannel (NewWebhookChannel, WithTimeout,
// WithHeaders, JSON POST, non-2xx -> error), narrowed from a generic
// notification channel to the two completion-payload shapes spec.md §6
// defines.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Status mirrors spec.md §6's webhook status enum.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
)

// ImagePayload is ImageCompletionWebhookPayload from spec.md §6.
type ImagePayload struct {
	TaskID           string   `json:"task_id"`
	Status           Status   `json:"status"`
	ImageURLs        []string `json:"image_urls,omitempty"`
	ImagesGenerated  int      `json:"images_generated"`
	ImagesRequested  int      `json:"images_requested"`
	DurationSeconds  float64  `json:"duration_seconds"`
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	Size             string   `json:"size"`
	ResponseFormat   string   `json:"response_format"`
	Error            string   `json:"error,omitempty"`
	ErrorCode        string   `json:"error_code,omitempty"`
}

// VideoPayload is VideoCompletionWebhookPayload from spec.md §6.
type VideoPayload struct {
	TaskID          string  `json:"task_id"`
	Status          Status  `json:"status"`
	VideoURL        string  `json:"video_url,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Model           string  `json:"model"`
	Prompt          string  `json:"prompt"`
	Size            string  `json:"size"`
	Error           string  `json:"error,omitempty"`
	ErrorCode       string  `json:"error_code,omitempty"`
}

// Option configures a Sender.
type Option func(*Sender)

func WithTimeout(d time.Duration) Option {
	return func(s *Sender) { s.client.Timeout = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

// Sender POSTs a JSON payload to a webhook URL with custom headers.
type Sender struct {
	client *http.Client
}

func NewSender(opts ...Option) *Sender {
	s := &Sender{client: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver POSTs payload (any of ImagePayload/VideoPayload) to url with
// headers merged on top of Content-Type: application/json. A non-2xx
// response is returned as an error whose message embeds the status
// code, matching the teacher's classification-friendly error shape.
func (s *Sender) Deliver(ctx context.Context, url string, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook delivery returned status %d", resp.StatusCode)
	}
	return nil
}
