package bus

import "time"

// Topic names for the event contract in spec.md §6.
const (
	TopicGenerationRequested        = "GenerationRequested"
	TopicGenerationCancelled        = "GenerationCancelled"
	TopicGenerationStarted          = "GenerationStarted"
	TopicGenerationProgress         = "GenerationProgress"
	TopicGenerationCompleted        = "GenerationCompleted"
	TopicGenerationFailed           = "GenerationFailed"
	TopicMediaGenerationCompleted   = "MediaGenerationCompleted"
	TopicWebhookDeliveryRequested   = "WebhookDeliveryRequested"
	TopicSpendUpdateRequested       = "SpendUpdateRequested"
	TopicProviderHealthChanged      = "ProviderHealthChanged"
	TopicModelCapabilitiesDiscovered = "ModelCapabilitiesDiscovered"
	TopicEntityChanged              = "EntityChanged"
)

type GenerationRequested struct {
	TaskID               string            `json:"task_id"`
	Prompt               string            `json:"prompt"`
	ModelAlias           string            `json:"model_alias"`
	Count                int               `json:"count"`
	Size                 string            `json:"size"`
	Quality              string            `json:"quality,omitempty"`
	Style                string            `json:"style,omitempty"`
	ResponseFormat       string            `json:"response_format"`
	CallerCredentialHash string            `json:"caller_credential_hash"`
	CallerCredentialID   int64             `json:"caller_credential_id"`
	WebhookURL           string            `json:"webhook_url,omitempty"`
	WebhookHeaders       map[string]string `json:"webhook_headers,omitempty"`
	CorrelationID        string            `json:"correlation_id"`
}

type GenerationCancelled struct {
	TaskID        string `json:"task_id"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

type GenerationStarted struct {
	TaskID          string    `json:"task_id"`
	ProviderID      string    `json:"provider_id"`
	StartedAt       time.Time `json:"started_at"`
	EstimatedSeconds int      `json:"estimated_seconds"`
	CorrelationID   string    `json:"correlation_id"`
}

type GenerationProgress struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	Completed     int    `json:"completed"`
	Total         int    `json:"total"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

type GenerationCompleted struct {
	TaskID             string        `json:"task_id"`
	CallerCredentialID int64         `json:"caller_credential_id"`
	Artifacts          []ArtifactRef `json:"artifacts"`
	DurationMS         int64         `json:"duration_ms"`
	Cost               float64       `json:"cost"`
	ProviderID         string        `json:"provider_id"`
	Model              string        `json:"model"`
	CorrelationID      string        `json:"correlation_id"`
}

type ArtifactRef struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Index       int    `json:"index"`
}

type GenerationFailed struct {
	TaskID        string     `json:"task_id"`
	Error         string     `json:"error"`
	ErrorCode     string     `json:"error_code"`
	IsRetryable   bool       `json:"is_retryable"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	FailedAt      time.Time  `json:"failed_at"`
	CorrelationID string     `json:"correlation_id"`
}

type MediaGenerationCompleted struct {
	MediaType          string            `json:"media_type"`
	CallerCredentialID int64             `json:"caller_credential_id"`
	URL                string            `json:"url"`
	StorageKey         string            `json:"storage_key"`
	SizeBytes          int64             `json:"size_bytes"`
	ContentType        string            `json:"content_type"`
	Model              string            `json:"model"`
	Prompt             string            `json:"prompt"`
	GeneratedAt        time.Time         `json:"generated_at"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CorrelationID      string            `json:"correlation_id"`
}

type WebhookDeliveryRequested struct {
	TaskID        string            `json:"task_id"`
	TaskType      string            `json:"task_type"`
	URL           string            `json:"url"`
	EventType     string            `json:"event_type"`
	PayloadJSON   string            `json:"payload_json"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlation_id"`
}

type SpendUpdateRequested struct {
	CallerCredentialID int64   `json:"caller_credential_id"`
	Amount             float64 `json:"amount"`
	RequestID          string  `json:"request_id"`
	CorrelationID      string  `json:"correlation_id"`
}

type ProviderHealthChanged struct {
	ProviderID    string `json:"provider_id"`
	IsHealthy     bool   `json:"is_healthy"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type ModelCapabilitiesDiscovered struct {
	ProviderID          string         `json:"provider_id"`
	CapabilitiesPerModel map[string]any `json:"capabilities_per_model"`
	DiscoveredAt        time.Time      `json:"discovered_at"`
	CorrelationID       string         `json:"correlation_id,omitempty"`
}

type EntityChanged struct {
	CacheFamily string    `json:"cache_family"`
	EntityID    string    `json:"entity_id"`
	Priority    string    `json:"priority"`
	Reason      string    `json:"reason,omitempty"`
	QueuedAt    time.Time `json:"queued_at"`
}
