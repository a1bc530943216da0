package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `koanf:"type" json:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `koanf:"channel_buffer_size" json:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `koanf:"nats_url" json:"natsUrl"`
	NATSToken         string `koanf:"nats_token" json:"-"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects" json:"natsMaxReconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait" json:"natsReconnectWait"` // seconds

	// NATSQueueGroup load-balances all-tenant subscriptions across instances.
	NATSQueueGroup string `koanf:"nats_queue_group" json:"natsQueueGroup"`
}

// Standard topic names for the scoring pipeline.
const (
	TopicBatchSubmitted    = "kestrel.batch.submitted"
	TopicAnalysisCompleted = "kestrel.analysis.completed"
	TopicAnalysisFailed    = "kestrel.analysis.failed"
	TopicModelTrained      = "kestrel.model.trained"
	TopicAlert             = "kestrel.alert"
)

// BatchSubmittedEvent is published when a batch is queued for async scoring.
type BatchSubmittedEvent struct {
	BatchID  string `json:"batchId"`
	TenantID string `json:"tenantId"`
	TraceID  string `json:"traceId,omitempty"`
}

// AnalysisCompletedEvent summarises a finished analysis.
type AnalysisCompletedEvent struct {
	AnalysisID    string  `json:"analysisId"`
	BatchID       string  `json:"batchId,omitempty"`
	TenantID      string  `json:"tenantId"`
	ModelVersion  string  `json:"modelVersion"`
	Total         int     `json:"total"`
	FraudDetected int     `json:"fraudDetected"`
	FraudRate     float64 `json:"fraudRate"`
	HighRisk      int     `json:"highRisk"`
}

// AnalysisFailedEvent reports an async batch that could not be scored.
type AnalysisFailedEvent struct {
	BatchID  string `json:"batchId"`
	TenantID string `json:"tenantId"`
	Error    string `json:"error"`
}

// ModelTrainedEvent announces a newly activated model artifact.
type ModelTrainedEvent struct {
	ModelID      string  `json:"modelId"`
	Version      string  `json:"version"`
	TrainingRows int     `json:"trainingRows"`
	Threshold    float64 `json:"threshold"`
}
