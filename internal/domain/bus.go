package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (workshop) or NATS (fleet).
// All methods take a vehicleID for per-vehicle isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, vehicleID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, vehicleID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, vehicleID string, topic string, payload []byte) ([]byte, error)

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
	VehicleID string            `json:"vehicleId"`
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
	Type string

	// Channel settings (workshop profile)
	ChannelBufferSize int

	// NATS settings (fleet profile)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names for the scan pipeline.
const (
	TopicScanRequested     = "busrecon.scan.requested"
	TopicScanCompleted     = "busrecon.scan.completed"
	TopicConflictAlert     = "busrecon.conflict.alert"
	TopicDetectionFeedback = "busrecon.detection.feedback"
)
