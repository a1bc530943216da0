// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// AllTenants subscribes a handler to a topic for every tenant.
// It is only valid for Subscribe; messages are always published for one tenant.
const AllTenants = "*"

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON encodes v and publishes it.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// Decode unmarshals a message payload into T.
func Decode[T any](msg *domain.Message) (*T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", msg.Topic, err)
	}
	return &v, nil
}

// checkTenant rejects tenant IDs that cannot form a single subject token.
func checkTenant(tenantID string, subscribe bool) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if tenantID == AllTenants {
		if subscribe {
			return nil
		}
		return fmt.Errorf("cannot publish to all tenants")
	}
	if strings.ContainsAny(tenantID, ".*> \t") {
		return fmt.Errorf("invalid tenantID %q", tenantID)
	}
	return nil
}

func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}
