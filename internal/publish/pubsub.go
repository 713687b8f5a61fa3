// Package publish provides message-bus publishers for outcome events.
package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// PubSubPublisher publishes JSON payloads to Google Cloud Pub/Sub topics.
type PubSubPublisher struct {
	client *pubsub.Client
}

// NewPubSubPublisher wraps an existing Pub/Sub client.
func NewPubSubPublisher(client *pubsub.Client) (*PubSubPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	return &PubSubPublisher{client: client}, nil
}

// Publish marshals the payload to JSON and publishes it, returning the
// server-assigned message id.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	result := p.client.Topic(topic).Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close releases the underlying client.
func (p *PubSubPublisher) Close() error {
	return p.client.Close()
}
