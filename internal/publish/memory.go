package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// MemoryPublisher records published payloads in process memory. Used in
// tests and in deployments without a message bus configured.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	nextID   int
}

// NewMemoryPublisher constructs an empty publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{messages: make(map[string][][]byte)}
}

// Publish marshals the payload and appends it to the topic's message list.
func (p *MemoryPublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[topic] = append(p.messages[topic], data)
	p.nextID++
	return strconv.Itoa(p.nextID), nil
}

// Messages returns the payloads published to a topic, in order.
func (p *MemoryPublisher) Messages(topic string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.messages[topic]))
	copy(out, p.messages[topic])
	return out
}
