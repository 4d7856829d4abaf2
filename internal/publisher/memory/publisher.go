// Package memory records completion messages in process. The service and CLI
// fall back to it when no Pub/Sub topic is configured.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one recorded publish. Data holds the JSON encoding a Pub/Sub
// subscriber would have received.
type Message struct {
	ID      string
	Topic   string
	Payload any
	Data    []byte
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithCapacity keeps only the most recent n messages. Zero keeps everything.
func WithCapacity(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// Publisher keeps published messages for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	capacity int
	seq      int
}

// New returns an empty Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish encodes payload the way the Pub/Sub publisher does and records it.
// IDs are sequential and never reused, even after older messages are evicted.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg := Message{
		ID:      fmt.Sprintf("memory-%d", p.seq),
		Topic:   topic,
		Payload: payload,
		Data:    data,
	}
	p.messages = append(p.messages, msg)
	if p.capacity > 0 && len(p.messages) > p.capacity {
		p.messages = append([]Message(nil), p.messages[len(p.messages)-p.capacity:]...)
	}
	return msg.ID, nil
}

// Messages returns a copy of the retained messages, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Topic returns the retained messages published to topic, oldest first.
func (p *Publisher) Topic(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Message
	for _, msg := range p.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}
