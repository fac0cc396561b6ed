// Package memory holds an in-process publisher used when no Pub/Sub project
// is configured and by tests that assert on published payloads.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/localscope/prospector/internal/crawl"
)

// PublishedMessage is one recorded publish call. ID matches the value the
// corresponding Publish call returned.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher records every publish in order. Single-process runs use it in
// place of Pub/Sub so verified listings and run summaries stay inspectable.
type Publisher struct {
	mu        sync.RWMutex
	seq       int
	published []PublishedMessage
}

var _ crawl.Publisher = (*Publisher)(nil)

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the payload under topic and returns the assigned ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg := PublishedMessage{
		ID:      fmt.Sprintf("memory-%d", p.seq),
		Topic:   topic,
		Payload: payload,
	}
	p.published = append(p.published, msg)
	return msg.ID, nil
}

// Close is a no-op. Recorded messages stay readable after it returns.
func (p *Publisher) Close() error {
	return nil
}

// Messages returns a copy of every recorded publish in publish order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]PublishedMessage(nil), p.published...)
}

// TopicMessages returns the recorded publishes for one topic, in order.
func (p *Publisher) TopicMessages(topic string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []PublishedMessage
	for _, msg := range p.published {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}
