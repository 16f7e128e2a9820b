// Package memory keeps job events in process memory. It stands in for Pub/Sub
// when no project is configured and in tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// PublishedMessage is one accepted publish. Data holds the JSON that Pub/Sub
// would have received.
type PublishedMessage struct {
	ID      string
	Topic   string
	Data    []byte
	Payload any
}

// Publisher records job events in publish order.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes the payload the same way the Pub/Sub publisher does, so a
// payload that cannot be sent there fails here too.
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
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Data: data, Payload: payload})
	return id, nil
}

// Messages returns a copy of every recorded publish.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events decodes the job events published for one job, oldest first.
func (p *Publisher) Events(jobID string) ([]crawler.JobEvent, error) {
	var out []crawler.JobEvent
	for _, m := range p.Messages() {
		var ev crawler.JobEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", m.ID, err)
		}
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}
