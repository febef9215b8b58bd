// Package memory keeps run-finished events in process. It backs local runs
// without Pub/Sub and lets tests assert on what the orchestrator announced.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/product-automation/internal/automation"
)

// Message is one accepted publish.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher implements orchestrator.EventPublisher.
type Publisher struct {
	mu       sync.Mutex
	seq      int
	messages []Message
	failures []error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailNext makes the next len(errs) publishes return those errors in order.
// Failed publishes are not recorded.
func (p *Publisher) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

// Publish records payload under topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

// Summaries returns the run summaries published to topic, or to any topic
// when topic is empty.
func (p *Publisher) Summaries(topic ...string) []automation.RunSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []automation.RunSummary
	for _, m := range p.messages {
		if len(topic) > 0 && topic[0] != "" && m.Topic != topic[0] {
			continue
		}
		switch s := m.Payload.(type) {
		case automation.RunSummary:
			out = append(out, s)
		case *automation.RunSummary:
			out = append(out, *s)
		}
	}
	return out
}

// Summary returns the last summary published for runID.
func (p *Publisher) Summary(runID string) (automation.RunSummary, bool) {
	all := p.Summaries()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].RunID == runID {
			return all[i], true
		}
	}
	return automation.RunSummary{}, false
}
