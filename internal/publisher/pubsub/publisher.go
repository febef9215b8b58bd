// Package pubsub publishes run notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/product-automation/internal/automation"
)

// Attribute keys set on run summary messages.
const (
	AttrEvent     = "event"
	AttrRunID     = "run_id"
	AttrStatus    = "status"
	AttrPublished = "published"
	AttrFailed    = "failed"

	eventRunFinished = "run_finished"
)

// Publisher implements automation.EventPublisher over a Pub/Sub topic. The
// topic is fixed by the wrapped client publisher.
type Publisher struct {
	topic *pubsub.Publisher
}

// New wraps a topic publisher.
func New(topic *pubsub.Publisher) *Publisher {
	return &Publisher{topic: topic}
}

// Publish sends payload as JSON and blocks until the server acknowledges it.
// Run summaries also carry filterable attributes; every message carries the
// caller's trace context.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.topic == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	attrs := propagation.MapCarrier{}
	if summary, ok := asSummary(payload); ok {
		attrs[AttrEvent] = eventRunFinished
		attrs[AttrRunID] = summary.RunID
		attrs[AttrStatus] = string(summary.Status)
		attrs[AttrPublished] = strconv.Itoa(summary.Counts.Published)
		attrs[AttrFailed] = strconv.Itoa(summary.Counts.Failed)
	}
	otel.GetTextMapPropagator().Inject(ctx, attrs)

	id, err := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func asSummary(payload any) (automation.RunSummary, bool) {
	switch s := payload.(type) {
	case automation.RunSummary:
		return s, true
	case *automation.RunSummary:
		if s != nil {
			return *s, true
		}
	}
	return automation.RunSummary{}, false
}
