// Package pubsub publishes scan events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
)

// Publisher sends JSON payloads to one Pub/Sub topic per event type.
type Publisher struct {
	client *pubsub.Client
	prefix string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Publisher. Event topics such as "scan.succeeded" map to Pub/Sub topic IDs
// like "<prefix>-scan-succeeded"; an empty prefix leaves just the event part.
func New(client *pubsub.Client, prefix string) *Publisher {
	return &Publisher{client: client, prefix: prefix, topics: make(map[string]*pubsub.Topic)}
}

// TopicID returns the Pub/Sub topic ID used for an event topic.
func (p *Publisher) TopicID(topic string) string {
	id := strings.ReplaceAll(topic, ".", "-")
	if p.prefix == "" {
		return id
	}
	return p.prefix + "-" + id
}

// Publish marshals payload to JSON and waits for the server to acknowledge it.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"event": topic},
	}
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes pending messages of every topic handle.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
}

func (p *Publisher) topic(topic string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[topic]
	if !ok {
		t = p.client.Topic(p.TopicID(topic))
		p.topics[topic] = t
	}
	return t
}
