// Package nats publishes scan events on NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
)

// Publisher writes JSON payloads to "<prefix>.<topic>" subjects.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// New wraps an established connection.
func New(nc *nats.Conn, prefix string) *Publisher {
	return &Publisher{nc: nc, prefix: prefix}
}

// Connect dials url and returns a Publisher owning the connection.
func Connect(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("a11y-scanner"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return New(nc, prefix), nil
}

// Subject maps an event topic to its NATS subject.
func (p *Publisher) Subject(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// Publish sends payload and returns the message ID stored in the Nats-Msg-Id header.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id := nuid.Next()
	msg := nats.NewMsg(p.Subject(topic))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, id)
	if err := p.nc.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	return id, nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
