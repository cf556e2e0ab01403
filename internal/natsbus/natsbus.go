// Package natsbus publishes appended WAL events to NATS.
//
// Events are published to:
//
//	{prefix}.{tenant_id}.{event_type}
//
// with the event id in the Nats-Msg-Id header so JetStream streams can
// de-duplicate redeliveries.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/roach88/govexec/internal/wal"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "govexec.wal"

// Publisher implements wal.Publisher on a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// NewPublisher wraps an open connection.
func NewPublisher(nc *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{nc: nc, prefix: prefix}
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("govexec"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewPublisher(nc, prefix), nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}

// Subject returns the subject for an event.
func (p *Publisher) Subject(e wal.Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, token(e.TenantID), token(string(e.Type)))
}

// TenantSubject returns a wildcard subject matching every event of a tenant.
func (p *Publisher) TenantSubject(tenantID string) string {
	return fmt.Sprintf("%s.%s.>", p.prefix, token(tenantID))
}

// Publish sends e as JSON.
func (p *Publisher) Publish(ctx context.Context, e wal.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(p.Subject(e))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, e.EventID)
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe delivers every event of tenantID to fn until the returned
// subscription is unsubscribed. Undecodable messages are skipped.
func (p *Publisher) Subscribe(tenantID string, fn func(wal.Event)) (*nats.Subscription, error) {
	return p.nc.Subscribe(p.TenantSubject(tenantID), func(m *nats.Msg) {
		var e wal.Event
		if err := json.Unmarshal(m.Data, &e); err != nil {
			return
		}
		fn(e)
	})
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
