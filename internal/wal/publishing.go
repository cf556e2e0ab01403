package wal

import (
	"context"

	"go.uber.org/zap"
)

// PublishingLog decorates a Log and forwards every appended event to a set of
// publishers (NATS, in-process subscribers, metrics).
//
// The inner log is the source of truth: a publish failure is logged and never
// fails the append.
type PublishingLog struct {
	Log
	publishers []Publisher
	logger     *zap.Logger
}

// NewPublishingLog wraps inner. A nil logger is replaced with a no-op logger.
func NewPublishingLog(inner Log, logger *zap.Logger, publishers ...Publisher) *PublishingLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishingLog{Log: inner, publishers: publishers, logger: logger}
}

// Append appends to the inner log then publishes the stored event.
func (p *PublishingLog) Append(ctx context.Context, e Event) (Event, error) {
	stored, err := p.Log.Append(ctx, e)
	if err != nil {
		return Event{}, err
	}
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, stored); err != nil {
			p.logger.Warn("wal publish failed",
				zap.String("tenant_id", stored.TenantID),
				zap.String("event_type", string(stored.Type)),
				zap.Int64("seq", stored.Sequence),
				zap.Error(err),
			)
		}
	}
	return stored, nil
}
