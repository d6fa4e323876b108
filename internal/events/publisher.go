package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"qatrack/pkg/logger"
)

// Publisher delivers attachment lifecycle events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type channelPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
}

// RedisPublisher fans envelopes out on the project channel.
type RedisPublisher struct {
	pub channelPublisher
}

func NewRedisPublisher(pub channelPublisher) *RedisPublisher {
	return &RedisPublisher{pub: pub}
}

func (p *RedisPublisher) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	channel := ChannelFor(env.ProjectID)
	receivers, err := p.pub.Publish(ctx, channel, data)
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.EventType, err)
	}
	logger.WithContext(ctx).Debug("event published",
		zap.String("event_type", env.EventType),
		zap.String("channel", channel),
		zap.Int64("receivers", receivers),
	)
	return nil
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Envelope) error { return nil }
