package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish sends payload on channel and reports how many subscribers received it.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return p.client.Publish(ctx, channel, payload).Result()
}
