package board

import (
	"context"
	"errors"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"crm-activities/domain"
)

// RedisNotifier publishes notifications as JSON on a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier returns a notifier publishing on channel.
func NewRedisNotifier(client *redis.Client, channel string) (*RedisNotifier, error) {
	if client == nil || channel == "" {
		return nil, errors.New("redis client and channel are required")
	}
	return &RedisNotifier{client: client, channel: channel}, nil
}

// Channel returns the channel notifications are published on.
func (n *RedisNotifier) Channel() string { return n.channel }

// Notify publishes one notification.
func (n *RedisNotifier) Notify(ctx context.Context, note domain.Notification) error {
	payload, err := sonic.Marshal(note)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}
