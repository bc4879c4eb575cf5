package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes events on Redis pub/sub channels. Subscribing
// transports (websocket fan-out and the like) live outside this core.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedis builds a notifier publishing under the given channel prefix.
func NewRedis(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "classattend:"
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

// Publish marshals the payload and publishes it on prefix+topic.
func (n *RedisNotifier) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.prefix+topic, data).Err()
}
