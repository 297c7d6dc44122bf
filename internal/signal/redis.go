package signal

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDispatcher publishes signals to a Redis pub/sub channel for external
// consumers (alerting, dashboards). Publish errors are logged and discarded.
type RedisDispatcher struct {
	rdb     *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisDispatcher creates a dispatcher publishing to the given channel.
func NewRedisDispatcher(rdb *redis.Client, channel string) *RedisDispatcher {
	return &RedisDispatcher{
		rdb:     rdb,
		channel: channel,
		timeout: 5 * time.Second,
	}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, sig Signal) {
	data, err := json.Marshal(sig)
	if err != nil {
		slog.Error("signal marshal failed", "type", string(sig.Type), "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.rdb.Publish(ctx, d.channel, data).Err(); err != nil {
		slog.Error("signal publish failed",
			"channel", d.channel,
			"type", string(sig.Type),
			"err", err,
		)
	}
}
