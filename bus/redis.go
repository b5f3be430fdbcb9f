package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"eventcore/domain"
)

// DefaultChannel is the pub/sub channel events travel on.
const DefaultChannel = "events"

// RedisTransport publishes events on a Redis pub/sub channel. Pub/sub keeps
// nothing for absent subscribers, so the subscription is opened up front.
type RedisTransport struct {
	client  *redis.Client
	channel string
	sub     *redis.PubSub
	ch      <-chan *redis.Message
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport pings the server and subscribes to channel.
func NewRedisTransport(ctx context.Context, client *redis.Client, channel string) (*RedisTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: no redis client configured", ErrTransportUnavailable)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", ErrTransportUnavailable, err)
	}
	sub := client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransportUnavailable, channel, err)
	}
	return &RedisTransport{client: client, channel: channel, sub: sub, ch: sub.Channel()}, nil
}

func (r *RedisTransport) Name() string { return "redis" }

func (r *RedisTransport) Publish(ctx context.Context, ev domain.Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *RedisTransport) Next(ctx context.Context, wait time.Duration) (*Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case msg, ok := <-r.ch:
			if !ok {
				return nil, ErrTransportClosed
			}
			ev, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				log.WithError(err).WithField("channel", msg.Channel).Error("dropping undecodable message")
				continue
			}
			return &Delivery{Event: ev}, nil
		}
	}
}

// Backlog counts messages buffered by the subscription but not yet read.
func (r *RedisTransport) Backlog(ctx context.Context) int { return len(r.ch) }

func (r *RedisTransport) Close() error {
	err := r.sub.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
