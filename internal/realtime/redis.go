package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicetalk/internal/logging"
	"github.com/ent0n29/voicetalk/internal/reliability"
)

const defaultChannelPrefix = "voicetalk:conversation:"

// RedisRelay fans frames out across service instances over Redis pub/sub.
// Every instance publishes to the conversation channel and delivers what it
// receives to its local hub, itself included.
type RedisRelay struct {
	rdb    *redis.Client
	hub    *Hub
	prefix string
	log    zerolog.Logger
}

func NewRedisRelay(ctx context.Context, addr string, hub *Hub) (*RedisRelay, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisRelay(rdb, hub, defaultChannelPrefix), nil
}

func newRedisRelay(rdb *redis.Client, hub *Hub, prefix string) *RedisRelay {
	return &RedisRelay{
		rdb:    rdb,
		hub:    hub,
		prefix: prefix,
		log:    logging.Component("redis-relay"),
	}
}

// Publish implements Fanout.
func (r *RedisRelay) Publish(ctx context.Context, conversationID string, payload []byte) error {
	if err := r.rdb.Publish(ctx, r.prefix+conversationID, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run subscribes to every conversation channel and feeds the hub until ctx
// ends. A failed subscription is retried with backoff.
func (r *RedisRelay) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := r.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		wait := reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 10*time.Second)
		r.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("redis subscription lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context) error {
	ps := r.rdb.PSubscribe(ctx, r.prefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	r.log.Info().Str("pattern", r.prefix+"*").Msg("redis relay subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis channel closed")
			}
			conversationID := strings.TrimPrefix(msg.Channel, r.prefix)
			r.hub.DeliverOrdered(conversationID, []byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
