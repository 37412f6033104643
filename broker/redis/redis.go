// Package redis is a broker.Broker on Redis Streams, shared by every node
// connected to the same Redis. Each topic is one stream capped at
// Config.MaxLen entries; subscribers read without a consumer group so that
// every node sees every message.
package redis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ggoodman/policyhost/broker"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix prefixes stream keys when Config.KeyPrefix is empty.
	DefaultKeyPrefix = "policyhost:broker:"
	// DefaultMaxLen caps each stream when Config.MaxLen is zero.
	DefaultMaxLen = 1000

	payloadField = "p"
	readCount    = 32
)

var streamID = regexp.MustCompile(`^\d+-\d+$`)

// Config configures a Broker.
type Config struct {
	// Client is owned by the caller; the Broker never closes it.
	Client    redis.UniversalClient
	KeyPrefix string
	MaxLen    int64
	// Block bounds each blocking read so cancellation is observed.
	// Default: one second.
	Block time.Duration
}

// Broker implements broker.Broker.
type Broker struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
	block  time.Duration
}

// New returns a Broker using cfg.Client.
func New(cfg Config) (*Broker, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis broker: client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	return &Broker{client: cfg.Client, prefix: cfg.KeyPrefix, maxLen: cfg.MaxLen, block: cfg.Block}, nil
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(topic),
		MaxLen: b.maxLen,
		Values: []any{payloadField, payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis broker: publish to %s: %w", topic, err)
	}
	return id, nil
}

func (b *Broker) Subscribe(ctx context.Context, topic, after string, fn broker.Handler) error {
	key := b.stream(topic)
	pos, err := b.position(ctx, key, after)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, pos},
			Count:   readCount,
			Block:   b.block,
		}).Result()
		switch {
		case errDone(ctx) != nil:
			return errDone(ctx)
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			return fmt.Errorf("redis broker: read %s: %w", topic, err)
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				pos = m.ID
				payload, ok := m.Values[payloadField].(string)
				if !ok {
					continue
				}
				if err := fn(ctx, broker.Message{ID: m.ID, Payload: []byte(payload)}); err != nil {
					return err
				}
			}
		}
	}
}

// position resolves where a subscription starts reading. XREAD returns
// entries strictly after the returned ID.
func (b *Broker) position(ctx context.Context, key, after string) (string, error) {
	if after == "" {
		last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("redis broker: read head of %s: %w", key, err)
		}
		if len(last) == 0 {
			return "0-0", nil
		}
		return last[0].ID, nil
	}
	if !streamID.MatchString(after) {
		return "", fmt.Errorf("%w: %s", broker.ErrHistoryGap, after)
	}
	hit, err := b.client.XRangeN(ctx, key, after, after, 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redis broker: look up %s in %s: %w", after, key, err)
	}
	if len(hit) == 0 {
		return "", fmt.Errorf("%w: %s", broker.ErrHistoryGap, after)
	}
	return after, nil
}

// Purge deletes the stream of topic.
func (b *Broker) Purge(ctx context.Context, topic string) error {
	if err := b.client.Del(ctx, b.stream(topic)).Err(); err != nil {
		return fmt.Errorf("redis broker: purge %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) stream(topic string) string { return b.prefix + topic }

// errDone treats a passed deadline as done even when the blocking read
// timed out before the context's own timer fired.
func errDone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return nil
}

var _ broker.Broker = (*Broker)(nil)
