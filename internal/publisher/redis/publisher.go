// Package redis publishes events onto Redis streams.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamClient is the subset of the Redis client used for publishing.
type StreamClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Config controls stream naming and trimming.
type Config struct {
	// StreamPrefix is joined with the topic to name the stream, e.g.
	// "crawler:" + "prices".
	StreamPrefix string
	// MaxLen approximately caps each stream; zero disables trimming.
	MaxLen int64
}

// Publisher writes JSON payloads to Redis streams.
type Publisher struct {
	client StreamClient
	cfg    Config
	now    func() time.Time
}

// New wraps an existing stream client.
func New(client StreamClient, cfg Config) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Publisher{client: client, cfg: cfg, now: time.Now}, nil
}

// Dial connects to addr and returns a Publisher.
func Dial(addr string, cfg Config) (*Publisher, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	return New(redis.NewClient(&redis.Options{Addr: addr}), cfg)
}

// Stream returns the stream name used for topic.
func (p *Publisher) Stream(topic string) string {
	return p.cfg.StreamPrefix + topic
}

// Publish appends payload to the topic's stream and returns the entry ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.Stream(topic),
		Values: map[string]any{
			"data":      string(data),
			"topic":     topic,
			"timestamp": strconv.FormatInt(p.now().UnixNano(), 10),
		},
	}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish to redis: %w", err)
	}
	return id, nil
}

// Close releases the client connection.
func (p *Publisher) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
