package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// publisher is the slice of *redis.Client the Redis transport needs.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisTransport publishes notifications as JSON over Redis pub/sub.
type RedisTransport struct {
	client publisher
	prefix string
}

// NewRedisTransport creates a transport publishing on channels under prefix.
func NewRedisTransport(client publisher, prefix string) *RedisTransport {
	if prefix == "" {
		prefix = "visits"
	}
	return &RedisTransport{client: client, prefix: prefix}
}

// Deliver publishes n on every channel it belongs to.
func (t *RedisTransport) Deliver(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	for _, ch := range Channels(t.prefix, n) {
		if err := t.client.Publish(ctx, ch, data).Err(); err != nil {
			return fmt.Errorf("publish to %s: %w", ch, err)
		}
	}
	return nil
}

// NewRedisClient connects to the Redis server at url and verifies it answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// LogTransport writes notifications to the process log. It is used when no
// Redis server is configured.
type LogTransport struct {
	logger zerolog.Logger
}

func NewLogTransport(logger zerolog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Deliver(_ context.Context, n *Notification) error {
	t.logger.Info().
		Str("notification_id", n.ID).
		Str("event", string(n.Event)).
		Str("recipient_id", n.RecipientID).
		Str("branch_id", n.BranchID).
		Str("visit_number", n.VisitNumber).
		Str("stage", n.Stage).
		Msg(n.Subject)
	return nil
}

// MultiTransport delivers to every transport in order. All are tried even
// when one fails; the failures are joined.
type MultiTransport []Transport

func (m MultiTransport) Deliver(ctx context.Context, n *Notification) error {
	var errs []error
	for _, t := range m {
		if err := t.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
