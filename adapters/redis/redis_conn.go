package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	berr "github.com/next-trace/scg-banker/contract/errors"
)

// Config holds the connection and consumer-group settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Group    string
	// Consumer names this instance inside the group. Defaults to a random name.
	Consumer string
}

// NewWithRedis connects to Redis, verifies the connection and returns a
// StreamsBackend whose Shutdown closes the client.
func NewWithRedis(ctx context.Context, cfg Config, opts ...Option) (*StreamsBackend, error) {
	if cfg.Addr == "" || cfg.Group == "" {
		return nil, fmt.Errorf("redis addr and group required: %w", berr.ErrInvalidConfig)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", errors.Join(berr.ErrInvalidConfig, err))
	}

	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "banker-" + uuid.NewString()
	}

	closer := func() { _ = client.Close() }
	opts = append([]Option{WithCloser(closer)}, opts...)

	return NewStreamsBackend(client, cfg.Group, consumer, opts...), nil
}
