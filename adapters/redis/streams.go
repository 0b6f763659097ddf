// Package redis provides a Redis Streams backend for the banker buses.
// Each topic is one stream; consumption goes through a consumer group and
// entries are acknowledged only after their handler succeeded, so failures
// stay pending for inspection or claiming.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/next-trace/scg-banker/adapters/internal/runloop"
	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
)

const (
	defaultStreamPrefix = "banker:stream:"
	defaultBlock        = time.Second
	readCount           = 10
	retryDelay          = time.Second

	fieldData     = "data"
	fieldKey      = "key"
	headerPrefix  = "h:"
	busyGroupText = "BUSYGROUP"
)

// Client is the subset of *redis.Client the backend needs.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// StreamsBackend implements cbus.Backend using Redis Streams
type StreamsBackend struct {
	client        Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
	prefix        string
	block         time.Duration

	loop  runloop.Loop
	subs  runloop.Subscriptions
	close func()
}

// Option configures a StreamsBackend.
type Option func(*StreamsBackend)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *StreamsBackend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithStreamPrefix sets the prefix prepended to topics to form stream keys.
func WithStreamPrefix(p string) Option {
	return func(b *StreamsBackend) { b.prefix = p }
}

// WithBlock sets how long a single XREADGROUP call blocks.
func WithBlock(d time.Duration) Option {
	return func(b *StreamsBackend) {
		if d > 0 {
			b.block = d
		}
	}
}

// WithCloser registers a release func called once on Shutdown.
func WithCloser(fn func()) Option {
	return func(b *StreamsBackend) { b.close = fn }
}

var _ cbus.Backend = (*StreamsBackend)(nil)

// NewStreamsBackend creates a new Redis Streams backend
func NewStreamsBackend(client Client, consumerGroup, consumerName string, opts ...Option) *StreamsBackend {
	b := &StreamsBackend{
		client:        client,
		logger:        zap.NewNop(),
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
		prefix:        defaultStreamPrefix,
		block:         defaultBlock,
	}

	for _, o := range opts {
		o(b)
	}

	return b
}

// StreamKey returns the Redis stream key for a topic
func (b *StreamsBackend) StreamKey(topic string) string { return b.prefix + topic }

// Publish appends payload to the topic's stream
func (b *StreamsBackend) Publish(ctx context.Context, topic string, payload []byte, opts cbus.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.loop.Open(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}

	values := make(map[string]interface{}, len(opts.Headers)+2)
	values[fieldData] = string(payload)

	if opts.Key != "" {
		values[fieldKey] = opts.Key
	}

	for k, v := range opts.Headers {
		values[headerPrefix+k] = v
	}

	args := &redis.XAddArgs{Stream: b.StreamKey(topic), Values: values}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("redis publish %s: %w", topic, errors.Join(berr.ErrPublishFailed, err))
	}

	b.logger.Debug("message published",
		zap.String("topic", topic),
		zap.String("stream", args.Stream),
		zap.String("id", id))

	return nil
}

func (b *StreamsBackend) Subscribe(_ context.Context, topic string, h cbus.Handler) error {
	if err := b.loop.CanSubscribe(); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	return b.subs.Add(topic, h)
}

// Run ensures the consumer group on every subscribed stream and reads new
// entries until Shutdown or ctx cancellation.
func (b *StreamsBackend) Run(ctx context.Context) error {
	runCtx, err := b.loop.Begin(ctx)
	if err != nil {
		return fmt.Errorf("redis %w", err)
	}
	defer b.loop.End()

	topics := b.subs.Topics()
	if len(topics) == 0 {
		<-runCtx.Done()
		return nil
	}

	byStream := make(map[string]string, len(topics))
	streams := make([]string, 0, 2*len(topics))

	for _, topic := range topics {
		key := b.StreamKey(topic)

		// Create consumer group if it doesn't exist
		err := b.client.XGroupCreateMkStream(runCtx, key, b.consumerGroup, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), busyGroupText) {
			if runCtx.Err() != nil {
				return nil
			}

			return fmt.Errorf("redis consumer group %s: %w", key, errors.Join(berr.ErrSubscribeFailed, err))
		}

		byStream[key] = topic
		streams = append(streams, key)
	}

	for range topics {
		streams = append(streams, ">")
	}

	b.logger.Info("subscribed to streams",
		zap.Strings("topics", topics),
		zap.String("consumer_group", b.consumerGroup),
		zap.String("consumer", b.consumerName))

	for {
		res, err := b.client.XReadGroup(runCtx, &redis.XReadGroupArgs{
			Group:    b.consumerGroup,
			Consumer: b.consumerName,
			Streams:  streams,
			Count:    readCount,
			Block:    b.block,
		}).Result()

		if runCtx.Err() != nil {
			return nil
		}

		if err != nil {
			if errors.Is(err, redis.Nil) {
				// No new messages
				continue
			}

			b.logger.Error("failed to read from streams", zap.Error(err))

			select {
			case <-runCtx.Done():
				return nil
			case <-time.After(retryDelay):
			}

			continue
		}

		for _, stream := range res {
			for _, m := range stream.Messages {
				b.processMessage(context.WithoutCancel(runCtx), stream.Stream, byStream[stream.Stream], m)
			}
		}
	}
}

// processMessage hands one entry to its handler and acknowledges it on success
func (b *StreamsBackend) processMessage(ctx context.Context, stream, topic string, m redis.XMessage) {
	h, ok := b.subs.Get(topic)
	if !ok {
		return
	}

	data, ok := m.Values[fieldData].(string)
	if !ok {
		b.logger.Error("invalid message format",
			zap.String("stream", stream),
			zap.String("message_id", m.ID))
		return
	}

	msg := cbus.Message{Topic: topic, Payload: []byte(data)}
	if k, ok := m.Values[fieldKey].(string); ok {
		msg.Key = k
	}

	for field, v := range m.Values {
		name, isHeader := strings.CutPrefix(field, headerPrefix)
		if !isHeader {
			continue
		}

		if msg.Headers == nil {
			msg.Headers = make(map[string]string)
		}

		msg.Headers[name] = fmt.Sprint(v)
	}

	if err := h(ctx, msg); err != nil {
		b.logger.Error("handler error, entry left pending",
			zap.String("stream", stream),
			zap.String("message_id", m.ID),
			zap.Error(err))
		return
	}

	if err := b.client.XAck(ctx, stream, b.consumerGroup, m.ID).Err(); err != nil {
		b.logger.Error("failed to acknowledge message",
			zap.String("stream", stream),
			zap.String("message_id", m.ID),
			zap.Error(err))
	}
}

func (b *StreamsBackend) Shutdown(ctx context.Context) error {
	first, err := b.loop.Stop(ctx)
	if first && b.close != nil {
		b.close()
	}

	if err != nil {
		return fmt.Errorf("redis shutdown: %w", err)
	}

	return nil
}
