package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/next-trace/scg-banker/adapters/internal/runloop"
	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
)

const (
	defaultBuffer  = 256
	defaultWorkers = 1
)

// Failure records a handler error observed during delivery.
type Failure struct {
	Message cbus.Message
	Err     error
}

// Backend is a thread-safe in-process implementation of cbus.Backend.
// It records every publish so tests can assert on outbound traffic, and
// delivers messages for subscribed topics through a buffered queue once Run
// has started.
type Backend struct {
	loop runloop.Loop
	subs runloop.Subscriptions

	queue   chan cbus.Message
	workers int
	logger  *zap.Logger

	mu        sync.Mutex
	published []cbus.Message
	failures  []Failure
}

// Option configures a Backend.
type Option func(*Backend)

// WithWorkers sets how many goroutines deliver messages concurrently.
func WithWorkers(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithBuffer sets the delivery queue capacity.
func WithBuffer(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.queue = make(chan cbus.Message, n)
		}
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// Ensure Backend implements the contract.
var _ cbus.Backend = (*Backend)(nil)

// New creates a new in-memory backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		queue:   make(chan cbus.Message, defaultBuffer),
		workers: defaultWorkers,
		logger:  zap.NewNop(),
	}

	for _, o := range opts {
		o(b)
	}

	return b
}

func (b *Backend) Publish(ctx context.Context, topic string, payload []byte, opts cbus.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.loop.Open(); err != nil {
		return fmt.Errorf("inmemory publish %s: %w", topic, err)
	}

	key := opts.Key
	if key == "" {
		key = uuid.NewString()
	}

	msg := cbus.Message{
		Topic:   topic,
		Key:     key,
		Payload: append([]byte(nil), payload...),
		Headers: cbus.CloneHeaders(opts.Headers, 0),
	}

	b.mu.Lock()
	b.published = append(b.published, msg)
	b.mu.Unlock()

	if _, ok := b.subs.Get(topic); !ok {
		return nil
	}

	select {
	case b.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) Subscribe(_ context.Context, topic string, h cbus.Handler) error {
	if err := b.loop.CanSubscribe(); err != nil {
		return fmt.Errorf("inmemory subscribe %s: %w", topic, err)
	}

	return b.subs.Add(topic, h)
}

// Run delivers queued messages until Shutdown or ctx cancellation.
// Messages still queued when delivery stops are dropped.
func (b *Backend) Run(ctx context.Context) error {
	runCtx, err := b.loop.Begin(ctx)
	if err != nil {
		return fmt.Errorf("inmemory %w", err)
	}
	defer b.loop.End()

	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			b.work(runCtx)
		}()
	}

	wg.Wait()

	if n := len(b.queue); n > 0 {
		b.logger.Warn("inmemory backend stopped with undelivered messages", zap.Int("count", n))
	}

	return nil
}

func (b *Backend) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			// delivery outlives shutdown signalling; handlers own their deadlines
			_ = b.Deliver(context.WithoutCancel(ctx), msg) //nolint:errcheck // recorded as Failure
		}
	}
}

// Deliver synchronously invokes the handler bound to msg.Topic and records a
// Failure when it returns an error.
func (b *Backend) Deliver(ctx context.Context, msg cbus.Message) error {
	h, ok := b.subs.Get(msg.Topic)
	if !ok {
		return fmt.Errorf("inmemory deliver %s: %w", msg.Topic, berr.ErrNoSubscriber)
	}

	if err := h(ctx, msg); err != nil {
		b.mu.Lock()
		b.failures = append(b.failures, Failure{Message: msg, Err: err})
		b.mu.Unlock()

		b.logger.Error("inmemory handler failed",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Error(err))

		return err
	}

	return nil
}

func (b *Backend) Shutdown(ctx context.Context) error {
	if _, err := b.loop.Stop(ctx); err != nil {
		return fmt.Errorf("inmemory shutdown: %w", err)
	}

	return nil
}

// Published returns a snapshot of every message published so far.
func (b *Backend) Published() []cbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]cbus.Message(nil), b.published...)
}

// PublishedTo returns the published messages for one topic.
func (b *Backend) PublishedTo(topic string) []cbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []cbus.Message

	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}

	return out
}

// Failures returns a snapshot of handler failures observed during delivery.
func (b *Backend) Failures() []Failure {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Failure(nil), b.failures...)
}
