package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/next-trace/scg-banker/adapters/internal/runloop"
	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
)

const (
	defaultExchange    = "banker"
	defaultQueuePrefix = "banker."
	keyHeader          = "key"
)

type PubMsg struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Delivery is one consumed AMQP message with its settlement funcs.
type Delivery struct {
	RoutingKey  string
	Body        []byte
	Headers     map[string]string
	Redelivered bool
	Ack         func() error
	Nack        func(requeue bool) error
}

// Consumer declares a durable queue bound to routingKey on exchange and streams
// its deliveries. The channel closes when ctx is done or the broker channel is lost.
type Consumer interface {
	Consume(ctx context.Context, exchange, queue, routingKey string) (<-chan Delivery, error)
}

type Adapter struct {
	Publisher Publisher
	Consumer  Consumer

	exchange    string
	queuePrefix string
	loop        runloop.Loop
	subs        runloop.Subscriptions
	logger      *zap.Logger
	close       func()
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithExchange sets the topic exchange messages are published to and consumed from.
func WithExchange(name string) Option {
	return func(a *Adapter) {
		if name != "" {
			a.exchange = name
		}
	}
}

// WithQueuePrefix sets the prefix of the per-topic durable queue names.
func WithQueuePrefix(p string) Option {
	return func(a *Adapter) { a.queuePrefix = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithCloser registers a release func called once on Shutdown.
func WithCloser(fn func()) Option {
	return func(a *Adapter) { a.close = fn }
}

var _ cbus.Backend = (*Adapter)(nil)

// New creates a RabbitMQ adapter. A nil Consumer makes it publish-only.
func New(p Publisher, c Consumer, opts ...Option) *Adapter {
	a := &Adapter{
		Publisher:   p,
		Consumer:    c,
		exchange:    defaultExchange,
		queuePrefix: defaultQueuePrefix,
		logger:      zap.NewNop(),
	}

	for _, o := range opts {
		o(a)
	}

	return a
}

func (a *Adapter) Publish(ctx context.Context, topic string, payload []byte, opts cbus.PublishOptions) error {
	if err := a.ready(ctx, "publish"); err != nil {
		return err
	}

	if a.Publisher == nil {
		return fmt.Errorf("rabbitmq publish: %w", berr.ErrPublishFailed)
	}

	// trace headers arrive in opts.Headers; the caller's map is never mutated
	hdrs := cbus.CloneHeaders(opts.Headers, 4)
	if opts.Key != "" {
		hdrs[keyHeader] = opts.Key
	}

	msg := PubMsg{
		Exchange:   a.exchange,
		RoutingKey: topic,
		Body:       payload,
		Headers:    hdrs,
	}
	if err := a.Publisher.Publish(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq publish %s: %w", topic, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (a *Adapter) Subscribe(ctx context.Context, topic string, h cbus.Handler) error {
	if err := a.ready(ctx, "subscribe"); err != nil {
		return err
	}

	if a.Consumer == nil {
		return fmt.Errorf("rabbitmq subscribe %s: %w", topic, berr.ErrSubscribeFailed)
	}

	if err := a.loop.CanSubscribe(); err != nil {
		return fmt.Errorf("rabbitmq subscribe %s: %w", topic, err)
	}

	return a.subs.Add(topic, h)
}

// Run consumes one durable queue per subscribed topic until Shutdown or ctx
// cancellation. A successful handler acks; a failing one is requeued once and
// rejected without requeue when it fails again on redelivery. Losing a
// consumer channel stops Run with ErrSubscribeFailed.
func (a *Adapter) Run(ctx context.Context) error {
	runCtx, err := a.loop.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq %w", err)
	}
	defer a.loop.End()

	topics := a.subs.Topics()
	if len(topics) == 0 || a.Consumer == nil {
		<-runCtx.Done()
		return nil
	}

	consumeCtx, cancel := context.WithCancel(runCtx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		lost = make(chan string, len(topics))
	)

	for _, topic := range topics {
		deliveries, err := a.Consumer.Consume(consumeCtx, a.exchange, a.queuePrefix+topic, topic)
		if err != nil {
			cancel()
			wg.Wait()

			return fmt.Errorf("rabbitmq consume %s: %w", topic, errors.Join(berr.ErrSubscribeFailed, err))
		}

		h, _ := a.subs.Get(topic)

		wg.Add(1)

		go func() {
			defer wg.Done()

			for d := range deliveries {
				a.settle(context.WithoutCancel(consumeCtx), topic, h, d)
			}

			if consumeCtx.Err() == nil {
				lost <- topic
			}
		}()
	}

	var runErr error

	select {
	case <-runCtx.Done():
	case topic := <-lost:
		runErr = fmt.Errorf("rabbitmq consumer for %s closed: %w", topic, berr.ErrSubscribeFailed)
	}

	cancel()
	wg.Wait()

	return runErr
}

func (a *Adapter) settle(ctx context.Context, topic string, h cbus.Handler, d Delivery) {
	msg := cbus.Message{Topic: topic, Key: d.Headers[keyHeader], Payload: d.Body, Headers: d.Headers}

	if err := h(ctx, msg); err != nil {
		requeue := !d.Redelivered
		a.logger.Error("rabbitmq handler failed",
			zap.String("routing_key", d.RoutingKey),
			zap.Bool("requeue", requeue),
			zap.Error(err))

		if nerr := d.Nack(requeue); nerr != nil {
			a.logger.Warn("rabbitmq nack failed", zap.Error(nerr))
		}

		return
	}

	if err := d.Ack(); err != nil {
		a.logger.Warn("rabbitmq ack failed", zap.String("routing_key", d.RoutingKey), zap.Error(err))
	}
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	first, err := a.loop.Stop(ctx)
	if first && a.close != nil {
		a.close()
	}

	if err != nil {
		return fmt.Errorf("rabbitmq shutdown: %w", err)
	}

	return nil
}

func (a *Adapter) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := a.loop.Open(); err != nil {
		return fmt.Errorf("rabbitmq %s: %w", label, err)
	}

	return nil
}
