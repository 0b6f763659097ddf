package nats

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/next-trace/scg-banker/adapters/internal/runloop"
	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
)

// keyHeader carries the message key; core NATS has no key field.
const keyHeader = "key"

// MsgHandler receives one inbound NATS message.
type MsgHandler func(subject string, data []byte, headers map[string]string)

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Client is a minimal NATS-like interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
	// QueueSubscribe joins queue (or subscribes plainly when queue is empty).
	QueueSubscribe(subject, queue string, fn MsgHandler) (Subscription, error)
}

// Adapter implements cbus.Backend using an injected NATS-like Client.
// Delivery is at-most-once: a failing handler is logged and the message is gone.
type Adapter struct {
	Client Client

	queue  string
	loop   runloop.Loop
	subs   runloop.Subscriptions
	logger *zap.Logger
	close  func()
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithQueue sets the queue group shared by all service instances.
func WithQueue(q string) Option {
	return func(a *Adapter) { a.queue = q }
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

// Ensure Adapter implements the backend contract.
var _ cbus.Backend = (*Adapter)(nil)

// New creates a new NATS adapter instance with the provided client.
func New(c Client, opts ...Option) *Adapter {
	a := &Adapter{Client: c, logger: zap.NewNop()}
	for _, o := range opts {
		o(a)
	}

	return a
}

func (a *Adapter) Publish(ctx context.Context, topic string, payload []byte, opts cbus.PublishOptions) error {
	if err := a.ready(ctx, berr.ErrPublishFailed, "publish"); err != nil {
		return err
	}

	if err := a.Client.Publish(topic, payload, publishHeaders(opts)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats publish %s: %w", topic, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (a *Adapter) Subscribe(ctx context.Context, topic string, h cbus.Handler) error {
	if err := a.ready(ctx, berr.ErrSubscribeFailed, "subscribe"); err != nil {
		return err
	}

	if err := a.loop.CanSubscribe(); err != nil {
		return fmt.Errorf("nats subscribe %s: %w", topic, err)
	}

	return a.subs.Add(topic, h)
}

// Run subscribes every bound subject and blocks until Shutdown or ctx cancellation.
func (a *Adapter) Run(ctx context.Context) error {
	runCtx, err := a.loop.Begin(ctx)
	if err != nil {
		return fmt.Errorf("nats %w", err)
	}
	defer a.loop.End()

	if a.Client == nil {
		return fmt.Errorf("nats run: %w", berr.ErrSubscribeFailed)
	}

	deliverCtx := context.WithoutCancel(runCtx)

	var active []Subscription

	defer func() {
		for _, s := range active {
			_ = s.Unsubscribe() //nolint:errcheck // connection drain follows on shutdown
		}
	}()

	for _, topic := range a.subs.Topics() {
		h, _ := a.subs.Get(topic)

		sub, err := a.Client.QueueSubscribe(topic, a.queue, a.dispatch(deliverCtx, h))
		if err != nil {
			return fmt.Errorf("nats subscribe %s: %w", topic, errors.Join(berr.ErrSubscribeFailed, err))
		}

		active = append(active, sub)
	}

	<-runCtx.Done()

	return nil
}

func (a *Adapter) dispatch(ctx context.Context, h cbus.Handler) MsgHandler {
	return func(subject string, data []byte, headers map[string]string) {
		msg := cbus.Message{Topic: subject, Key: headers[keyHeader], Payload: data, Headers: headers}
		if err := h(ctx, msg); err != nil {
			a.logger.Error("nats handler failed", zap.String("subject", subject), zap.Error(err))
		}
	}
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	first, err := a.loop.Stop(ctx)
	if first && a.close != nil {
		a.close()
	}

	if err != nil {
		return fmt.Errorf("nats shutdown: %w", err)
	}

	return nil
}

func (a *Adapter) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := a.loop.Open(); err != nil {
		return fmt.Errorf("nats %s: %w", label, err)
	}

	if a.Client == nil {
		return fmt.Errorf("nats %s: %w", label, base)
	}

	return nil
}

func publishHeaders(o cbus.PublishOptions) map[string]string {
	h := cbus.CloneHeaders(o.Headers, 1)
	if o.Key != "" {
		h[keyHeader] = o.Key
	}

	return h
}
