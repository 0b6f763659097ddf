package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-banker/contract/errors"
)

// Concrete AMQP connection-backed constructor: a session that redials with
// backoff, publishes on a shared channel and opens one channel per consumer.

const exchangeKind = "topic"

type Config struct {
	URL         string
	Exchange    string
	QueuePrefix string
	ConnTimeout time.Duration
	// Prefetch bounds unacknowledged deliveries per consumer. Zero means 16.
	Prefetch int
}

type session struct {
	cfg    Config
	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan struct{}
	ready  chan struct{} // closed when a channel is ready
}

func newSession(cfg Config) *session {
	s := &session{
		cfg:    cfg,
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go s.run()

	return s
}

// current waits until the session is connected or ctx is done.
func (s *session) current(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	s.mu.RLock()
	conn, ch, ready := s.conn, s.ch, s.ready
	s.mu.RUnlock()

	if ch != nil {
		return conn, ch, nil
	}

	select {
	case <-ready:
	case <-s.closed:
		return nil, nil, berr.ErrBackendClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	s.mu.RLock()
	conn, ch = s.conn, s.ch
	s.mu.RUnlock()

	if ch == nil {
		return nil, nil, errors.New("rabbitmq not connected")
	}

	return conn, ch, nil
}

func (s *session) Publish(ctx context.Context, m PubMsg) error {
	_, ch, err := s.current(ctx)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			Headers:      toTable(m.Headers),
			ContentType:  "application/json",
			Body:         m.Body,
		},
	)
}

func (s *session) Consume(ctx context.Context, exchange, queue, routingKey string) (<-chan Delivery, error) {
	conn, _, err := s.current(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	prefetch := s.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 16
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}

	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}

	tag := "banker-" + uuid.NewString()

	msgs, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	out := make(chan Delivery)

	go func() {
		<-ctx.Done()
		_ = ch.Cancel(tag, false)
	}()

	go func() {
		defer close(out)
		defer ch.Close() //nolint:errcheck // channel is discarded

		for d := range msgs {
			out <- Delivery{
				RoutingKey:  d.RoutingKey,
				Body:        d.Body,
				Headers:     fromTable(d.Headers),
				Redelivered: d.Redelivered,
				Ack:         func() error { return d.Ack(false) },
				Nack:        func(requeue bool) error { return d.Nack(false, requeue) },
			}
		}
	}()

	return out, nil
}

func (s *session) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	reconnect := func() (*amqp.Connection, *amqp.Channel, error) {
		conn, err := amqp.DialConfig(s.cfg.URL, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": "scg-banker"},
			Dial:       amqp.DefaultDial(s.cfg.ConnTimeout),
		})
		if err != nil {
			return nil, nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if err := ch.ExchangeDeclare(
			s.cfg.Exchange,
			exchangeKind,
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, err
		}
		return conn, ch, nil
	}

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		conn, ch, err := reconnect()
		if err != nil {
			// exponential backoff with jitter
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
			sleep := backoff + jitter/2
			if sleep > maxBackoff {
				sleep = maxBackoff
			}
			t := time.NewTimer(sleep)
			select {
			case <-s.closed:
				t.Stop()
				return
			case <-t.C:
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}

		backoff = time.Second

		s.mu.Lock()
		s.conn = conn
		s.ch = ch
		close(s.ready)
		s.mu.Unlock()

		// Block on connection close notifications to trigger reconnect
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-s.closed:
			return
		case <-notify:
			s.mu.Lock()
			s.conn, s.ch = nil, nil
			s.ready = make(chan struct{})
			s.mu.Unlock()

			_ = ch.Close()
			_ = conn.Close()
		}
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		// already closed
		return
	default:
		close(s.closed)
	}
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}

	t := amqp.Table{}
	for k, v := range h {
		t[k] = v
	}

	return t
}

func fromTable(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}

	h := make(map[string]string, len(t))
	for k, v := range t {
		h[k] = fmt.Sprint(v)
	}

	return h
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect, ensures the topic
// exchange, and returns an Adapter whose Shutdown closes the session.
func NewWithAMQPConn(cfg Config, opts ...Option) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq url required: %w", berr.ErrInvalidConfig)
	}

	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}

	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = defaultQueuePrefix
	}

	s := newSession(cfg)
	opts = append([]Option{
		WithExchange(cfg.Exchange),
		WithQueuePrefix(cfg.QueuePrefix),
		WithCloser(s.close),
	}, opts...)

	return New(s, s, opts...), nil
}
