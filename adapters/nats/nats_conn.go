package nats

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	berr "github.com/next-trace/scg-banker/contract/errors"
)

// Concrete NATS connection-backed Client and constructor.

type Config struct {
	URL           string
	Name          string
	Queue         string
	ConnTimeout   time.Duration
	MaxReconnects int
}

type natsClient struct{ nc *nats.Conn }

func (c natsClient) Publish(subject string, data []byte, headers map[string]string) error {
	msg := &nats.Msg{Subject: subject, Data: data}

	var h nats.Header
	if len(headers) > 0 {
		h = nats.Header{}
		for k, v := range headers {
			h.Add(k, v)
		}
	}

	msg.Header = h

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}

	return c.nc.Flush()
}

func (c natsClient) QueueSubscribe(subject, queue string, fn MsgHandler) (Subscription, error) {
	cb := func(m *nats.Msg) { fn(m.Subject, m.Data, flatten(m.Header)) }

	if queue == "" {
		return c.nc.Subscribe(subject, cb)
	}

	return c.nc.QueueSubscribe(subject, queue, cb)
}

func flatten(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}

	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}

	return out
}

// NewWithNATS connects to NATS and returns an Adapter whose Shutdown drains
// and closes the connection.
func NewWithNATS(cfg Config, opts ...Option) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url required: %w", berr.ErrInvalidConfig)
	}

	nopts := []nats.Option{}
	if cfg.Name != "" {
		nopts = append(nopts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		nopts = append(nopts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		nopts = append(nopts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, nopts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", errors.Join(berr.ErrInvalidConfig, err))
	}

	cleanup := func() {
		if nc != nil && !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
			nc.Close()
		}
	}

	opts = append([]Option{WithQueue(cfg.Queue), WithCloser(cleanup)}, opts...)

	return New(natsClient{nc: nc}, opts...), nil
}
