package nats_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-banker/adapters/nats"
	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
)

type sent struct {
	subject string
	data    []byte
	headers map[string]string
}

type fakeSub struct{ unsubscribed *int }

func (s fakeSub) Unsubscribe() error {
	*s.unsubscribed++

	return nil
}

type fakeClient struct {
	mu           sync.Mutex
	calls        []sent
	handlers     map[string]nats.MsgHandler
	queues       map[string]string
	unsubscribed int
	err          error
	subErr       error
}

func newClient() *fakeClient {
	return &fakeClient{handlers: map[string]nats.MsgHandler{}, queues: map[string]string{}}
}

func (f *fakeClient) Publish(subject string, data []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, sent{subject, data, headers})

	return f.err
}

func (f *fakeClient) QueueSubscribe(subject, queue string, fn nats.MsgHandler) (nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subErr != nil {
		return nil, f.subErr
	}

	f.handlers[subject] = fn
	f.queues[subject] = queue

	return fakeSub{unsubscribed: &f.unsubscribed}, nil
}

func (f *fakeClient) handler(subject string) nats.MsgHandler {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.handlers[subject]
}

func TestNATS_Publish(t *testing.T) {
	fc := newClient()
	ad := nats.New(fc)

	opts := cbus.PublishOptions{Key: "w-9", Headers: map[string]string{"h1": "v1"}}
	if err := ad.Publish(t.Context(), "pay.btc.withdraw", []byte(`{}`), opts); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(fc.calls) != 1 {
		t.Fatalf("calls=%d", len(fc.calls))
	}

	c := fc.calls[0]
	if c.subject != "pay.btc.withdraw" || c.headers["h1"] != "v1" || c.headers["key"] != "w-9" {
		t.Fatalf("call=%+v", c)
	}

	if _, ok := opts.Headers["key"]; ok {
		t.Fatalf("caller headers must not be mutated")
	}
}

func TestNATS_PublishErrors(t *testing.T) {
	if err := nats.New(nil).Publish(t.Context(), "s", nil, cbus.PublishOptions{}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("nil client: %v", err)
	}

	fc := newClient()
	fc.err = errors.New("no responders")

	if err := nats.New(fc).Publish(t.Context(), "s", nil, cbus.PublishOptions{}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("client error: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := nats.New(newClient()).Publish(ctx, "s", nil, cbus.PublishOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled: %v", err)
	}
}

func TestNATS_RunDelivers(t *testing.T) {
	fc := newClient()
	closed := 0
	ad := nats.New(fc, nats.WithQueue("banker"), nats.WithCloser(func() { closed++ }))

	got := make(chan cbus.Message, 2)
	h := func(_ context.Context, m cbus.Message) error {
		got <- m
		return errors.New("logged, not redelivered")
	}

	if err := ad.Subscribe(t.Context(), "ledger.withdraw", h); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := ad.Subscribe(t.Context(), "ledger.withdraw", h); !errors.Is(err, berr.ErrRouteExists) {
		t.Fatalf("duplicate: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- ad.Run(t.Context()) }()

	deadline := time.Now().Add(2 * time.Second)
	for fc.handler("ledger.withdraw") == nil {
		if time.Now().After(deadline) {
			t.Fatalf("never subscribed")
		}

		time.Sleep(5 * time.Millisecond)
	}

	fc.handler("ledger.withdraw")("ledger.withdraw", []byte(`{"currency":"btc"}`), map[string]string{"key": "k1"})

	m := <-got
	if m.Key != "k1" || string(m.Payload) != `{"currency":"btc"}` || m.Topic != "ledger.withdraw" {
		t.Fatalf("msg=%+v", m)
	}

	if fc.queues["ledger.withdraw"] != "banker" {
		t.Fatalf("queue=%q", fc.queues["ledger.withdraw"])
	}

	if err := ad.Shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if err := <-runErr; err != nil {
		t.Fatalf("run: %v", err)
	}

	if fc.unsubscribed != 1 || closed != 1 {
		t.Fatalf("unsubscribed=%d closed=%d", fc.unsubscribed, closed)
	}

	if err := ad.Publish(t.Context(), "s", nil, cbus.PublishOptions{}); !errors.Is(err, berr.ErrBackendClosed) {
		t.Fatalf("publish after shutdown: %v", err)
	}
}

func TestNATS_RunSubscribeFailure(t *testing.T) {
	fc := newClient()
	fc.subErr = errors.New("permissions violation")

	ad := nats.New(fc)
	if err := ad.Subscribe(t.Context(), "t", func(context.Context, cbus.Message) error { return nil }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := ad.Run(t.Context()); !errors.Is(err, berr.ErrSubscribeFailed) {
		t.Fatalf("run: %v", err)
	}
}
