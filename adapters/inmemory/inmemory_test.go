package inmemory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-banker/adapters/inmemory"
	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("condition not met before deadline")
}

func TestInmemory_PublishRecordings(t *testing.T) {
	b := inmemory.New()

	payload := []byte(`{"currency":"ETH"}`)
	opts := cbus.PublishOptions{Key: "k", Headers: map[string]string{"h": "v"}}

	if err := b.Publish(t.Context(), "pay.eth.withdraw", payload, opts); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// caller mutations must not leak into the recording
	payload[2] = 'X'
	opts.Headers["h"] = "changed"

	got := b.PublishedTo("pay.eth.withdraw")
	if len(got) != 1 {
		t.Fatalf("want 1 message, got %d", len(got))
	}

	if string(got[0].Payload) != `{"currency":"ETH"}` || got[0].Key != "k" || got[0].Header("h") != "v" {
		t.Fatalf("unexpected recording: %+v", got[0])
	}

	if n := len(b.PublishedTo("other")); n != 0 {
		t.Fatalf("want 0 messages for other topic, got %d", n)
	}
}

func TestInmemory_RunDeliversSubscribedTopics(t *testing.T) {
	b := inmemory.New(inmemory.WithWorkers(4))

	var (
		mu   sync.Mutex
		seen []string
	)

	err := b.Subscribe(t.Context(), "ledger.withdraw", func(ctx context.Context, m cbus.Message) error {
		mu.Lock()
		seen = append(seen, string(m.Payload))
		mu.Unlock()

		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Subscribe(t.Context(), "ledger.withdraw", nil); !errors.Is(err, berr.ErrRouteExists) {
		t.Fatalf("want ErrRouteExists, got %v", err)
	}

	runErr := make(chan error, 1)

	go func() { runErr <- b.Run(t.Context()) }()

	for i := 0; i < 20; i++ {
		if err := b.Publish(t.Context(), "ledger.withdraw", []byte(`{}`), cbus.PublishOptions{}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(seen) == 20
	})

	if err := b.Shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if err := <-runErr; err != nil {
		t.Fatalf("run: %v", err)
	}

	if err := b.Publish(t.Context(), "ledger.withdraw", nil, cbus.PublishOptions{}); !errors.Is(err, berr.ErrBackendClosed) {
		t.Fatalf("want ErrBackendClosed, got %v", err)
	}

	if err := b.Shutdown(t.Context()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestInmemory_SubscribeAfterRun(t *testing.T) {
	b := inmemory.New()

	go func() { _ = b.Run(t.Context()) }()

	waitFor(t, func() bool {
		err := b.Subscribe(t.Context(), "late", func(context.Context, cbus.Message) error { return nil })
		return errors.Is(err, berr.ErrBackendRunning)
	})

	if err := b.Shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInmemory_DeliverRecordsFailures(t *testing.T) {
	b := inmemory.New()
	boom := errors.New("boom")

	_ = b.Subscribe(t.Context(), "t", func(context.Context, cbus.Message) error { return boom })

	if err := b.Deliver(t.Context(), cbus.Message{Topic: "t"}); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}

	if err := b.Deliver(t.Context(), cbus.Message{Topic: "nobody"}); !errors.Is(err, berr.ErrNoSubscriber) {
		t.Fatalf("want ErrNoSubscriber, got %v", err)
	}

	if f := b.Failures(); len(f) != 1 || !errors.Is(f[0].Err, boom) {
		t.Fatalf("failures=%+v", f)
	}
}

func TestInmemory_ConcurrentSafety(t *testing.T) {
	b := inmemory.New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = b.Publish(t.Context(), "t", []byte(`{}`), cbus.PublishOptions{})
		}()
	}

	wg.Wait()

	if n := len(b.Published()); n != 50 {
		t.Fatalf("published=%d", n)
	}
}
