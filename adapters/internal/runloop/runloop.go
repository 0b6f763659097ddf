// Package runloop holds the Run/Shutdown bookkeeping shared by the backend adapters.
package runloop

import (
	"context"
	"fmt"
	"sync"

	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
)

const (
	idle = iota
	running
	closed
)

// Loop tracks a backend's lifecycle: idle until Begin, running until Stop,
// closed afterwards. The zero value is ready to use.
type Loop struct {
	mu     sync.Mutex
	state  int
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Begin moves the loop to running and returns a context cancelled by Stop.
// Each Begin must be paired with a deferred End.
func (l *Loop) Begin(ctx context.Context) (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case closed:
		return nil, fmt.Errorf("run: %w", berr.ErrBackendClosed)
	case running:
		return nil, fmt.Errorf("run: %w", berr.ErrBackendRunning)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state = running

	return runCtx, nil
}

// End signals that Run has returned and all deliveries have drained.
func (l *Loop) End() {
	l.mu.Lock()
	done, cancel := l.done, l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		l.once.Do(func() { close(done) })
	}
}

// Stop closes the loop, cancels a running Run and waits for End or ctx.
// It returns true on the first call only, so callers release the transport once.
func (l *Loop) Stop(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.state == closed {
		l.mu.Unlock()
		return false, nil
	}

	l.state = closed
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done == nil {
		return true, nil
	}

	select {
	case <-done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// CanSubscribe reports whether subscriptions may still be added.
func (l *Loop) CanSubscribe() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case closed:
		return berr.ErrBackendClosed
	case running:
		return berr.ErrBackendRunning
	}

	return nil
}

// Open reports ErrBackendClosed once Stop has been called.
func (l *Loop) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == closed {
		return berr.ErrBackendClosed
	}

	return nil
}

// Subscriptions is an insertion-ordered topic → handler table.
type Subscriptions struct {
	mu     sync.RWMutex
	topics []string
	byName map[string]cbus.Handler
}

// Add binds h to topic, rejecting a second binding for the same topic.
func (s *Subscriptions) Add(topic string, h cbus.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byName == nil {
		s.byName = make(map[string]cbus.Handler)
	}

	if _, exists := s.byName[topic]; exists {
		return fmt.Errorf("subscribe %s: %w", topic, berr.ErrRouteExists)
	}

	s.byName[topic] = h
	s.topics = append(s.topics, topic)

	return nil
}

// Get returns the handler bound to topic.
func (s *Subscriptions) Get(topic string) (cbus.Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.byName[topic]

	return h, ok
}

// Topics returns the subscribed topics in subscription order.
func (s *Subscriptions) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.topics...)
}
