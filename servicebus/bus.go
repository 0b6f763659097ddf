package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
)

// Registry maps logical bus names to backends and owns their lifecycle.
// It is mutated only while the subsystem starts; afterwards it is read-only.
//
// Registry is concurrency-safe and contains no global state.
type Registry struct {
	mu sync.RWMutex

	backends map[string]cbus.Backend
	order    []string
	bound    map[routeKey]struct{}

	logger *zap.Logger
}

type routeKey struct{ topic, backend string }

// Ensure Registry implements the publishing contract used by routers.
var _ cbus.Publisher = (*Registry)(nil)

// New constructs an empty Registry. A nil logger is replaced by a no-op logger.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		backends: make(map[string]cbus.Backend),
		bound:    make(map[routeKey]struct{}),
		logger:   logger,
	}
}

// Register stores backend under name. Names are unique.
func (r *Registry) Register(name string, backend cbus.Backend) error {
	if name == "" || backend == nil {
		return fmt.Errorf("register %q: %w", name, berr.ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("register %s: %w", name, berr.ErrDuplicateBackend)
	}

	r.backends[name] = backend
	r.order = append(r.order, name)

	r.logger.Debug("backend registered", zap.String("backend", name))

	return nil
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (cbus.Backend, error) { //nolint:ireturn
	r.mu.RLock()
	b, ok := r.backends[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("backend %s: %w", name, berr.ErrUnknownBackend)
	}

	return b, nil
}

// Names returns the registered backend names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Subscribe binds handler to topic on the named backend.
// Each (topic, backend) pair may be subscribed at most once.
func (r *Registry) Subscribe(ctx context.Context, topic string, handler cbus.Handler, backendName string) error {
	b, err := r.Get(backendName)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	key := routeKey{topic: topic, backend: backendName}

	r.mu.Lock()
	if _, exists := r.bound[key]; exists {
		r.mu.Unlock()
		return fmt.Errorf("subscribe %s on %s: %w", topic, backendName, berr.ErrRouteExists)
	}
	r.mu.Unlock()

	if err := b.Subscribe(ctx, topic, handler); err != nil {
		return fmt.Errorf("subscribe %s on %s: %w", topic, backendName, err)
	}

	r.mu.Lock()
	r.bound[key] = struct{}{}
	r.mu.Unlock()

	r.logger.Info("route subscribed", zap.String("topic", topic), zap.String("backend", backendName))

	return nil
}

// PublishTo publishes payload to topic on the named backend.
func (r *Registry) PublishTo(
	ctx context.Context,
	backendName, topic string,
	payload []byte,
	opts cbus.PublishOptions,
) error {
	b, err := r.Get(backendName)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	return b.Publish(ctx, topic, payload, opts)
}

// RunAll starts delivery on every registered backend and blocks until all of
// them have stopped. Delivery is a standing activity: RunAll returns only after
// ShutdownAll, ctx cancellation, or a backend failing. A failing backend stops
// the others; the joined non-cancellation errors are returned.
func (r *Registry) RunAll(ctx context.Context) error {
	names := r.Names()
	if len(names) == 0 {
		<-ctx.Done()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, name := range names {
		b, err := r.Get(name)
		if err != nil {
			return err
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			err := b.Run(runCtx)
			if err == nil || errors.Is(err, context.Canceled) {
				r.logger.Info("backend stopped", zap.String("backend", name))
				return
			}

			r.logger.Error("backend failed", zap.String("backend", name), zap.Error(err))

			mu.Lock()
			errs = append(errs, fmt.Errorf("run %s: %w", name, err))
			mu.Unlock()

			cancel()
		}()
	}

	r.logger.Info("delivery started", zap.Strings("backends", names))

	wg.Wait()

	return errors.Join(errs...)
}

// ShutdownAll asks every backend to shut down, in reverse registration order.
// A failing backend never prevents the remaining ones from being asked; all
// failures are aggregated under ErrShutdown.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	names := r.Names()

	var errs []error

	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]

		b, err := r.Get(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if err := b.Shutdown(ctx); err != nil {
			r.logger.Error("backend shutdown failed", zap.String("backend", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))

			continue
		}

		r.logger.Info("backend shut down", zap.String("backend", name))
	}

	if len(errs) == 0 {
		return nil
	}

	return errors.Join(append([]error{berr.ErrShutdown}, errs...)...)
}
