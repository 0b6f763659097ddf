// Package core runs the banker service: it brings up the database, registers
// the message buses, binds the ledger routes to the withdrawal router and keeps
// delivery running until shutdown.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/next-trace/scg-banker/aml"
	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
	"github.com/next-trace/scg-banker/router"
	"github.com/next-trace/scg-banker/servicebus"
)

// Start steps, used to label start failures.
const (
	StepDatabase = "initialize database"
	StepBuses    = "register buses"
	StepRoutes   = "bind routes"
)

// Resource is the database collaborator: opened once at start, released at shutdown.
type Resource interface {
	Initialize(ctx context.Context) error
	Shutdown() error
}

// NamedBackend opens the backend registered under Name.
type NamedBackend struct {
	Name string
	Open func(ctx context.Context) (cbus.Backend, error)
}

// Deps are the collaborators a Service is assembled from.
type Deps struct {
	DB       Resource
	Backends []NamedBackend
	AML      aml.Checker
	Logger   *zap.Logger

	// InboundBackend carries the ledger topics. Defaults to router.DefaultBackend.
	InboundBackend string
	RouterOptions  []router.Option
}

// Service is the banker lifecycle state machine.
type Service struct {
	db       Resource
	backends []NamedBackend
	inbound  string
	logger   *zap.Logger

	reg    *servicebus.Registry
	router *router.Router

	mu       sync.RWMutex
	state    State
	starting bool
	dbReady  bool
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	runErr   error
}

// New assembles a Service. A nil AML checker passes every withdrawal.
func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	checker := deps.AML
	if checker == nil {
		checker = aml.AllowAll{}
	}

	inbound := deps.InboundBackend
	if inbound == "" {
		inbound = router.DefaultBackend
	}

	reg := servicebus.New(logger)
	opts := append([]router.Option{router.WithLogger(logger)}, deps.RouterOptions...)

	return &Service{
		db:       deps.DB,
		backends: append([]NamedBackend(nil), deps.Backends...),
		inbound:  inbound,
		logger:   logger,
		reg:      reg,
		router:   router.New(checker, reg, opts...),
		state:    Uninitialized,
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// Registry exposes the bus registry.
func (s *Service) Registry() *servicebus.Registry { return s.reg }

// Router exposes the withdrawal router.
func (s *Service) Router() *router.Router { return s.router }

// Done is closed once delivery has stopped, or when Start failed.
func (s *Service) Done() <-chan struct{} { return s.done }

// Err reports why delivery stopped. It is meaningful once Done is closed.
func (s *Service) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.runErr
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()

	s.logger.Info("service state changed", zap.Stringer("from", prev), zap.Stringer("to", st))
}

func (s *Service) closeDone() { s.doneOnce.Do(func() { close(s.done) }) }

func (s *Service) fail(step string, err error) error {
	s.setState(Failed)
	s.closeDone()
	s.logger.Error("start failed", zap.String("step", step), zap.Error(err))

	return fmt.Errorf("start: %s: %w", step, err)
}

// Start brings the service up: database, buses, routes, then delivery.
// The first failing step leaves the service Failed and is named in the error.
// Delivery keeps running after Start returns, detached from ctx cancellation.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Uninitialized || s.starting {
		st := s.state
		s.mu.Unlock()

		return fmt.Errorf("start from %s: already started: %w", st, berr.ErrInvalidState)
	}
	s.starting = true
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Initialize(ctx); err != nil {
			return s.fail(StepDatabase, err)
		}

		s.mu.Lock()
		s.dbReady = true
		s.mu.Unlock()
	}

	s.setState(DatabaseReady)

	for _, nb := range s.backends {
		if err := s.openBackend(ctx, nb); err != nil {
			return s.fail(StepBuses, err)
		}
	}

	if err := s.checkOutbound(); err != nil {
		return s.fail(StepBuses, err)
	}

	s.setState(BusesRegistered)

	routes := servicebus.NewRouteTable(s.router.Routes(s.inbound)...)
	if _, err := routes.BindAll(ctx, s.reg); err != nil {
		return s.fail(StepRoutes, err)
	}

	s.setState(RoutesBound)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		err := s.reg.RunAll(runCtx)

		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("delivery stopped", zap.Error(err))
		}

		s.closeDone()
	}()

	s.setState(Running)

	return nil
}

func (s *Service) openBackend(ctx context.Context, nb NamedBackend) error {
	if nb.Open == nil {
		return fmt.Errorf("backend %q: %w", nb.Name, berr.ErrInvalidConfig)
	}

	b, err := nb.Open(ctx)
	if err != nil {
		return fmt.Errorf("open backend %q: %w", nb.Name, err)
	}

	if err := s.reg.Register(nb.Name, b); err != nil {
		_ = b.Shutdown(ctx)
		return err
	}

	return nil
}

// checkOutbound requires every backend the router may publish to, default or
// pinned by a rail, to be registered.
func (s *Service) checkOutbound() error {
	for _, name := range s.router.OutboundBackends() {
		if _, err := s.reg.Get(name); err != nil {
			return fmt.Errorf("outbound %w", err)
		}
	}

	return nil
}

// Shutdown releases everything Start built, in reverse: buses, delivery, then
// the database. It is valid from Running or Failed. Every step is attempted;
// the joined failures are returned.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Running && s.state != Failed {
		st := s.state
		s.mu.Unlock()

		return fmt.Errorf("shutdown from %s: %w", st, berr.ErrInvalidState)
	}
	cancel, dbReady := s.cancel, s.dbReady
	s.mu.Unlock()

	s.setState(ShuttingDown)

	var errs []error

	if err := s.reg.ShutdownAll(ctx); err != nil {
		errs = append(errs, err)
	}

	if cancel != nil {
		cancel()

		select {
		case <-s.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for delivery: %w", ctx.Err()))
		}
	}

	if dbReady {
		if err := s.db.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}

	s.closeDone()
	s.setState(Stopped)

	if len(errs) > 0 {
		s.logger.Error("shutdown finished with errors", zap.Error(errors.Join(errs...)))
	}

	return errors.Join(errs...)
}
