package memory

import (
	"context"

	"go.uber.org/zap"

	"github.com/next-trace/scg-banker/adapters/inmemory"
	"github.com/next-trace/scg-banker/router"
	"github.com/next-trace/scg-banker/servicebus"
)

// New constructs a registry whose "system" backend is the in-memory adapter,
// along with a cleanup function that shuts the registry down.
func New(logger *zap.Logger, opts ...inmemory.Option) (*servicebus.Registry, *inmemory.Backend, func()) {
	sys := inmemory.New(append([]inmemory.Option{inmemory.WithLogger(logger)}, opts...)...)
	reg := servicebus.New(logger)

	// registering on a fresh registry cannot collide
	_ = reg.Register(router.DefaultBackend, sys)

	cleanup := func() { _ = reg.ShutdownAll(context.Background()) }

	return reg, sys, cleanup
}
