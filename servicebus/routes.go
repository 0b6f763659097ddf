package servicebus

import (
	"context"
	"fmt"

	cbus "github.com/next-trace/scg-banker/contract/bus"
)

// Route binds an inbound topic on a named backend to a handler.
type Route struct {
	Topic   string
	Backend string
	Handler cbus.Handler
}

// RouteTable is an ordered, immutable list of routes built once at startup.
type RouteTable struct {
	routes []Route
}

// NewRouteTable copies routes into a new table; later changes to the caller's
// slice do not affect it.
func NewRouteTable(routes ...Route) *RouteTable {
	return &RouteTable{routes: append([]Route(nil), routes...)}
}

// Routes returns a copy of the declared routes in declaration order.
func (t *RouteTable) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// Len returns the number of declared routes.
func (t *RouteTable) Len() int { return len(t.routes) }

// BindAll subscribes every route in declaration order and stops at the first
// failure, so routes after the failing one stay unbound. It returns how many
// routes were bound.
func (t *RouteTable) BindAll(ctx context.Context, reg *Registry) (int, error) {
	for i, rt := range t.routes {
		if err := reg.Subscribe(ctx, rt.Topic, rt.Handler, rt.Backend); err != nil {
			return i, fmt.Errorf("bind route %d (%s on %s): %w", i, rt.Topic, rt.Backend, err)
		}
	}

	return len(t.routes), nil
}
