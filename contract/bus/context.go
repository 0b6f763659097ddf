package bus

import "context"

// HeaderPropagator carries trace context across process boundaries through
// message headers. Implementations may bridge to OpenTelemetry or any other
// propagation standard and must be safe for concurrent use.
type HeaderPropagator interface {
	// Inject writes the context carried by ctx into headers.
	Inject(ctx context.Context, headers map[string]string)
	// Extract returns ctx enriched with the context found in headers.
	Extract(ctx context.Context, headers map[string]string) context.Context
}

// NopHeaderPropagator is a no-op implementation useful for tests or when tracing is disabled.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(context.Context, map[string]string) {}

func (NopHeaderPropagator) Extract(ctx context.Context, _ map[string]string) context.Context {
	return ctx
}
