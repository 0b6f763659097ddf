package bus

import "context"

// Publisher publishes to a topic on a named backend.
// servicebus.Registry implements it; routers depend on this interface only.
type Publisher interface {
	PublishTo(ctx context.Context, backend, topic string, payload []byte, opts PublishOptions) error
}
