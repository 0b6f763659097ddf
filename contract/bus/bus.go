package bus

import "context"

// Backend is a named messaging endpoint. The registry treats every transport
// (Kafka, NATS, RabbitMQ, Redis Streams, in-memory) uniformly through this set.
//
// Subscribe is only valid before Run. Run blocks while the backend delivers
// messages and returns once Shutdown is called or ctx is cancelled. Shutdown
// stops delivery, waits (bounded by ctx) for in-flight deliveries to drain and
// releases the transport. Shutdown is idempotent.
type Backend interface {
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
