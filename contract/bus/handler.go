package bus

import "context"

// Handler processes one delivered message.
// Implementations must be safe for concurrent use by multiple goroutines.
// A returned error is handed back to the delivering backend, which owns the
// redelivery policy.
type Handler func(ctx context.Context, msg Message) error
