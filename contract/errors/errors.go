package errors

// Error codes for the banker contracts. Keep stable; used across adapters, registry and router.
const (
	ErrCodeDuplicateBackend    = "banker.duplicate_backend"
	ErrCodeUnknownBackend      = "banker.unknown_backend"
	ErrCodeRouteExists         = "banker.route_exists"
	ErrCodeUpstream            = "banker.upstream_failure"
	ErrCodeShutdown            = "banker.shutdown_failed"
	ErrCodeInvalidState        = "banker.invalid_state"
	ErrCodeBackendRunning      = "banker.backend_running"
	ErrCodeBackendClosed       = "banker.backend_closed"
	ErrCodePublishFailed       = "banker.publish_failed"
	ErrCodeSubscribeFailed     = "banker.subscribe_failed"
	ErrCodeSerializationFailed = "banker.serialization_failed"
	ErrCodeInvalidConfig       = "banker.invalid_config"
	ErrCodeNoSubscriber        = "banker.no_subscriber"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrDuplicateBackend    = Code(ErrCodeDuplicateBackend)
	ErrUnknownBackend      = Code(ErrCodeUnknownBackend)
	ErrRouteExists         = Code(ErrCodeRouteExists)
	ErrUpstream            = Code(ErrCodeUpstream)
	ErrShutdown            = Code(ErrCodeShutdown)
	ErrInvalidState        = Code(ErrCodeInvalidState)
	ErrBackendRunning      = Code(ErrCodeBackendRunning)
	ErrBackendClosed       = Code(ErrCodeBackendClosed)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSubscribeFailed     = Code(ErrCodeSubscribeFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrInvalidConfig       = Code(ErrCodeInvalidConfig)
	ErrNoSubscriber        = Code(ErrCodeNoSubscriber)
)
