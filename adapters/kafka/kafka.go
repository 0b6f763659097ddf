package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/next-trace/scg-banker/adapters/internal/runloop"
	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
)

// ErrReaderClosed is returned by a Reader whose underlying client has been closed.
var ErrReaderClosed = errors.New("kafka reader closed")

// Writer is a minimal Kafka-like synchronous producer.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Record is one consumed Kafka record.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
}

// Reader is a minimal consumer-group reader. Poll blocks until records are
// available or ctx is done; the returned error may accompany records when only
// some partitions failed. Commit marks everything polled so far as consumed.
// Rewind makes the next Poll resume each listed partition at the given offset.
type Reader interface {
	AddTopics(topics ...string)
	Poll(ctx context.Context) ([]Record, error)
	Commit(ctx context.Context) error
	Rewind(offsets map[string]map[int32]int64)
}

// DefaultRetryDelay is the pause before re-polling a batch a handler failed on.
const DefaultRetryDelay = time.Second

// Adapter implements cbus.Backend on top of a Writer and a Reader.
type Adapter struct {
	Writer Writer
	Reader Reader

	loop       runloop.Loop
	subs       runloop.Subscriptions
	logger     *zap.Logger
	close      func()
	retryDelay time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger for delivery and commit failures.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRetryDelay sets the pause before a failed batch is polled again.
func WithRetryDelay(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.retryDelay = d
		}
	}
}

// WithCloser registers a release func called once on Shutdown.
func WithCloser(fn func()) Option {
	return func(a *Adapter) { a.close = fn }
}

var _ cbus.Backend = (*Adapter)(nil)

// New creates a new Kafka adapter. A nil Reader makes the adapter publish-only.
func New(w Writer, r Reader, opts ...Option) *Adapter {
	a := &Adapter{Writer: w, Reader: r, logger: zap.NewNop(), retryDelay: DefaultRetryDelay}
	for _, o := range opts {
		o(a)
	}

	return a
}

func (a *Adapter) Publish(ctx context.Context, topic string, payload []byte, opts cbus.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := a.loop.Open(); err != nil {
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}

	if a.Writer == nil {
		return fmt.Errorf("kafka publish: %w", berr.ErrPublishFailed)
	}

	var key []byte
	if opts.Key != "" {
		key = []byte(opts.Key)
	}

	if err := a.Writer.Write(ctx, topic, key, payload, cbus.CloneHeaders(opts.Headers, 0)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// separate return from preceding multi-line block (wsl)
		return fmt.Errorf("kafka publish write: %w", errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (a *Adapter) Subscribe(_ context.Context, topic string, h cbus.Handler) error {
	if a.Reader == nil {
		return fmt.Errorf("kafka subscribe %s: %w", topic, berr.ErrSubscribeFailed)
	}

	if err := a.loop.CanSubscribe(); err != nil {
		return fmt.Errorf("kafka subscribe %s: %w", topic, err)
	}

	return a.subs.Add(topic, h)
}

// Run consumes the subscribed topics until Shutdown or ctx cancellation.
// Offsets are committed once every record of a polled batch was handled. When
// a handler fails, the batch is not committed: each failed partition is
// rewound to its first failed record and polled again after the retry delay,
// so delivery is at least once.
func (a *Adapter) Run(ctx context.Context) error {
	runCtx, err := a.loop.Begin(ctx)
	if err != nil {
		return fmt.Errorf("kafka %w", err)
	}
	defer a.loop.End()

	topics := a.subs.Topics()
	if len(topics) == 0 || a.Reader == nil {
		<-runCtx.Done()
		return nil
	}

	a.Reader.AddTopics(topics...)

	for {
		recs, err := a.Reader.Poll(runCtx)
		if runCtx.Err() != nil {
			return nil
		}

		if errors.Is(err, ErrReaderClosed) {
			return fmt.Errorf("kafka poll: %w", errors.Join(berr.ErrSubscribeFailed, err))
		}

		if err != nil {
			a.logger.Warn("kafka fetch errors", zap.Error(err))
		}

		if len(recs) == 0 {
			continue
		}

		if failed := a.deliverBatch(context.WithoutCancel(runCtx), recs); len(failed) > 0 {
			a.logger.Warn("kafka batch not committed, rewinding failed partitions",
				zap.Int("records", len(recs)),
				zap.Int("topics", len(failed)),
				zap.Duration("retry_in", a.retryDelay))
			a.Reader.Rewind(failed)

			select {
			case <-runCtx.Done():
				return nil
			case <-time.After(a.retryDelay):
			}

			continue
		}

		if err := a.Reader.Commit(context.WithoutCancel(runCtx)); err != nil {
			a.logger.Error("kafka commit failed", zap.Int("records", len(recs)), zap.Error(err))
		}
	}
}

// deliverBatch hands recs to their handlers in order and returns the first
// failed offset per topic and partition. Records after a failure on the same
// partition are left for the re-poll.
func (a *Adapter) deliverBatch(ctx context.Context, recs []Record) map[string]map[int32]int64 {
	var failed map[string]map[int32]int64

	for _, rec := range recs {
		if _, stalled := failed[rec.Topic][rec.Partition]; stalled {
			continue
		}

		if err := a.deliver(ctx, rec); err == nil {
			continue
		}

		if failed == nil {
			failed = make(map[string]map[int32]int64)
		}

		if failed[rec.Topic] == nil {
			failed[rec.Topic] = make(map[int32]int64)
		}

		failed[rec.Topic][rec.Partition] = rec.Offset
	}

	return failed
}

func (a *Adapter) deliver(ctx context.Context, rec Record) error {
	h, ok := a.subs.Get(rec.Topic)
	if !ok {
		return nil
	}

	msg := cbus.Message{Topic: rec.Topic, Key: string(rec.Key), Payload: rec.Value, Headers: rec.Headers}
	if err := h(ctx, msg); err != nil {
		a.logger.Error("kafka handler failed",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Error(err))

		return err
	}

	return nil
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	first, err := a.loop.Stop(ctx)
	if first && a.close != nil {
		a.close()
	}

	if err != nil {
		return fmt.Errorf("kafka shutdown: %w", err)
	}

	return nil
}
