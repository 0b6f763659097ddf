package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/next-trace/scg-banker/aml"
	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
	"github.com/next-trace/scg-banker/servicebus"
)

const tracerName = "github.com/next-trace/scg-banker/router"

// Router screens inbound withdrawal commands through the AML gate and
// republishes passing ones, unmodified, to the payment rail chosen by the
// routing table. It holds no per-message state and is safe for concurrent use.
type Router struct {
	checker aml.Checker
	pub     cbus.Publisher
	table   *Table
	backend string

	logger *zap.Logger
	rec    Recorder
	tracer trace.Tracer
	prop   cbus.HeaderPropagator
}

// Option configures a Router.
type Option func(*Router)

// WithTable replaces the default rail table.
func WithTable(t *Table) Option {
	return func(r *Router) {
		if t != nil {
			r.table = t
		}
	}
}

// WithOutboundBackend sets the backend used for rails without a pinned backend.
func WithOutboundBackend(name string) Option {
	return func(r *Router) {
		if name != "" {
			r.backend = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecorder sets the outcome recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Router) {
		if rec != nil {
			r.rec = rec
		}
	}
}

// WithTracer sets the tracer used for per-message spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithPropagator sets how trace context travels through message headers.
func WithPropagator(p cbus.HeaderPropagator) Option {
	return func(r *Router) {
		if p != nil {
			r.prop = p
		}
	}
}

// New constructs a Router. checker and pub are required.
func New(checker aml.Checker, pub cbus.Publisher, opts ...Option) *Router {
	r := &Router{
		checker: checker,
		pub:     pub,
		table:   DefaultTable(),
		backend: DefaultBackend,
		logger:  zap.NewNop(),
		rec:     nopRecorder{},
		tracer:  otel.Tracer(tracerName),
		prop:    cbus.NopHeaderPropagator{},
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

// Table returns the routing table in use.
func (r *Router) Table() *Table { return r.table }

// OutboundBackend returns the backend used for rails without a pinned backend.
func (r *Router) OutboundBackend() string { return r.backend }

// OutboundBackends lists every backend the router may publish to: the default
// first, then each distinct pinned backend in rail order.
func (r *Router) OutboundBackends() []string {
	return outboundBackends(r.backend, r.table)
}

func outboundBackends(def string, t *Table) []string {
	out := []string{def}
	seen := map[string]bool{def: true}

	for _, rail := range t.rails {
		if rail.Backend == "" || seen[rail.Backend] {
			continue
		}

		seen[rail.Backend] = true
		out = append(out, rail.Backend)
	}

	return out
}

// ResolveTopic applies the routing table to a discriminator value.
func (r *Router) ResolveTopic(discriminator string) string { return r.table.Resolve(discriminator) }

// Routes returns the inbound route declarations served by this router, all
// bound on backend.
func (r *Router) Routes(backend string) []servicebus.Route {
	return []servicebus.Route{
		{Topic: TopicLedgerWithdraw, Backend: backend, Handler: r.HandleWithdrawal},
		{Topic: TopicLedgerCheckResult, Backend: backend, Handler: r.HandleCheckResult},
	}
}

// HandleWithdrawal screens msg and, when the AML verdict passes, publishes the
// original payload to the resolved rail. A failing verdict drops the command
// and returns nil. Errors from the AML call or the publish are returned
// wrapped in ErrUpstream so the delivering backend can apply its redelivery
// policy; the router never retries.
func (r *Router) HandleWithdrawal(ctx context.Context, msg cbus.Message) error {
	ctx = r.prop.Extract(ctx, msg.Headers)

	ctx, span := r.tracer.Start(ctx, "withdrawal.route",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("messaging.message.key", msg.Key),
		))
	defer span.End()

	log := r.logger.With(zap.String("topic", msg.Topic), zap.String("key", msg.Key))
	log.Debug("handling withdrawal", zap.ByteString("payload", msg.Payload))

	start := time.Now()
	verdict, err := r.checker.Check(ctx, msg)
	r.rec.AMLChecked(time.Since(start))

	if err != nil {
		r.rec.WithdrawalFailed(StageAML)
		span.RecordError(err)
		span.SetStatus(codes.Error, "aml check failed")
		log.Error("aml check errored", zap.Error(err))

		return fmt.Errorf("withdraw %s: aml check: %w", msg.Key, errors.Join(berr.ErrUpstream, err))
	}

	span.SetAttributes(attribute.Bool("aml.passed", verdict.Passed))

	if !verdict.Passed {
		r.rec.WithdrawalRejected()
		log.Warn("aml check failed, withdrawal dropped", zap.String("reason", verdict.Reason))

		return nil
	}

	discriminator := Discriminator(msg.Payload)
	topic := r.table.Resolve(discriminator)
	backend := r.table.BackendFor(topic, r.backend)

	span.SetAttributes(
		attribute.String("banker.discriminator", discriminator),
		attribute.String("banker.rail", topic),
	)

	headers := cbus.CloneHeaders(msg.Headers, 2)
	r.prop.Inject(ctx, headers)

	opts := cbus.PublishOptions{Key: msg.Key, Headers: headers}
	if err := r.pub.PublishTo(ctx, backend, topic, msg.Payload, opts); err != nil {
		r.rec.WithdrawalFailed(StagePublish)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		log.Error("withdrawal publish failed", zap.String("rail", topic), zap.String("backend", backend), zap.Error(err))

		return fmt.Errorf("withdraw %s: publish %s: %w", msg.Key, topic, errors.Join(berr.ErrUpstream, err))
	}

	r.rec.WithdrawalRouted(topic)
	log.Info("withdrawal routed",
		zap.String("discriminator", discriminator),
		zap.String("rail", topic),
		zap.String("backend", backend))

	return nil
}

// HandleCheckResult observes a ledger check result. It takes no further action.
func (r *Router) HandleCheckResult(_ context.Context, msg cbus.Message) error {
	r.rec.CheckResultObserved()
	r.logger.Info("check result received",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.ByteString("payload", msg.Payload))

	return nil
}
