package notify

import (
	"log/slog"
	"time"

	"github.com/qvcloud/portfolio/broker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/qvcloud/portfolio/internal/notify"

type options struct {
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	publishTimeout   time.Duration
	failureThreshold uint32
	resetTimeout     time.Duration
	publishOptions   []broker.PublishOption
}

// Option configures a Producer or a Consumer.
type Option func(*options)

func newOptions(opts ...Option) options {
	o := options{
		failureThreshold: 5,
		resetTimeout:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentation)
	}
	if o.meter == nil {
		o.meter = otel.Meter(instrumentation)
	}
	return o
}

// inherit seeds the telemetry providers from the broker's own options so a
// Tracer or Meter set on the broker is used unless overridden here.
func inherit(bo broker.Options) Option {
	return func(o *options) {
		if bo.Tracer != nil {
			o.tracer = bo.Tracer
		}
		if bo.Meter != nil {
			o.meter = bo.Meter
		}
	}
}

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithPublishTimeout bounds each Publish call. Zero leaves the caller's
// context untouched.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *options) { o.publishTimeout = d }
}

// WithCircuitBreaker opens the producer circuit after threshold consecutive
// publish failures and keeps it open for reset. A zero threshold disables it.
func WithCircuitBreaker(threshold uint32, reset time.Duration) Option {
	return func(o *options) {
		o.failureThreshold = threshold
		o.resetTimeout = reset
	}
}

// WithPublishOptions appends broker-specific options to every publish.
func WithPublishOptions(opts ...broker.PublishOption) Option {
	return func(o *options) { o.publishOptions = append(o.publishOptions, opts...) }
}
