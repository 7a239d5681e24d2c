// Package middleware wraps broker handlers and publishers with OpenTelemetry
// tracing.
package middleware

import (
	"context"

	"github.com/qvcloud/portfolio/broker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/qvcloud/portfolio/middleware"

// PublishFunc has the shape of broker.Broker.Publish without options.
type PublishFunc func(ctx context.Context, topic string, msg *broker.Message) error

// OtelHandler wraps a broker handler with OpenTelemetry tracing.
func OtelHandler(h broker.Handler, opts ...Option) broker.Handler {
	options := newOptions(opts...)

	return func(ctx context.Context, event broker.Event) error {
		ctx, span := options.tracer.Start(ctx, "broker.handle",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", options.system),
				attribute.String("messaging.destination", event.Topic()),
				attribute.String("messaging.operation", "process"),
				attribute.Int("messaging.message.body.size", len(event.Message().Body)),
			),
		)
		defer span.End()

		err := h(ctx, event)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// OtelPublish wraps a publish call in a producer span.
func OtelPublish(p PublishFunc, opts ...Option) PublishFunc {
	options := newOptions(opts...)

	return func(ctx context.Context, topic string, msg *broker.Message) error {
		ctx, span := options.tracer.Start(ctx, "broker.publish",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("messaging.system", options.system),
				attribute.String("messaging.destination", topic),
				attribute.String("messaging.operation", "publish"),
				attribute.Int("messaging.message.body.size", len(msg.Body)),
			),
		)
		defer span.End()

		err := p(ctx, topic, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

type options struct {
	tracer trace.Tracer
	system string
}

func newOptions(opts ...Option) options {
	o := options{
		system: "broker",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentation)
	}
	return o
}

type Option func(*options)

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithSystem sets the messaging.system attribute, e.g. "rabbitmq".
func WithSystem(system string) Option {
	return func(o *options) {
		o.system = system
	}
}
