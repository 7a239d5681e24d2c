package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/qvcloud/portfolio/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type mockEvent struct {
	topic string
	body  []byte
}

func (m *mockEvent) Topic() string            { return m.topic }
func (m *mockEvent) Message() *broker.Message { return &broker.Message{Body: m.body} }
func (m *mockEvent) Ack() error               { return nil }
func (m *mockEvent) Nack(requeue bool) error  { return nil }
func (m *mockEvent) Error() error             { return nil }

func newRecorder() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

func attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, a := range span.Attributes() {
		if a.Key == attribute.Key(key) {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOtelHandler(t *testing.T) {
	sr, tracer := newRecorder()

	h := OtelHandler(func(ctx context.Context, event broker.Event) error {
		assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
		return nil
	}, WithTracer(tracer), WithSystem("rabbitmq"))

	event := &mockEvent{topic: "notifications", body: []byte("hello")}
	err := h(context.Background(), event)
	assert.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "broker.handle", spans[0].Name())
	assert.Equal(t, trace.SpanKindConsumer, spans[0].SpanKind())

	v, ok := attr(spans[0], "messaging.destination")
	assert.True(t, ok)
	assert.Equal(t, "notifications", v.AsString())

	v, _ = attr(spans[0], "messaging.system")
	assert.Equal(t, "rabbitmq", v.AsString())

	v, _ = attr(spans[0], "messaging.message.body.size")
	assert.Equal(t, int64(5), v.AsInt64())
}

func TestOtelHandler_Error(t *testing.T) {
	sr, tracer := newRecorder()

	h := OtelHandler(func(ctx context.Context, event broker.Event) error {
		return errors.New("hub closed")
	}, WithTracer(tracer))

	err := h(context.Background(), &mockEvent{topic: "notifications"})
	assert.EqualError(t, err, "hub closed")

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
}

func TestOtelPublish(t *testing.T) {
	sr, tracer := newRecorder()

	var gotTopic string
	p := OtelPublish(func(ctx context.Context, topic string, msg *broker.Message) error {
		gotTopic = topic
		return nil
	}, WithTracer(tracer))

	err := p(context.Background(), "notifications", &broker.Message{Body: []byte("x")})
	assert.NoError(t, err)
	assert.Equal(t, "notifications", gotTopic)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "broker.publish", spans[0].Name())
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind())

	v, _ := attr(spans[0], "messaging.system")
	assert.Equal(t, "broker", v.AsString())
}

func TestOtelPublish_Error(t *testing.T) {
	sr, tracer := newRecorder()

	p := OtelPublish(func(ctx context.Context, topic string, msg *broker.Message) error {
		return &broker.PublishError{Broker: "memory", Topic: topic, Err: broker.ErrNotConnected}
	}, WithTracer(tracer))

	err := p(context.Background(), "notifications", &broker.Message{})
	assert.ErrorIs(t, err, broker.ErrNotConnected)
	require.Len(t, sr.Ended(), 1)
	assert.Equal(t, codes.Error, sr.Ended()[0].Status().Code)
}
