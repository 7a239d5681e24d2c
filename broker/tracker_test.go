package broker_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/qvcloud/portfolio/broker"
	"github.com/stretchr/testify/assert"
)

func TestOptionTracker(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := context.Background()

	type testKey struct{}

	ctx = broker.WithTrackedValue(ctx, testKey{}, "val", "test.WithOption")

	broker.WarnUnconsumed(ctx, logger)
	assert.Equal(t, 1, strings.Count(buf.String(), "test.WithOption"))

	buf.Reset()
	broker.WarnUnconsumed(ctx, logger)
	assert.Empty(t, buf.String(), "an option is reported once")

	assert.Equal(t, "val", broker.GetTrackedValue(ctx, testKey{}))
}

func TestOptionTracker_Consumed(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	type testKey struct{}
	ctx := broker.WithTrackedValue(broker.TrackOptions(context.Background()), testKey{}, 10, "test.WithCount")

	assert.Equal(t, 10, broker.GetTrackedValue(ctx, testKey{}))
	broker.WarnUnconsumed(ctx, logger)
	assert.Empty(t, buf.String())
}

func TestOptionTracker_Missing(t *testing.T) {
	type testKey struct{}
	assert.Nil(t, broker.GetTrackedValue(context.Background(), testKey{}))
	assert.Nil(t, broker.GetTrackedValue(nil, testKey{}))

	// No tracker and no logger are both tolerated.
	broker.WarnUnconsumed(context.Background(), slog.Default())
	broker.WarnUnconsumed(context.Background(), nil)
}

type benchKey struct{}

func BenchmarkTrackedValue(b *testing.B) {
	ctx := broker.TrackOptions(context.Background())

	b.Run("With", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = broker.WithTrackedValue(ctx, benchKey{}, 5*time.Second, "rabbitmq.WithReconnectInterval")
		}
	})

	b.Run("Get", func(b *testing.B) {
		tracked := broker.WithTrackedValue(ctx, benchKey{}, 5*time.Second, "rabbitmq.WithReconnectInterval")
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_ = broker.GetTrackedValue(tracked, benchKey{})
		}
	})
}
