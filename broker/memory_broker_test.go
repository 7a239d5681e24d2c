package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connected(t *testing.T, s *MemoryServer) Broker {
	t.Helper()
	b := s.NewBroker()
	require.NoError(t, b.Connect())
	t.Cleanup(func() { b.Disconnect() })
	return b
}

func TestMemoryBroker_PublishSubscribe(t *testing.T) {
	s := NewMemoryServer()
	pub := connected(t, s)
	sub := connected(t, s)
	q := DefaultQueue()

	require.NoError(t, pub.Declare(context.Background(), q))
	require.NoError(t, sub.Declare(context.Background(), q))

	received := make(chan string, 2)
	subscription, err := sub.Subscribe(q.Name, func(ctx context.Context, event Event) error {
		received <- string(event.Message().Body)
		return nil
	})
	require.NoError(t, err)
	defer subscription.Unsubscribe()

	require.NoError(t, pub.Publish(context.Background(), q.Name, &Message{Body: []byte("a")}))
	require.NoError(t, pub.Publish(context.Background(), q.Name, &Message{Body: []byte("b")}))

	for _, want := range []string{"a", "b"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestMemoryBroker_DeclareMismatch(t *testing.T) {
	s := NewMemoryServer()
	b := connected(t, s)

	require.NoError(t, b.Declare(context.Background(), DefaultQueue()))

	transient := QueueSpec{Name: "notifications"}
	err := b.Declare(context.Background(), transient)
	assert.ErrorIs(t, err, ErrQueueMismatch)
}

func TestMemoryBroker_NotConnected(t *testing.T) {
	b := NewMemoryServer().NewBroker()

	err := b.Publish(context.Background(), "notifications", &Message{Body: []byte("x")})
	assert.True(t, IsPublishError(err))
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, b.Declare(context.Background(), DefaultQueue()), ErrNotConnected)

	_, err = b.Subscribe("notifications", func(context.Context, Event) error { return nil })
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMemoryBroker_ServerDown(t *testing.T) {
	s := NewMemoryServer()
	s.SetDown(true)

	b := s.NewBroker()
	err := b.Connect()
	assert.True(t, IsConnectionError(err))

	s.SetDown(false)
	assert.NoError(t, b.Connect())
	assert.NoError(t, b.Declare(context.Background(), DefaultQueue()))

	sub, err := b.Subscribe("notifications", func(context.Context, Event) error { return nil })
	require.NoError(t, err)

	s.SetDown(true)
	select {
	case <-sub.Done():
		assert.ErrorIs(t, sub.Err(), ErrSubscriptionLost)
	case <-time.After(time.Second):
		t.Fatal("subscription did not end")
	}

	err = b.Publish(context.Background(), "notifications", &Message{Body: []byte("x")})
	assert.True(t, IsPublishError(err))
	assert.NoError(t, b.Disconnect())
}

func TestMemoryBroker_AutoAckDoesNotRedeliver(t *testing.T) {
	s := NewMemoryServer()
	b := connected(t, s)
	require.NoError(t, b.Declare(context.Background(), DefaultQueue()))

	calls := make(chan struct{}, 4)
	sub, err := b.Subscribe("notifications", func(context.Context, Event) error {
		calls <- struct{}{}
		return errors.New("handler failed")
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "notifications", &Message{Body: []byte("once")}))

	<-calls
	select {
	case <-calls:
		t.Fatal("message was redelivered")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, s.Len("notifications"))
}

func TestMemoryBroker_ManualAckRequeues(t *testing.T) {
	s := NewMemoryServer()
	b := connected(t, s)
	require.NoError(t, b.Declare(context.Background(), DefaultQueue()))

	attempts := make(chan int, 4)
	n := 0
	sub, err := b.Subscribe("notifications", func(context.Context, Event) error {
		n++
		attempts <- n
		if n == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	}, DisableAutoAck())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "notifications", &Message{Body: []byte("retry")}))

	for _, want := range []int{1, 2} {
		select {
		case got := <-attempts:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
}

func TestMemoryBroker_UnsubscribeIdle(t *testing.T) {
	s := NewMemoryServer()
	b := connected(t, s)
	require.NoError(t, b.Declare(context.Background(), DefaultQueue()))

	sub, err := b.Subscribe("notifications", func(context.Context, Event) error { return nil })
	require.NoError(t, err)

	assert.NoError(t, sub.Unsubscribe())
	assert.NoError(t, sub.Err())
	assert.NoError(t, b.Disconnect())
	assert.NoError(t, b.Disconnect())
}

func TestMemoryBroker_Methods(t *testing.T) {
	b := NewMemoryServer().NewBroker()
	assert.Equal(t, "memory", b.Address())
	assert.Equal(t, "memory", b.String())
	assert.NoError(t, b.Init(ClientID("relay")))
	assert.Equal(t, "relay", b.Options().ClientID)
}

func BenchmarkMemoryBroker_Publish(b *testing.B) {
	s := NewMemoryServer()
	br := s.NewBroker()
	br.Connect()
	defer br.Disconnect()
	br.Declare(context.Background(), QueueSpec{Name: "bench"})
	msg := &Message{Body: []byte("test")}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = br.Publish(ctx, "bench", msg)
	}
}
