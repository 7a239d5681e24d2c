package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/qvcloud/portfolio/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockNatsConn implements natsConn interface
type mockNatsConn struct {
	publishFunc        func(m *nats.Msg) error
	subscribeFunc      func(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	queueSubscribeFunc func(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	closeCalled        bool
}

func (m *mockNatsConn) PublishMsg(msg *nats.Msg) error {
	if m.publishFunc != nil {
		return m.publishFunc(msg)
	}
	return nil
}

func (m *mockNatsConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if m.subscribeFunc != nil {
		return m.subscribeFunc(subj, cb)
	}
	return &nats.Subscription{}, nil
}

func (m *mockNatsConn) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if m.queueSubscribeFunc != nil {
		return m.queueSubscribeFunc(subj, queue, cb)
	}
	return &nats.Subscription{}, nil
}

func (m *mockNatsConn) Close() {
	m.closeCalled = true
}

func connectedBroker(t *testing.T, mock *mockNatsConn, opts ...broker.Option) *natsBroker {
	t.Helper()
	opts = append([]broker.Option{broker.Addrs("nats://localhost:4222")}, opts...)
	b := NewBroker(opts...).(*natsBroker)
	b.newConn = func(addr string, opts ...nats.Option) (natsConn, error) {
		return mock, nil
	}
	require.NoError(t, b.Connect())
	return b
}

func TestNATS_Basic(t *testing.T) {
	b := NewBroker().(*natsBroker)
	mock := &mockNatsConn{}

	err := b.Init(broker.Addrs("nats://localhost:4222"), broker.ClientID("test-client"))
	assert.NoError(t, err)

	assert.Equal(t, "nats", b.String())
	assert.Equal(t, "test-client", b.Options().ClientID)

	var capturedOpts int
	b.newConn = func(addr string, opts ...nats.Option) (natsConn, error) {
		capturedOpts = len(opts)
		return mock, nil
	}

	err = b.Connect()
	assert.NoError(t, err)
	assert.True(t, b.running)
	// closed handler, client name and no-reconnect
	assert.Equal(t, 3, capturedOpts)

	err = b.Disconnect()
	assert.NoError(t, err)
	assert.True(t, mock.closeCalled)
	assert.False(t, b.running)
	assert.NoError(t, b.Disconnect())
}

func TestNATS_Connect_Errors(t *testing.T) {
	t.Run("NoAddrs", func(t *testing.T) {
		b := NewBroker().(*natsBroker)
		assert.True(t, broker.IsConfigurationError(b.Connect()))
	})

	t.Run("DialFailure", func(t *testing.T) {
		b := NewBroker(broker.Addrs("nats://localhost:4222")).(*natsBroker)
		b.newConn = func(addr string, opts ...nats.Option) (natsConn, error) {
			return nil, errors.New("connection failed")
		}
		err := b.Connect()
		assert.True(t, broker.IsConnectionError(err))
		assert.ErrorContains(t, err, "connection failed")
	})
}

func TestNATS_Declare(t *testing.T) {
	b := NewBroker(broker.Addrs("nats://localhost:4222")).(*natsBroker)
	assert.ErrorIs(t, b.Declare(context.Background(), broker.DefaultQueue()), broker.ErrNotConnected)

	b = connectedBroker(t, &mockNatsConn{})
	defer b.Disconnect()
	assert.NoError(t, b.Declare(context.Background(), broker.DefaultQueue()))
	assert.True(t, broker.IsConfigurationError(b.Declare(context.Background(), broker.QueueSpec{})))
}

func TestNATS_Publish(t *testing.T) {
	mock := &mockNatsConn{}
	b := connectedBroker(t, mock)
	defer b.Disconnect()
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		mock.publishFunc = func(m *nats.Msg) error {
			assert.Equal(t, "test-topic", m.Subject)
			assert.Equal(t, []byte("hello"), m.Data)
			return nil
		}
		err := b.Publish(ctx, "test-topic", &broker.Message{Body: []byte("hello")})
		assert.NoError(t, err)
	})

	t.Run("Error", func(t *testing.T) {
		mock.publishFunc = func(m *nats.Msg) error {
			return errors.New("nats error")
		}
		err := b.Publish(ctx, "test-topic", &broker.Message{Body: []byte("fail")})
		assert.True(t, broker.IsPublishError(err))
	})

	t.Run("Headers", func(t *testing.T) {
		mock.publishFunc = func(m *nats.Msg) error {
			assert.Equal(t, "val", m.Header.Get("Custom-Header"))
			return nil
		}
		err := b.Publish(ctx, "test-topic", &broker.Message{
			Body:   []byte("msg"),
			Header: map[string]string{"Custom-Header": "val"},
		})
		assert.NoError(t, err)
	})

	t.Run("ReplyTo", func(t *testing.T) {
		mock.publishFunc = func(m *nats.Msg) error {
			assert.Equal(t, "reply-topic", m.Reply)
			return nil
		}
		err := b.Publish(ctx, "test", &broker.Message{Body: []byte("hi")}, WithReplyTo("reply-topic"))
		assert.NoError(t, err)
	})

	t.Run("NotConnected", func(t *testing.T) {
		nb := NewBroker().(*natsBroker)
		err := nb.Publish(ctx, "test", &broker.Message{})
		assert.ErrorIs(t, err, broker.ErrNotConnected)
	})
}

func TestNATS_Subscribe(t *testing.T) {
	mock := &mockNatsConn{}
	b := connectedBroker(t, mock)
	defer b.Disconnect()

	t.Run("Simple_Subscribe", func(t *testing.T) {
		var capturedHandler nats.MsgHandler
		mock.subscribeFunc = func(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
			assert.Equal(t, "test-topic", subj)
			capturedHandler = cb
			return &nats.Subscription{}, nil
		}

		msgReceived := make(chan struct{})
		handler := func(ctx context.Context, p broker.Event) error {
			assert.Equal(t, "test-topic", p.Topic())
			assert.Equal(t, []byte("data"), p.Message().Body)
			close(msgReceived)
			return nil
		}

		sub, err := b.Subscribe("test-topic", handler)
		require.NoError(t, err)
		assert.Equal(t, "test-topic", sub.Topic())

		capturedHandler(&nats.Msg{
			Subject: "test-topic",
			Data:    []byte("data"),
		})

		select {
		case <-msgReceived:
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for message")
		}
	})

	t.Run("Queue_Subscribe", func(t *testing.T) {
		mock.queueSubscribeFunc = func(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
			assert.Equal(t, "notifications", subj)
			assert.Equal(t, "notifications", queue)
			return &nats.Subscription{}, nil
		}

		sub, err := b.Subscribe("notifications", func(ctx context.Context, p broker.Event) error { return nil }, broker.WithQueue("notifications"))
		assert.NoError(t, err)
		assert.Equal(t, "notifications", sub.Options().Queue)
	})

	t.Run("Subscribe_Error", func(t *testing.T) {
		mock.subscribeFunc = func(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
			return nil, errors.New("subscribe failed")
		}
		_, err := b.Subscribe("fail", func(ctx context.Context, p broker.Event) error { return nil })
		assert.Error(t, err)
	})

	t.Run("HandlerError", func(t *testing.T) {
		var capturedHandler nats.MsgHandler
		mock.subscribeFunc = func(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
			capturedHandler = cb
			return &nats.Subscription{}, nil
		}
		var reported error
		b.Init(broker.ErrorHandler(func(ctx context.Context, e broker.Event) error {
			reported = e.Error()
			return nil
		}))
		defer b.Init(broker.ErrorHandler(nil))

		_, err := b.Subscribe("t", func(ctx context.Context, p broker.Event) error {
			return errors.New("boom")
		})
		require.NoError(t, err)

		capturedHandler(&nats.Msg{Subject: "t", Data: []byte("x")})
		assert.EqualError(t, reported, "boom")
	})
}

func TestNATS_ConnectionClosed(t *testing.T) {
	b := connectedBroker(t, &mockNatsConn{})

	sub, err := b.Subscribe("t", func(ctx context.Context, p broker.Event) error { return nil })
	require.NoError(t, err)

	b.connectionClosed()

	select {
	case <-sub.Done():
		assert.ErrorIs(t, sub.Err(), broker.ErrSubscriptionLost)
	case <-time.After(time.Second):
		t.Fatal("subscription not ended")
	}

	err = b.Publish(context.Background(), "t", &broker.Message{})
	assert.ErrorIs(t, err, broker.ErrNotConnected)
	assert.NoError(t, b.Disconnect())
}

func TestNATS_Event(t *testing.T) {
	e := &natsEvent{
		topic:   "test",
		message: &broker.Message{Body: []byte("test")},
		nm:      &nats.Msg{},
	}
	assert.Equal(t, "test", e.Topic())
	assert.Equal(t, []byte("test"), e.Message().Body)
	assert.Nil(t, e.Error())

	// Should return error for non-JetStream message
	assert.Error(t, e.Nack(true))
	assert.Error(t, e.Nack(false))
}

func TestNATS_Subscriber_Unsubscribe(t *testing.T) {
	called := false
	sub := &natsSubscriber{
		topic:  "test",
		cancel: func() { called = true },
	}

	assert.NoError(t, sub.Unsubscribe())
	assert.True(t, called)
	<-sub.Done()
	assert.NoError(t, sub.Err())

	// A subscription without a connection cannot be removed server side.
	sub = &natsSubscriber{topic: "test", sub: &nats.Subscription{}}
	assert.Error(t, sub.Unsubscribe())
}

func TestNATS_Options(t *testing.T) {
	o := &broker.Options{}
	WithMaxReconnect(5)(o)
	assert.NotNil(t, o.Context)

	o = &broker.Options{}
	WithReconnectWait(time.Second)(o)
	assert.NotNil(t, o.Context)

	po := &broker.PublishOptions{}
	WithReplyTo("reply")(po)
	assert.NotNil(t, po.Context)

	b := NewBroker(
		broker.Addrs("localhost:4222"),
		WithMaxReconnect(10),
		WithReconnectWait(time.Second),
	).(*natsBroker)

	var capturedOpts int
	b.newConn = func(addr string, opts ...nats.Option) (natsConn, error) {
		capturedOpts = len(opts)
		return &mockNatsConn{}, nil
	}
	require.NoError(t, b.Connect())
	defer b.Disconnect()
	// closed handler, max reconnects and reconnect wait
	assert.Equal(t, 3, capturedOpts)
}
