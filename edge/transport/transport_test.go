package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/edgemod/log2"
)

type statusEvent struct {
	status Status
	reason Reason
}

func newTestSession(t testing.TB, b *Broker, id string) (*LoopbackSession, chan *Message, chan statusEvent) {
	s := b.NewSession(Options{
		Broker:         "mem://test",
		ClientID:       id,
		ReconnectDelay: 10 * time.Millisecond,
		Log:            log2.NewTest(t, log2.LDebug),
	})
	inbox := make(chan *Message, 16)
	states := make(chan statusEvent, 16)
	s.SetMessageHandler(func(m *Message) { inbox <- m })
	s.SetStatusHandler(func(st Status, r Reason) { states <- statusEvent{st, r} })
	return s, inbox, states
}

func recvMessage(t testing.TB, ch <-chan *Message) *Message {
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func recvStatus(t testing.TB, ch <-chan statusEvent) statusEvent {
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status")
		return statusEvent{}
	}
}

func TestLoopbackPubSub(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := NewBroker(log2.NewTest(t, log2.LDebug))
	sub, inbox, states := newTestSession(t, b, "sub")
	pub, _, _ := newTestSession(t, b, "pub")
	require.NoError(t, sub.Open(ctx))
	require.NoError(t, sub.Open(ctx)) // idempotent
	assert.Equal(t, statusEvent{Connected, ReasonConnectionOK}, recvStatus(t, states))
	require.NoError(t, pub.Open(ctx))
	require.NoError(t, sub.Subscribe(ctx, "d/m/methods/+", AtLeastOnce))

	require.NoError(t, pub.Publish(ctx, &Message{
		Topic:         "d/m/methods/reset",
		Payload:       []byte(`{}`),
		QOS:           AtLeastOnce,
		CorrelationID: "c1",
		ResponseTopic: "d/m/methods/reset/response",
		Properties:    Properties{{"k", "v"}},
	}))
	m := recvMessage(t, inbox)
	assert.Equal(t, "d/m/methods/reset", m.Topic)
	assert.Equal(t, "c1", m.CorrelationID)
	assert.Equal(t, "d/m/methods/reset/response", m.ResponseTopic)
	assert.Equal(t, Properties{{"k", "v"}}, m.Properties)
	assert.Equal(t, []byte(`{}`), m.Payload)

	// wire filter d/m/methods/+/+ also matches this, session must drop it
	require.NoError(t, pub.Publish(ctx, &Message{Topic: "d/m/methods/reset/response"}))
	require.NoError(t, pub.Publish(ctx, &Message{Topic: "d/m/methods/plain"}))
	m = recvMessage(t, inbox)
	assert.Equal(t, "d/m/methods/plain", m.Topic)
	b.Wait()
	assert.Len(t, inbox, 0)

	stat := sub.Stat()
	assert.Equal(t, uint64(2), stat.Received)
	assert.Equal(t, uint32(1), stat.Connects)
	assert.Equal(t, Connected, stat.Status)
	assert.NotZero(t, stat.SinceConnected)
	assert.Zero(t, stat.SinceDisconnected)
	assert.True(t, stat.SinceReceived <= stat.SinceConnected, "received=%v connected=%v", stat.SinceReceived, stat.SinceConnected)
	assert.Equal(t, uint64(3), pub.Stat().Sent)
}

func TestLoopbackDeliveryOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := NewBroker(log2.NewTest(t, log2.LDebug))
	sub, _, _ := newTestSession(t, b, "sub")
	const n = 200
	got := make(chan string, n)
	sub.SetMessageHandler(func(m *Message) { got <- string(m.Payload) })
	require.NoError(t, sub.Open(ctx))
	require.NoError(t, sub.Subscribe(ctx, "d/m/twin/desired", AtLeastOnce))
	for i := 0; i < n; i++ {
		b.Publish(&Message{Topic: "d/m/twin/desired", Payload: []byte(fmt.Sprint(i))})
	}
	b.Wait()
	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprint(i), <-got)
	}
}

func TestLoopbackResubscribeBeforeConnected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := NewBroker(log2.NewTest(t, log2.LDebug))
	sub, inbox, _ := newTestSession(t, b, "sub")
	pub, _, _ := newTestSession(t, b, "pub")
	require.NoError(t, pub.Open(ctx))
	require.NoError(t, sub.Subscribe(ctx, "d/m/twin/#", AtLeastOnce)) // recorded before open

	var mu sync.Mutex
	var events []statusEvent
	reconnected := make(chan struct{})
	sub.SetStatusHandler(func(st Status, r Reason) {
		mu.Lock()
		events = append(events, statusEvent{st, r})
		n := len(events)
		mu.Unlock()
		if n == 3 {
			// subscriptions already restored at this point
			assert.NoError(t, pub.Publish(ctx, &Message{Topic: "d/m/twin/desired", Payload: []byte("1")}))
			close(reconnected)
		}
	})
	require.NoError(t, sub.Open(ctx))
	b.Drop("sub")
	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("no reconnect")
	}
	m := recvMessage(t, inbox)
	assert.Equal(t, "d/m/twin/desired", m.Topic)
	mu.Lock()
	assert.Equal(t, []statusEvent{
		{Connected, ReasonConnectionOK},
		{Disconnected, ReasonCommunicationError},
		{Connected, ReasonConnectionOK},
	}, events)
	mu.Unlock()
}

func TestLoopbackDisconnectedPublish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := NewBroker(nil)
	s, _, states := newTestSession(t, b, "s")
	require.NoError(t, s.Open(ctx))
	recvStatus(t, states)
	require.NotNil(t, b.Disconnect("s"))
	assert.Equal(t, statusEvent{Disconnected, ReasonCommunicationError}, recvStatus(t, states))
	assert.Error(t, s.Publish(ctx, &Message{Topic: "x"}))
	b.Reconnect(s)
	assert.Equal(t, statusEvent{Connected, ReasonConnectionOK}, recvStatus(t, states))
	assert.NoError(t, s.Publish(ctx, &Message{Topic: "x"}))
	require.NoError(t, s.Close())
	assert.Equal(t, statusEvent{Disconnected, ReasonClientClose}, recvStatus(t, states))
	require.NoError(t, s.Close())
}

func TestLoopbackRetained(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := NewBroker(nil)
	b.Publish(&Message{Topic: "d/m/twin/reported", Payload: []byte(`{"a":1}`), Retain: true, ContentType: "application/json"})
	b.Publish(&Message{Topic: "d/m/twin/reported", Payload: []byte(`{"a":2}`), Retain: true, ContentType: "application/json"})
	rm, ok := b.Retained("d/m/twin/reported")
	require.True(t, ok)
	assert.Equal(t, `{"a":2}`, string(rm.Payload))

	s, inbox, _ := newTestSession(t, b, "late")
	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.Subscribe(ctx, "d/m/twin/reported", AtLeastOnce))
	m := recvMessage(t, inbox)
	assert.True(t, m.Retain)
	assert.Equal(t, "application/json", m.ContentType)
	assert.Equal(t, `{"a":2}`, string(m.Payload))
}

func TestSubscribeInvalid(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSession(t, NewBroker(nil), "s")
	err := s.Subscribe(context.Background(), "a/#/b", AtMostOnce)
	assert.True(t, errors.IsNotValid(err))
}

func TestNewSession(t *testing.T) {
	t.Parallel()
	cases := []struct {
		broker string
		expect string
	}{
		{"tcp://127.0.0.1:1883", "paho"},
		{"ssl://hub:8883", "paho"},
		{"ws://hub/mqtt", "paho"},
		{"mem://new-session-test", "loopback"},
		{"ftp://hub", "error"},
		{"://", "error"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.broker, func(t *testing.T) {
			s, err := NewSession(Options{Broker: c.broker, ClientID: "d.m"})
			switch c.expect {
			case "paho":
				require.NoError(t, err)
				assert.IsType(t, &PahoSession{}, s)
			case "loopback":
				require.NoError(t, err)
				assert.IsType(t, &LoopbackSession{}, s)
			case "error":
				assert.True(t, errors.IsNotValid(err), errors.ErrorStack(err))
			}
		})
	}
	assert.Same(t, LookupBroker("same"), LookupBroker("same"))
	_, err := NewSession(Options{Broker: "mem://x"})
	assert.True(t, errors.IsNotValid(err))
}

func TestLoopbackOpenCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, _, _ := newTestSession(t, NewBroker(nil), "s")
	err := s.Open(ctx)
	assert.True(t, IsConnectError(err))
	// keeps trying in background like network session
	require.Eventually(t, func() bool { return s.Status() == Connected }, time.Second, time.Millisecond)
	require.NoError(t, s.Close())
}
