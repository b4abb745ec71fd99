package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	received []Message
}

func (r *recorder) handle(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, msg)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func waitForCount(t *testing.T, r *recorder, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count() == want },
		time.Second, time.Millisecond, "wanted %d messages, have %d", want, r.count())
}

func TestTransport_SendAndReceive(t *testing.T) {
	bus := NewBus()
	clock := clockwork.NewRealClock()
	sender := bus.Transport(GameSessionChannel("s1"), "s1", clock)
	receiver := bus.Transport(GameSessionChannel("s1"), "s1", clock)
	defer sender.Destroy()
	defer receiver.Destroy()

	rec := &recorder{}
	receiver.Subscribe(MessageTypePing, rec.handle)

	err := sender.Send(MessageTypePing, PingPayload{ConnectionType: "host"})
	require.NoError(t, err)

	waitForCount(t, rec, 1)
	assert.Equal(t, MessageTypePing, rec.received[0].Type)
	assert.Equal(t, "s1", rec.received[0].SessionID)
	assert.NotZero(t, rec.received[0].Timestamp)
}

func TestTransport_NoSelfDelivery(t *testing.T) {
	bus := NewBus()
	clock := clockwork.NewRealClock()
	tr := bus.Transport(GameSessionChannel("s1"), "s1", clock)
	defer tr.Destroy()

	rec := &recorder{}
	tr.Subscribe(MessageTypePing, rec.handle)

	require.NoError(t, tr.Send(MessageTypePing, nil))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.count(), "sender must not receive its own broadcast")
}

func TestTransport_SessionIsolation(t *testing.T) {
	bus := NewBus()
	clock := clockwork.NewRealClock()
	s1 := bus.Transport(GameSessionChannel("s1"), "s1", clock)
	s2 := bus.Transport(GameSessionChannel("s2"), "s2", clock)
	defer s1.Destroy()
	defer s2.Destroy()

	rec := &recorder{}
	s2.Subscribe(MessageTypePing, rec.handle)

	// Different channel entirely.
	require.NoError(t, s1.Send(MessageTypePing, nil))

	// Same channel, wrong bound session id: a bridge could forward a foreign
	// envelope onto our channel; it must still be discarded before handlers.
	s2b := bus.Transport(GameSessionChannel("s2"), "s2", clock)
	defer s2b.Destroy()
	s2b.Forward(Message{Type: MessageTypePing, SessionID: "s1", Timestamp: clock.Now().UnixMilli()})
	s2b.Forward(Message{Type: MessageTypePing, SessionID: "s2", Timestamp: clock.Now().UnixMilli()})

	waitForCount(t, rec, 1)
	assert.Equal(t, "s2", rec.received[0].SessionID)
}

func TestTransport_HandlerOrderAndPanicIsolation(t *testing.T) {
	bus := NewBus()
	clock := clockwork.NewRealClock()
	sender := bus.Transport(ClassroomChannel("s1"), "s1", clock)
	receiver := bus.Transport(ClassroomChannel("s1"), "s1", clock)
	defer sender.Destroy()
	defer receiver.Destroy()

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	receiver.Subscribe(MessageTypeSlideUpdate, func(Message) { record("first") })
	receiver.Subscribe(MessageTypeSlideUpdate, func(Message) {
		record("second")
		panic("handler failure")
	})
	receiver.Subscribe(MessageTypeSlideUpdate, func(Message) { record("third") })

	require.NoError(t, sender.Send(MessageTypeSlideUpdate, nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestTransport_Unsubscribe(t *testing.T) {
	bus := NewBus()
	clock := clockwork.NewRealClock()
	sender := bus.Transport(GameSessionChannel("s1"), "s1", clock)
	receiver := bus.Transport(GameSessionChannel("s1"), "s1", clock)
	defer sender.Destroy()
	defer receiver.Destroy()

	rec := &recorder{}
	unsubscribe := receiver.Subscribe(MessageTypePing, rec.handle)

	require.NoError(t, sender.Send(MessageTypePing, nil))
	waitForCount(t, rec, 1)

	unsubscribe()
	unsubscribe() // safe to call twice

	require.NoError(t, sender.Send(MessageTypePing, nil))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestTransport_SendMarshalErrorSurfaced(t *testing.T) {
	bus := NewBus()
	tr := bus.Transport(GameSessionChannel("s1"), "s1", clockwork.NewRealClock())
	defer tr.Destroy()

	err := tr.Send(MessageTypePing, func() {}) // unserializable
	require.Error(t, err)
}

func TestTransport_DestroyIdempotent(t *testing.T) {
	bus := NewBus()
	clock := clockwork.NewRealClock()
	a := bus.Transport(GameSessionChannel("s1"), "s1", clock)
	b := bus.Transport(GameSessionChannel("s1"), "s1", clock)

	rec := &recorder{}
	b.Subscribe(MessageTypePing, rec.handle)

	b.Destroy()
	b.Destroy() // safe to call twice

	require.NoError(t, a.Send(MessageTypePing, nil))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.count())

	a.Destroy()

	// Last transport gone: the channel is released.
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	assert.Empty(t, bus.channels)
}

func TestTransport_PerProducerOrdering(t *testing.T) {
	bus := NewBus()
	clock := clockwork.NewRealClock()
	sender := bus.Transport(GameSessionChannel("s1"), "s1", clock)
	receiver := bus.Transport(GameSessionChannel("s1"), "s1", clock)
	defer sender.Destroy()
	defer receiver.Destroy()

	rec := &recorder{}
	receiver.SubscribeAll(rec.handle)

	for i := 0; i < 50; i++ {
		require.NoError(t, sender.Send(MessageTypeVideoStateUpdate, VideoStatePayload{SlideID: "slide-1"}))
	}
	waitForCount(t, rec, 50)
}
