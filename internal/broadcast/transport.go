package broadcast

import (
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Channel namespaces. The connection/video message family and the
// slide-state family ride on independent channels for the same session.
const (
	gameSessionPrefix = "game-session-"
	classroomPrefix   = "classroom-"
)

// GameSessionChannel names the connection/video channel for a session.
func GameSessionChannel(sessionID string) string {
	return gameSessionPrefix + sessionID
}

// ClassroomChannel names the slide-state channel for a session.
func ClassroomChannel(sessionID string) string {
	return classroomPrefix + sessionID
}

// Handler receives a delivered message. Handlers run on the transport's
// delivery goroutine, never on the sender's.
type Handler func(msg Message)

// Bus is the process-local broadcast medium. Channels are keyed by name and
// removed once the last attached transport is destroyed.
type Bus struct {
	mu       sync.RWMutex
	channels map[string]*channel
}

type channel struct {
	mu         sync.RWMutex
	transports map[*Transport]bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{channels: make(map[string]*channel)}
}

// Transport binds an endpoint to a named channel for one session. Messages
// sent through it are delivered to every other transport on the same
// channel, in send order per producer.
func (b *Bus) Transport(channelName, sessionID string, clock clockwork.Clock) *Transport {
	b.mu.Lock()
	ch, exists := b.channels[channelName]
	if !exists {
		ch = &channel{transports: make(map[*Transport]bool)}
		b.channels[channelName] = ch
	}
	b.mu.Unlock()

	t := &Transport{
		bus:         b,
		channelName: channelName,
		sessionID:   sessionID,
		clock:       clock,
		subs:        make(map[MessageType][]*subscription),
		deliverCh:   make(chan Message, 256),
		done:        make(chan struct{}),
	}

	ch.mu.Lock()
	ch.transports[t] = true
	ch.mu.Unlock()

	go t.deliverLoop()

	return t
}

func (b *Bus) detach(t *Transport) {
	b.mu.RLock()
	ch, exists := b.channels[t.channelName]
	b.mu.RUnlock()
	if !exists {
		return
	}

	ch.mu.Lock()
	delete(ch.transports, t)
	remaining := len(ch.transports)
	ch.mu.Unlock()

	if remaining == 0 {
		b.mu.Lock()
		delete(b.channels, t.channelName)
		b.mu.Unlock()
	}
}

type subscription struct {
	msgType MessageType
	all     bool
	handler Handler
}

// Transport is one endpoint's handle on a session channel.
type Transport struct {
	bus         *Bus
	channelName string
	sessionID   string
	clock       clockwork.Clock

	mu   sync.RWMutex
	subs map[MessageType][]*subscription
	all  []*subscription

	deliverCh chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// SessionID returns the session this transport is bound to.
func (t *Transport) SessionID() string { return t.sessionID }

// Send publishes a typed message to every other transport on the channel.
// Marshal failures surface to the caller; delivery itself is asynchronous
// and never blocks on receivers.
func (t *Transport) Send(msgType MessageType, payload interface{}) error {
	msg, err := NewMessage(msgType, t.sessionID, payload, t.clock.Now())
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	t.Forward(msg)
	return nil
}

// Forward publishes an already-built envelope, preserving its original
// timestamp and session id. Used by bridges relaying messages from attached
// displays.
func (t *Transport) Forward(msg Message) {
	t.bus.mu.RLock()
	ch, exists := t.bus.channels[t.channelName]
	t.bus.mu.RUnlock()
	if !exists {
		return
	}

	ch.mu.RLock()
	targets := make([]*Transport, 0, len(ch.transports))
	for peer := range ch.transports {
		if peer == t {
			continue
		}
		targets = append(targets, peer)
	}
	ch.mu.RUnlock()

	for _, peer := range targets {
		peer.enqueue(msg)
	}
}

func (t *Transport) enqueue(msg Message) {
	// Mismatched session ids never reach a handler.
	if msg.SessionID != t.sessionID {
		return
	}
	select {
	case t.deliverCh <- msg:
	case <-t.done:
	default:
		log.Warn().
			Str("channel", t.channelName).
			Str("type", string(msg.Type)).
			Msg("delivery buffer full, dropping message")
	}
}

func (t *Transport) deliverLoop() {
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.deliverCh:
			t.dispatch(msg)
		}
	}
}

func (t *Transport) dispatch(msg Message) {
	t.mu.RLock()
	handlers := make([]*subscription, 0, len(t.subs[msg.Type])+len(t.all))
	handlers = append(handlers, t.subs[msg.Type]...)
	handlers = append(handlers, t.all...)
	t.mu.RUnlock()

	for _, sub := range handlers {
		t.invoke(sub, msg)
	}
}

// invoke runs one handler, isolating panics so delivery continues to the
// remaining subscribers of the same message.
func (t *Transport) invoke(sub *subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("channel", t.channelName).
				Str("type", string(msg.Type)).
				Interface("panic", r).
				Msg("message handler panicked")
		}
	}()
	sub.handler(msg)
}

// Subscribe registers a handler for one message type. Handlers for the same
// type run in registration order. The returned function removes the
// subscription and is safe to call more than once.
func (t *Transport) Subscribe(msgType MessageType, handler Handler) func() {
	sub := &subscription{msgType: msgType, handler: handler}
	t.mu.Lock()
	t.subs[msgType] = append(t.subs[msgType], sub)
	t.mu.Unlock()
	return func() { t.unsubscribe(sub) }
}

// SubscribeAll registers a handler for every message type. Used by gateway
// bridges that relay whole channels.
func (t *Transport) SubscribeAll(handler Handler) func() {
	sub := &subscription{all: true, handler: handler}
	t.mu.Lock()
	t.all = append(t.all, sub)
	t.mu.Unlock()
	return func() { t.unsubscribe(sub) }
}

func (t *Transport) unsubscribe(target *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if target.all {
		for i, sub := range t.all {
			if sub == target {
				t.all = append(t.all[:i], t.all[i+1:]...)
				return
			}
		}
		return
	}
	subs := t.subs[target.msgType]
	for i, sub := range subs {
		if sub == target {
			t.subs[target.msgType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Destroy detaches from the bus and stops delivery. Idempotent.
func (t *Transport) Destroy() {
	t.closeOnce.Do(func() {
		t.bus.detach(t)
		close(t.done)
	})
}
