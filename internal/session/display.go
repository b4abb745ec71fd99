package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/sirrus7/ready-or-not-sub005/internal/broadcast"
)

// Default delay between the ready announcement and the explicit state
// request. The host's own subscription may not be attached yet at the
// instant the ready message fires; the second request is the safety net
// for a dropped first announcement.
const defaultRequestStateDelay = 500 * time.Millisecond

// StateHandler observes applied canonical payloads. It is called only when
// the payload actually changed; re-receiving an identical payload is a
// no-op.
type StateHandler func(HostBroadcastPayload)

// Display is a passive subscriber on the classroom channel: it announces
// itself, requests the current state, and applies full snapshots until the
// session ends.
type Display struct {
	transport         *broadcast.Transport
	clock             clockwork.Clock
	requestStateDelay time.Duration

	onState StateHandler
	onEnded func()

	mu      sync.Mutex
	current *HostBroadcastPayload
	closed  bool
	unsubs  []func()
}

// NewDisplay wires a display onto the classroom transport.
func NewDisplay(transport *broadcast.Transport, clock clockwork.Clock, onState StateHandler, onEnded func()) *Display {
	d := &Display{
		transport:         transport,
		clock:             clock,
		requestStateDelay: defaultRequestStateDelay,
		onState:           onState,
		onEnded:           onEnded,
	}
	d.unsubs = append(d.unsubs,
		transport.Subscribe(broadcast.MessageTypeTeacherStateUpdate, d.onStateUpdate),
		transport.Subscribe(broadcast.MessageTypeSessionEnded, d.onSessionEnded),
		transport.Subscribe(broadcast.MessageTypeSessionEndedByHost, d.onSessionEnded),
	)
	return d
}

// Announce sends the ready message now and the explicit state request after
// a short delay.
func (d *Display) Announce() error {
	hello := broadcast.DisplayPayload{SessionID: d.transport.SessionID()}
	if err := d.transport.Send(broadcast.MessageTypeDisplayReady, hello); err != nil {
		return err
	}
	d.clock.AfterFunc(d.requestStateDelay, func() {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
		if err := d.transport.Send(broadcast.MessageTypeDisplayRequestState, hello); err != nil {
			log.Error().Err(err).Msg("failed to request session state")
		}
	})
	return nil
}

// State returns the last applied payload, or nil before the first one.
func (d *Display) State() *HostBroadcastPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return nil
	}
	snapshot := *d.current
	return &snapshot
}

func (d *Display) onStateUpdate(msg broadcast.Message) {
	var payload HostBroadcastPayload
	if err := unmarshalPayload(msg, &payload); err != nil {
		log.Warn().Err(err).Msg("malformed state payload")
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.current != nil && d.current.Equal(payload) {
		// Identical full snapshot: applying it again changes nothing.
		d.mu.Unlock()
		return
	}
	d.current = &payload
	handler := d.onState
	d.mu.Unlock()

	if handler != nil {
		handler(payload)
	}
}

// onSessionEnded is the terminal transition: clear rendered state, close
// the subscription, and stop processing.
func (d *Display) onSessionEnded(msg broadcast.Message) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.current = nil
	onEnded := d.onEnded
	unsubs := d.unsubs
	d.unsubs = nil
	d.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	log.Info().Msg("session ended by host")
	if onEnded != nil {
		onEnded()
	}
}

func unmarshalPayload(msg broadcast.Message, v interface{}) error {
	return json.Unmarshal(msg.Data, v)
}

// Close announces departure and detaches. Used when the display navigates
// away rather than the session ending.
func (d *Display) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	unsubs := d.unsubs
	d.unsubs = nil
	d.mu.Unlock()

	if err := d.transport.Send(broadcast.MessageTypeDisplayClosing,
		broadcast.DisplayPayload{SessionID: d.transport.SessionID()}); err != nil {
		log.Warn().Err(err).Msg("failed to announce display closing")
	}
	for _, unsub := range unsubs {
		unsub()
	}
}
