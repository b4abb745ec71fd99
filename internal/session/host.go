// Package session carries the canonical "what is the room looking at"
// state between the host and its displays. The host is the only writer;
// every display is a passive reader applying full snapshots.
package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/sirrus7/ready-or-not-sub005/internal/broadcast"
)

// Host publishes the canonical session state over the classroom channel.
// Exactly one Host exists per live session.
type Host struct {
	transport *broadcast.Transport
	clock     clockwork.Clock

	mu      sync.Mutex
	current HostBroadcastPayload
	ended   bool
	window  *windowTimer
	unsubs  []func()
}

// windowTimer pairs a decision-window timer with a cancel channel so the
// goroutine waiting on it exits when a newer state replaces the timer.
type windowTimer struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

// NewHost wraps the host-side classroom transport and answers display
// bootstrap messages with a full rebroadcast.
func NewHost(transport *broadcast.Transport, clock clockwork.Clock) *Host {
	h := &Host{transport: transport, clock: clock}
	h.unsubs = append(h.unsubs,
		transport.Subscribe(broadcast.MessageTypeDisplayReady, h.onDisplayHello),
		transport.Subscribe(broadcast.MessageTypeDisplayRequestState, h.onDisplayHello),
		transport.Subscribe(broadcast.MessageTypeDisplayClosing, h.onDisplayClosing),
	)
	return h
}

// State returns the current canonical payload.
func (h *Host) State() HostBroadcastPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// SetState replaces the canonical state and broadcasts it in full. If the
// new state opens a decision window with a deadline, a timer closes the
// window and rebroadcasts when the deadline passes.
func (h *Host) SetState(p HostBroadcastPayload) error {
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return ErrSessionEnded
	}
	h.current = p
	h.rescheduleWindowTimerLocked(p)
	h.mu.Unlock()

	return h.broadcastState(p)
}

// ErrSessionEnded is returned for state mutations after the session ended.
var ErrSessionEnded = errSessionEnded{}

type errSessionEnded struct{}

func (errSessionEnded) Error() string { return "session has ended" }

func (h *Host) rescheduleWindowTimerLocked(p HostBroadcastPayload) {
	if h.window != nil {
		h.cancelWindowLocked()
	}

	if !p.DecisionWindowOpen || p.DecisionTimerEndsAt == 0 {
		return
	}
	duration := time.UnixMilli(p.DecisionTimerEndsAt).Sub(h.clock.Now())
	if duration <= 0 {
		return
	}

	w := &windowTimer{timer: h.clock.NewTimer(duration), cancel: make(chan struct{})}
	h.window = w
	go func() {
		select {
		case <-w.timer.Chan():
			h.closeDecisionWindow(w)
		case <-w.cancel:
		}
	}()
}

// cancelWindowLocked stops the armed timer and releases its waiting
// goroutine. Caller holds h.mu.
func (h *Host) cancelWindowLocked() {
	stopAndDrainTimer(h.window.timer)
	close(h.window.cancel)
	h.window = nil
}

func (h *Host) closeDecisionWindow(fired *windowTimer) {
	h.mu.Lock()
	// A newer state may have replaced the timer while this one was firing.
	if h.window != fired || h.ended || !h.current.DecisionWindowOpen {
		h.mu.Unlock()
		return
	}
	h.window = nil
	h.current.DecisionWindowOpen = false
	snapshot := h.current
	h.mu.Unlock()

	log.Info().
		Str("phase_id", snapshot.PhaseID).
		Msg("decision window closed by deadline")
	if err := h.broadcastState(snapshot); err != nil {
		log.Error().Err(err).Msg("failed to broadcast window close")
	}
}

// stopAndDrainTimer stops a timer and drains its channel so the goroutine
// waiting on it does not fire a stale window close.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

func (h *Host) broadcastState(p HostBroadcastPayload) error {
	return h.transport.Send(broadcast.MessageTypeTeacherStateUpdate, p)
}

// onDisplayHello answers READY and REQUEST_STATE identically: rebroadcast
// the current full payload. No per-subscriber bookkeeping is needed because
// the payload is always complete.
func (h *Host) onDisplayHello(msg broadcast.Message) {
	h.mu.Lock()
	snapshot := h.current
	ended := h.ended
	h.mu.Unlock()
	if ended {
		return
	}

	log.Debug().Str("type", string(msg.Type)).Msg("display requested state")
	if err := h.broadcastState(snapshot); err != nil {
		log.Error().Err(err).Msg("failed to answer display state request")
	}
}

func (h *Host) onDisplayClosing(msg broadcast.Message) {
	log.Debug().Msg("display closing")
}

// EndSession broadcasts the terminal end-of-session notice and tears the
// host down. No further state changes are accepted.
func (h *Host) EndSession() error {
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return nil
	}
	h.ended = true
	if h.window != nil {
		h.cancelWindowLocked()
	}
	h.mu.Unlock()

	err := h.transport.Send(broadcast.MessageTypeSessionEndedByHost, nil)
	for _, unsub := range h.unsubs {
		unsub()
	}
	return err
}
