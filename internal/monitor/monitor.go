// Package monitor infers peer liveness over the session broadcast channel.
// The underlying transport delivers reliably within a live context but gives
// no signal when a peer disappears (tab closed, navigated away), so liveness
// is derived from heartbeat silence rather than a channel-close callback.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/sirrus7/ready-or-not-sub005/internal/broadcast"
	"github.com/sirrus7/ready-or-not-sub005/internal/models"
)

// Status is the monitor's view of the peer side of the session.
type Status struct {
	IsConnected    bool                  `json:"isConnected"`
	LastPing       int64                 `json:"lastPing"` // epoch ms of last pong
	ConnectionType models.ConnectionType `json:"connectionType"`
	LatencyMS      int64                 `json:"latency,omitempty"`
}

// Listener observes status transitions. It is invoked only when IsConnected
// or ConnectionType actually changes, never on unchanged heartbeats.
type Listener func(Status)

// Config holds heartbeat timing.
type Config struct {
	PingInterval       time.Duration
	CheckInterval      time.Duration
	Timeout            time.Duration
	ReadyAnnounceDelay time.Duration
}

// DefaultConfig returns the production heartbeat timing.
func DefaultConfig() Config {
	return Config{
		PingInterval:       3 * time.Second,
		CheckInterval:      2 * time.Second,
		Timeout:            8 * time.Second,
		ReadyAnnounceDelay: 200 * time.Millisecond,
	}
}

// VideoStateProvider supplies the local video snapshot attached to pongs
// when a ping asks for it. Hosts set this; passive displays leave it nil.
type VideoStateProvider func() *models.VideoState

// Monitor runs the heartbeat cycle for one endpoint.
type Monitor struct {
	transport *broadcast.Transport
	clock     clockwork.Clock
	connType  models.ConnectionType
	cfg       Config

	videoProvider VideoStateProvider

	mu        sync.Mutex
	status    Status
	lastPong  time.Time
	listeners []*listenerEntry
	pending   []Status
	unsubs    []func()

	notifyMu sync.Mutex
}

type listenerEntry struct {
	fn Listener
}

// New creates a monitor for one endpoint role. The transport should be on
// the game-session channel.
func New(transport *broadcast.Transport, connType models.ConnectionType, cfg Config, clock clockwork.Clock) *Monitor {
	m := &Monitor{
		transport: transport,
		clock:     clock,
		connType:  connType,
		cfg:       cfg,
		status:    Status{ConnectionType: models.ConnectionTypeUnknown},
	}
	m.unsubs = append(m.unsubs,
		transport.Subscribe(broadcast.MessageTypePing, m.onPing),
		transport.Subscribe(broadcast.MessageTypePong, m.onPong),
		transport.Subscribe(broadcast.MessageTypePresentationReady, m.onPresentationReady),
	)
	return m
}

// SetVideoStateProvider installs the snapshot source for pong replies.
func (m *Monitor) SetVideoStateProvider(p VideoStateProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoProvider = p
}

// Start runs the ping and staleness cycles until ctx is cancelled.
// A presentation endpoint announces itself once, shortly after start,
// independent of the ping cycle, so the host can mark it connected before
// the first heartbeat round trip completes.
func (m *Monitor) Start(ctx context.Context) {
	if m.connType == models.ConnectionTypePresentation {
		m.clock.AfterFunc(m.cfg.ReadyAnnounceDelay, func() {
			if err := m.transport.Send(broadcast.MessageTypePresentationReady,
				broadcast.PresentationReadyPayload{ConnectionType: models.ConnectionTypePresentation}); err != nil {
				log.Error().Err(err).Msg("failed to announce presentation display")
			}
		})
	}

	pingTicker := m.clock.NewTicker(m.cfg.PingInterval)
	checkTicker := m.clock.NewTicker(m.cfg.CheckInterval)
	defer pingTicker.Stop()
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return
		case <-pingTicker.Chan():
			m.sendPing()
		case <-checkTicker.Chan():
			m.checkStale()
		}
	}
}

func (m *Monitor) teardown() {
	for _, unsub := range m.unsubs {
		unsub()
	}
}

// Status returns the current connection status snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// AddListener registers a status listener and returns its removal function.
func (m *Monitor) AddListener(fn Listener) func() {
	entry := &listenerEntry{fn: fn}
	m.mu.Lock()
	m.listeners = append(m.listeners, entry)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.listeners {
			if e == entry {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

func (m *Monitor) sendPing() {
	payload := broadcast.PingPayload{
		ConnectionType: m.connType,
		// Non-host endpoints piggyback a video snapshot request on the
		// heartbeat; the host answers from its live element.
		RequestVideoState: m.connType != models.ConnectionTypeHost,
	}
	if err := m.transport.Send(broadcast.MessageTypePing, payload); err != nil {
		log.Error().Err(err).Msg("failed to send ping")
	}
}

// onPing replies immediately with a pong carrying the round-trip latency as
// seen from the pinger: now minus the ping's producer timestamp.
func (m *Monitor) onPing(msg broadcast.Message) {
	payload, err := broadcast.ParsePayload(msg)
	if err != nil {
		log.Warn().Err(err).Msg("malformed ping payload")
		return
	}
	ping, ok := payload.(broadcast.PingPayload)
	if !ok {
		return
	}

	pong := broadcast.PongPayload{
		ConnectionType: m.connType,
		LatencyMS:      m.clock.Now().UnixMilli() - msg.Timestamp,
	}
	if ping.RequestVideoState {
		m.mu.Lock()
		provider := m.videoProvider
		m.mu.Unlock()
		if provider != nil {
			pong.VideoState = provider()
		}
	}
	if err := m.transport.Send(broadcast.MessageTypePong, pong); err != nil {
		log.Error().Err(err).Msg("failed to send pong")
	}
}

func (m *Monitor) onPong(msg broadcast.Message) {
	payload, err := broadcast.ParsePayload(msg)
	if err != nil {
		log.Warn().Err(err).Msg("malformed pong payload")
		return
	}
	pong, ok := payload.(broadcast.PongPayload)
	if !ok {
		return
	}

	now := m.clock.Now()
	m.mu.Lock()
	m.lastPong = now
	next := m.status
	next.IsConnected = true
	next.LastPing = now.UnixMilli()
	next.ConnectionType = pong.ConnectionType
	next.LatencyMS = pong.LatencyMS
	m.setStatusLocked(next)
	m.mu.Unlock()
	m.flushNotifications()
}

// onPresentationReady marks the presentation connected ahead of the first
// heartbeat round trip.
func (m *Monitor) onPresentationReady(msg broadcast.Message) {
	now := m.clock.Now()
	m.mu.Lock()
	m.lastPong = now
	next := m.status
	next.IsConnected = true
	next.LastPing = now.UnixMilli()
	next.ConnectionType = models.ConnectionTypePresentation
	m.setStatusLocked(next)
	m.mu.Unlock()
	m.flushNotifications()
}

func (m *Monitor) checkStale() {
	now := m.clock.Now()
	m.mu.Lock()
	if m.status.IsConnected && now.Sub(m.lastPong) > m.cfg.Timeout {
		next := m.status
		next.IsConnected = false
		m.setStatusLocked(next)
		log.Info().
			Str("connection_type", string(m.status.ConnectionType)).
			Dur("silence", now.Sub(m.lastPong)).
			Msg("peer timed out")
	}
	m.mu.Unlock()
	m.flushNotifications()
}

// setStatusLocked applies a status and queues a notification only on a real
// transition of IsConnected or ConnectionType. Caller holds m.mu and must
// call flushNotifications after releasing it.
func (m *Monitor) setStatusLocked(next Status) {
	changed := next.IsConnected != m.status.IsConnected ||
		next.ConnectionType != m.status.ConnectionType
	m.status = next
	if changed {
		m.pending = append(m.pending, next)
	}
}

// flushNotifications delivers queued transitions to listeners in order.
// notifyMu serializes delivery so a disconnect/reconnect pair is never
// observed reversed; m.mu is released before invoking a listener so it can
// read Status().
func (m *Monitor) flushNotifications() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		next := m.pending[0]
		m.pending = m.pending[1:]
		listeners := make([]*listenerEntry, len(m.listeners))
		copy(listeners, m.listeners)
		m.mu.Unlock()

		for _, entry := range listeners {
			entry.fn(next)
		}
	}
}
