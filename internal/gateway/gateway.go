// Package gateway is the local attach surface: browser displays on the
// same machine upgrade to a websocket and are bridged onto the session
// broadcast bus. It carries no cross-machine session sync; every envelope
// it relays is a plain broadcast.Message.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/sirrus7/ready-or-not-sub005/internal/broadcast"
	"github.com/sirrus7/ready-or-not-sub005/internal/models"
)

// Config holds websocket tuning.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns the default websocket configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  16 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Displays attach from the same machine.
			return true
		},
	}
}

// Manager owns the per-session bridges and their websocket connections.
type Manager struct {
	bus      *broadcast.Bus
	clock    clockwork.Clock
	upgrader websocket.Upgrader
	config   Config

	mu       sync.Mutex
	sessions map[string]*sessionBridge
}

// NewManager creates a manager over the process bus.
func NewManager(bus *broadcast.Bus, clock clockwork.Clock, config Config) *Manager {
	return &Manager{
		bus:   bus,
		clock: clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:   config,
		sessions: make(map[string]*sessionBridge),
	}
}

// sessionBridge relays between one session's bus channels and its attached
// websocket connections. One transport per channel namespace.
type sessionBridge struct {
	sessionID string
	game      *broadcast.Transport
	classroom *broadcast.Transport

	mu    sync.Mutex
	conns map[*conn]bool
}

type conn struct {
	id        string
	role      models.ConnectionType
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	bridge    *sessionBridge
	manager   *Manager
	closeOnce sync.Once
}

// RegisterRoutes mounts the websocket and stats endpoints.
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/session", m.HandleSessionConnection)
	mux.HandleFunc("/ws/stats", m.HandleStats)
}

// HandleSessionConnection upgrades a display connection. The session id
// and role arrive as query parameters.
func (m *Manager) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	role := models.ConnectionType(r.URL.Query().Get("role"))
	switch role {
	case models.ConnectionTypeHost, models.ConnectionTypePresentation, models.ConnectionTypeDisplay:
	default:
		role = models.ConnectionTypeUnknown
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade display connection")
		return
	}

	bridge := m.bridgeFor(sessionID)
	c := &conn{
		id:      uuid.New().String(),
		role:    role,
		ws:      ws,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		bridge:  bridge,
		manager: m,
	}
	bridge.register(c)

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.id).
		Str("session_id", sessionID).
		Str("role", string(role)).
		Msg("display attached")
}

// HandleStats reports attached connection counts.
func (m *Manager) HandleStats(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	sessions := len(m.sessions)
	connections := 0
	for _, bridge := range m.sessions {
		bridge.mu.Lock()
		connections += len(bridge.conns)
		bridge.mu.Unlock()
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"active_sessions":   sessions,
		"total_connections": connections,
	})
}

// Shutdown closes every bridge.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	bridges := make([]*sessionBridge, 0, len(m.sessions))
	for _, bridge := range m.sessions {
		bridges = append(bridges, bridge)
	}
	m.sessions = make(map[string]*sessionBridge)
	m.mu.Unlock()

	for _, bridge := range bridges {
		bridge.close()
	}
}

func (m *Manager) bridgeFor(sessionID string) *sessionBridge {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bridge, exists := m.sessions[sessionID]; exists {
		return bridge
	}

	bridge := &sessionBridge{
		sessionID: sessionID,
		game:      m.bus.Transport(broadcast.GameSessionChannel(sessionID), sessionID, m.clock),
		classroom: m.bus.Transport(broadcast.ClassroomChannel(sessionID), sessionID, m.clock),
		conns:     make(map[*conn]bool),
	}
	bridge.game.SubscribeAll(bridge.fanOut)
	bridge.classroom.SubscribeAll(bridge.fanOut)
	m.sessions[sessionID] = bridge
	return bridge
}

func (m *Manager) releaseBridge(bridge *sessionBridge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[bridge.sessionID] == bridge {
		delete(m.sessions, bridge.sessionID)
	}
	bridge.game.Destroy()
	bridge.classroom.Destroy()
}

func (b *sessionBridge) register(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c] = true
}

func (b *sessionBridge) unregister(c *conn) (remaining int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
	return len(b.conns)
}

// fanOut forwards a bus message to every attached websocket.
func (b *sessionBridge) fanOut(msg broadcast.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message for fan-out")
		return
	}
	b.fanOutExcept(nil, data)
}

func (b *sessionBridge) fanOutExcept(src *conn, data []byte) {
	b.mu.Lock()
	targets := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		if c == src {
			continue
		}
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			log.Warn().
				Str("connection_id", c.id).
				Msg("send buffer full, closing display connection")
			c.close()
		}
	}
}

// inject relays an envelope received from one websocket onto the bus and to
// the session's other attached websockets. The bus transport never delivers
// a send back to its own sender, so peer websockets behind the same bridge
// transport are fanned out here directly; the source itself gets nothing.
func (b *sessionBridge) inject(src *conn, msg broadcast.Message) {
	switch msg.Type {
	case broadcast.MessageTypeTeacherStateUpdate,
		broadcast.MessageTypeDisplayReady,
		broadcast.MessageTypeDisplayRequestState,
		broadcast.MessageTypeDisplayClosing,
		broadcast.MessageTypeSessionEnded,
		broadcast.MessageTypeSessionEndedByHost:
		b.classroom.Forward(msg)
	default:
		b.game.Forward(msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message for fan-out")
		return
	}
	b.fanOutExcept(src, data)
}

func (b *sessionBridge) close() {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		remaining := c.bridge.unregister(c)
		c.ws.Close()
		if remaining == 0 {
			c.manager.releaseBridge(c.bridge)
		}
		log.Info().
			Str("connection_id", c.id).
			Str("session_id", c.bridge.sessionID).
			Msg("display detached")
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.id).Msg("failed to write to display")
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(c.manager.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.id).Msg("unexpected display close")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))

		var msg broadcast.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Str("connection_id", c.id).Msg("malformed display message")
			continue
		}
		if msg.SessionID != c.bridge.sessionID {
			// Cross-session leakage stops at the bridge.
			continue
		}
		c.bridge.inject(c, msg)
	}
}
