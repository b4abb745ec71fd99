package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirrus7/ready-or-not-sub005/internal/broadcast"
	"github.com/sirrus7/ready-or-not-sub005/internal/models"
)

func newTestServer(t *testing.T) (*Manager, *broadcast.Bus, *httptest.Server) {
	t.Helper()

	bus := broadcast.NewBus()
	manager := NewManager(bus, clockwork.NewRealClock(), DefaultConfig())

	mux := http.NewServeMux()
	manager.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return manager, bus, server
}

func dial(t *testing.T, server *httptest.Server, sessionID, role string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/ws/session?session_id=" + sessionID + "&role=" + role
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) broadcast.Message {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var msg broadcast.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitForConnections(t *testing.T, server *httptest.Server, want int) {
	t.Helper()

	require.Eventually(t, func() bool {
		resp, err := http.Get(server.URL + "/ws/stats")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var stats map[string]int
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return false
		}
		return stats["total_connections"] == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionIDRequired(t *testing.T) {
	_, _, server := newTestServer(t)

	resp, err := http.Get(server.URL + "/ws/session")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBusMessageReachesAttachedDisplay(t *testing.T) {
	_, bus, server := newTestServer(t)
	ws := dial(t, server, "sess-1", "display")

	clock := clockwork.NewRealClock()
	host := bus.Transport(broadcast.GameSessionChannel("sess-1"), "sess-1", clock)
	defer host.Destroy()

	waitForConnections(t, server, 1)
	require.NoError(t, host.Send(broadcast.MessageTypePing, broadcast.PingPayload{ConnectionType: models.ConnectionTypeHost}))

	msg := readMessage(t, ws)
	assert.Equal(t, broadcast.MessageTypePing, msg.Type)
	assert.Equal(t, "sess-1", msg.SessionID)
}

func TestDisplayMessageInjectedOntoBus(t *testing.T) {
	_, bus, server := newTestServer(t)
	ws := dial(t, server, "sess-1", "display")

	clock := clockwork.NewRealClock()
	classroom := bus.Transport(broadcast.ClassroomChannel("sess-1"), "sess-1", clock)
	defer classroom.Destroy()

	received := make(chan broadcast.Message, 1)
	classroom.Subscribe(broadcast.MessageTypeDisplayReady, func(msg broadcast.Message) {
		received <- msg
	})

	msg, err := broadcast.NewMessage(broadcast.MessageTypeDisplayReady, "sess-1", nil, time.Now())
	require.NoError(t, err)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	select {
	case got := <-received:
		assert.Equal(t, broadcast.MessageTypeDisplayReady, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for injected message")
	}
}

func TestInjectedMessageReachesPeerDisplays(t *testing.T) {
	_, _, server := newTestServer(t)
	hostWS := dial(t, server, "sess-1", "host")
	peerWS := dial(t, server, "sess-1", "display")
	waitForConnections(t, server, 2)

	msg, err := broadcast.NewMessage(broadcast.MessageTypeTeacherStateUpdate, "sess-1",
		map[string]string{"currentSlideId": "slide-8"}, time.Now())
	require.NoError(t, err)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, hostWS.WriteMessage(websocket.TextMessage, data))

	got := readMessage(t, peerWS)
	assert.Equal(t, broadcast.MessageTypeTeacherStateUpdate, got.Type)
	assert.Equal(t, "sess-1", got.SessionID)

	// The sender never hears its own broadcast back.
	hostWS.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = hostWS.ReadMessage()
	assert.Error(t, err)
}

func TestFanOutSurvivesConcurrentDisconnect(t *testing.T) {
	_, bus, server := newTestServer(t)
	leaver := dial(t, server, "sess-1", "display")
	stayer := dial(t, server, "sess-1", "presentation")
	waitForConnections(t, server, 2)

	clock := clockwork.NewRealClock()
	host := bus.Transport(broadcast.GameSessionChannel("sess-1"), "sess-1", clock)
	defer host.Destroy()

	go leaver.Close()
	for i := 0; i < 50; i++ {
		require.NoError(t, host.Send(broadcast.MessageTypePing, broadcast.PingPayload{ConnectionType: models.ConnectionTypeHost}))
	}

	// The remaining connection receives every message despite the departure.
	for i := 0; i < 50; i++ {
		msg := readMessage(t, stayer)
		assert.Equal(t, broadcast.MessageTypePing, msg.Type)
	}
}

func TestCrossSessionEnvelopeDropped(t *testing.T) {
	_, bus, server := newTestServer(t)
	ws := dial(t, server, "sess-1", "display")

	clock := clockwork.NewRealClock()
	classroom := bus.Transport(broadcast.ClassroomChannel("sess-1"), "sess-1", clock)
	defer classroom.Destroy()

	received := make(chan broadcast.Message, 1)
	classroom.SubscribeAll(func(msg broadcast.Message) {
		received <- msg
	})

	foreign, err := broadcast.NewMessage(broadcast.MessageTypeDisplayReady, "sess-2", nil, time.Now())
	require.NoError(t, err)
	data, err := json.Marshal(foreign)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	select {
	case msg := <-received:
		t.Fatalf("foreign envelope leaked across sessions: %v", msg.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStatsReportsConnections(t *testing.T) {
	_, _, server := newTestServer(t)
	dial(t, server, "sess-1", "display")
	dial(t, server, "sess-1", "presentation")
	dial(t, server, "sess-2", "display")

	waitForConnections(t, server, 3)

	resp, err := http.Get(server.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 2, stats["active_sessions"])
}
