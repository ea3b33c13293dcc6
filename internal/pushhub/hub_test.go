package pushhub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newTestServer(t *testing.T, hub *Hub) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Join(conn)
	}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestJoin_SendsWelcome(t *testing.T) {
	hub := New(logrus.New())
	_, wsURL := newTestServer(t, hub)
	conn := dial(t, wsURL)

	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "welcome", env.Type)
	assert.Equal(t, 1, env.ClientCount)
}

func TestBroadcast_DeliversToSubscriber(t *testing.T) {
	hub := New(logrus.New())
	_, wsURL := newTestServer(t, hub)
	conn := dial(t, wsURL)

	var welcome Envelope
	require.NoError(t, conn.ReadJSON(&welcome))

	// Give Join's goroutine time to register before broadcasting.
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast("realtime", map[string]any{"voltage": 26.5})

	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "realtime", env.Topic)
}

func TestPingPong(t *testing.T) {
	hub := New(logrus.New())
	_, wsURL := newTestServer(t, hub)
	conn := dial(t, wsURL)

	var welcome Envelope
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(Envelope{Type: "ping"}))

	var pong Envelope
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
}

func TestSubscribeConfirmation(t *testing.T) {
	hub := New(logrus.New())
	_, wsURL := newTestServer(t, hub)
	conn := dial(t, wsURL)

	var welcome Envelope
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(Envelope{Type: "subscribe", Topics: []string{"realtime", "alerts"}}))

	var confirmed Envelope
	require.NoError(t, conn.ReadJSON(&confirmed))
	assert.Equal(t, "subscription_confirmed", confirmed.Type)
	assert.Equal(t, []string{"realtime", "alerts"}, confirmed.Topics)
}

func TestRemove_DecrementsSubscriberCount(t *testing.T) {
	hub := New(logrus.New())
	_, wsURL := newTestServer(t, hub)
	conn := dial(t, wsURL)

	var welcome Envelope
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}
