// Package pushhub is the Live Push Hub (spec §4.7): it keeps a set of
// WebSocket subscribers, broadcasts fan-out messages to all of them, and
// runs a heartbeat/ping-pong keepalive.
package pushhub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/dalybms/internal/groutine"
)

const (
	heartbeatInterval = 30 * time.Second
	mailboxSize       = 64
	writeDeadline     = 2 * time.Second
)

// Envelope is the application-level message wrapper exchanged with
// subscribers (§4.7).
type Envelope struct {
	Type       string    `json:"type,omitempty"`
	Topic      string    `json:"topic,omitempty"`
	Data       any       `json:"data,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
	ServerTime time.Time `json:"server_time,omitempty"`
	ClientCount int      `json:"client_count,omitempty"`
	Topics     []string  `json:"topics,omitempty"`
}

// subscriber is one connected client, with a per-connection mailbox so a
// slow writer never blocks the broadcaster.
type subscriber struct {
	conn    *websocket.Conn
	mailbox mpmc.RichOverlappedRingBuffer[Envelope]
	closed  bool
}

// Hub owns the subscriber set and the single writer goroutine per
// subscriber that drains its mailbox.
type Hub struct {
	logger *logrus.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	nextSubID   atomic.Uint64
}

// New constructs an empty Hub.
func New(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Join registers conn as a subscriber, sends the welcome message, and
// starts its write pump. It blocks reading conn until the client
// disconnects or sends a close frame, handling ping/subscribe messages
// inline; callers run it in its own goroutine per connection.
func (h *Hub) Join(conn *websocket.Conn) {
	sub := &subscriber{
		conn:    conn,
		mailbox: mpmc.NewOverlappedRingBuffer[Envelope](mailboxSize),
	}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	count := len(h.subscribers)
	h.mu.Unlock()

	h.enqueue(sub, Envelope{Type: "welcome", Timestamp: time.Now(), ClientCount: count})

	stop := make(chan struct{})
	subName := fmt.Sprintf("pushhub-writer-%d", h.nextSubID.Add(1))
	groutine.Go(context.Background(), subName, func(ctx context.Context) {
		h.writePump(sub, stop)
	})
	defer close(stop)
	defer h.remove(sub)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleClientMessage(sub, data)
	}
}

func (h *Hub) handleClientMessage(sub *subscriber, data []byte) {
	var msg Envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "ping":
		h.enqueue(sub, Envelope{Type: "pong", Timestamp: time.Now()})
	case "subscribe":
		h.enqueue(sub, Envelope{Type: "subscription_confirmed", Topics: msg.Topics, Timestamp: time.Now()})
	}
}

// writePump drains sub's mailbox and sends a periodic heartbeat. A write
// failure marks sub for removal after the current round rather than
// retrying.
func (h *Hub) writePump(sub *subscriber, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.enqueue(sub, Envelope{Type: "heartbeat", Timestamp: time.Now(), ServerTime: time.Now()})
		default:
			env, err := sub.mailbox.Dequeue()
			if err != nil {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := sub.conn.WriteJSON(env); err != nil {
				h.logger.WithError(err).Debug("pushhub: write failed, dropping subscriber")
				h.remove(sub)
				return
			}
		}
	}
}

func (h *Hub) enqueue(sub *subscriber, env Envelope) {
	if _, err := sub.mailbox.EnqueueM(env); err != nil {
		h.logger.WithError(err).Debug("pushhub: mailbox enqueue failed")
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, sub)
	h.mu.Unlock()

	if !sub.closed {
		sub.closed = true
		_ = sub.conn.Close()
	}
}

// Broadcast hands env to every current subscriber's mailbox. It snapshots
// the subscriber set before iterating so concurrent Join/remove calls
// during a broadcast round never invalidate the iteration.
func (h *Hub) Broadcast(topic string, data any) {
	env := Envelope{Topic: topic, Data: data, Timestamp: time.Now()}

	h.mu.Lock()
	snapshot := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()

	for _, sub := range snapshot {
		h.enqueue(sub, env)
	}
}

// SubscriberCount reports the current number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
