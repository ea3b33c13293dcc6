package pubsub

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	connected   bool
	published   []publishedMsg
	publishErr  error
	closedCalls int
}

type publishedMsg struct {
	subject string
	data    []byte
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{subject, data})
	return nil
}
func (f *fakeConn) IsConnected() bool { return f.connected }
func (f *fakeConn) Close()            { f.closedCalls++ }

func newTestPublisher(conn natsConn) *Publisher {
	return &Publisher{conn: conn, logger: logrus.New()}
}

func TestPublish_MarshalsAndSends(t *testing.T) {
	fc := &fakeConn{connected: true}
	p := newTestPublisher(fc)

	p.Publish(TopicRealtime, map[string]any{"voltage": 26.5})

	require.Len(t, fc.published, 1)
	assert.Equal(t, TopicRealtime, fc.published[0].subject)

	var decoded map[string]float64
	require.NoError(t, json.Unmarshal(fc.published[0].data, &decoded))
	assert.InDelta(t, 26.5, decoded["voltage"], 0.0001)
}

func TestPublish_SwallowsPublishError(t *testing.T) {
	fc := &fakeConn{publishErr: errors.New("no responders")}
	p := newTestPublisher(fc)

	assert.NotPanics(t, func() {
		p.Publish(TopicAlerts, map[string]any{"x": 1})
	})
	assert.Empty(t, fc.published)
}

func TestPing_ReflectsConnectionState(t *testing.T) {
	fc := &fakeConn{connected: false}
	p := newTestPublisher(fc)
	assert.False(t, p.Ping())

	fc.connected = true
	assert.True(t, p.Ping())
}

func TestClose_DelegatesToConn(t *testing.T) {
	fc := &fakeConn{}
	p := newTestPublisher(fc)
	p.Close()
	assert.Equal(t, 1, fc.closedCalls)
}
