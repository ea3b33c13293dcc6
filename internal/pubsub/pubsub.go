// Package pubsub is the best-effort publish/subscribe sink (spec §4.5/§6),
// backed by NATS in place of the MQTT broker the distilled spec names (see
// DESIGN.md open-question decision 1).
package pubsub

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Topics published by the Sink Fan-Out.
const (
	TopicRealtime = "battery/realtime"
	TopicAlerts   = "battery/alerts"
	TopicStatus   = "battery/status"
)

// natsConn is the slice of *nats.Conn this package needs, narrowed so tests
// can substitute a fake without a live broker.
type natsConn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Close()
}

// Publisher wraps a NATS connection for the pipeline's three fixed topics.
type Publisher struct {
	conn   natsConn
	logger *logrus.Logger
}

// Connect dials url (e.g. "nats://localhost:4222"). A nil Publisher with a
// non-nil error is never returned; callers check err.
func Connect(url string, logger *logrus.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("pubsub: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("pubsub: reconnected")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub: connect: %w", err)
	}
	return &Publisher{conn: conn, logger: logger}, nil
}

// Close drains and closes the underlying connection.
func (p *Publisher) Close() {
	p.conn.Close()
}

// Ping reports whether the connection is currently established, for the
// health endpoint.
func (p *Publisher) Ping() bool {
	return p.conn.IsConnected()
}

// Publish marshals payload to JSON and publishes it to topic. Failures are
// logged and swallowed; the fan-out never retries a pub/sub publish.
func (p *Publisher) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.WithError(err).WithField("topic", topic).Warn("pubsub: marshal failed")
		return
	}
	if err := p.conn.Publish(topic, data); err != nil {
		p.logger.WithError(err).WithField("topic", topic).Warn("pubsub: publish failed")
	}
}
