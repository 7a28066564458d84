package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wallet-cluster-engine/internal/logging"
)

// NATSSink mirrors job events onto NATS subjects of the form
// <prefix>.<job_id>.<type>
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects to url and returns a sink
func NewNATSSink(url, prefix string, logger *logging.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithComponent("nats-sink")

	opts := []nats.Option{
		nats.Name("wallet-cluster-engine"),
		nats.Timeout(5 * time.Second),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATSSinkFromConn(conn, prefix), nil
}

// NewNATSSinkFromConn wraps an established connection
func NewNATSSinkFromConn(conn *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "clusters.jobs"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Subject returns the subject an event is published on
func (s *NATSSink) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, e.JobID, e.Type)
}

// Publish encodes e as JSON and publishes it. The client buffers while
// reconnecting, so this does not block on the network.
func (s *NATSSink) Publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(e), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
