package bus

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
)

// NATSSink is a one-way fan-out of every event the in-process bus carries
// onto a NATS subject, for external collaborators (dashboards, notification
// channels) that are out of the core's scope but consume from it. It does
// not provide distributed coordination between orchestrator instances — see
// the core's non-goals.
type NATSSink struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSSink connects to the given NATS URL and returns a sink, or an error
// if the connection cannot be established.
func NewNATSSink(url, clientID string, maxReconnects int, log *logger.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name(clientID),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, err
	}
	return &NATSSink{conn: conn, logger: log.WithFields(zap.String("component", "nats_sink"))}, nil
}

// Forward republishes an event onto NATS under the same subject it carried
// on the in-process bus.
func (s *NATSSink) Forward(_ context.Context, subject string, event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal event for nats", zap.Error(err))
		return
	}
	if err := s.conn.Publish(subject, data); err != nil {
		s.logger.Error("failed to publish to nats", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the NATS connection.
func (s *NATSSink) Close() {
	_ = s.conn.Drain()
}

// IsConnected reports whether the NATS connection is currently up.
func (s *NATSSink) IsConnected() bool {
	return s.conn.IsConnected()
}
