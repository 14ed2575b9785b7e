// Package notify forwards run events to external subscribers.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/warden/internal/logging"
	"github.com/vinayprograms/warden/internal/session"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "warden.runs"

// publisher is the part of *nats.Conn the sink needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every journaled event to <prefix>.<run_id>.events.
type NATSSink struct {
	pub    publisher
	conn   *nats.Conn
	prefix string
	logger *logging.Logger
}

// Connect dials the NATS server at url and returns a sink on it.
func Connect(url, prefix string) (*NATSSink, error) {
	logger := logging.New().WithComponent("notify")
	nc, err := nats.Connect(url,
		nats.Name("warden"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", map[string]interface{}{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", map[string]interface{}{"url": c.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	s := newSink(nc, prefix)
	s.conn = nc
	return s, nil
}

func newSink(pub publisher, prefix string) *NATSSink {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: prefix, logger: logging.New().WithComponent("notify")}
}

// Subject returns the subject events of runID are published on.
func (s *NATSSink) Subject(runID string) string {
	return s.prefix + "." + runID + ".events"
}

// Publish sends ev as JSON. Failures are returned to the event log, which
// logs them without failing the append.
func (s *NATSSink) Publish(ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.pub.Publish(s.Subject(ev.RunID), data); err != nil {
		return fmt.Errorf("failed to publish event %d of %s: %w", ev.SeqID, ev.RunID, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}

var _ session.Sink = (*NATSSink)(nil)
