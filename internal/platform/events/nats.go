package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultNATSSubjectPrefix is used when no prefix is configured.
const DefaultNATSSubjectPrefix = "deptqueue.queue"

// natsPublisher is the part of *nats.Conn the sink needs.
type natsPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes every event to <prefix>.<department id>, so consumers can
// subscribe to one department or to <prefix>.> for all of them.
type NATSSink struct {
	conn   natsPublisher
	prefix string
}

func NewNATSSink(conn natsPublisher, prefix string) *NATSSink {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultNATSSubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Subject returns the subject an event for the given department is published on.
func (s *NATSSink) Subject(e Event) string {
	return s.prefix + "." + e.DepartmentID.String()
}

func (s *NATSSink) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(e), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", s.Subject(e), err)
	}
	return nil
}

// DialNATS connects with reconnect settings suited to a long-running server and
// logs connection state changes.
func DialNATS(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}
