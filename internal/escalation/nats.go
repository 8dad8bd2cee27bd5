package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/harrison/coordinator/internal/models"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "escalations"

// NATSSink publishes events as JSON to <prefix>.<plan_id>.<severity>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// NewNATSSink connects to url and returns a sink that owns the connection.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("coordinator-escalations"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s := NewNATSSinkFromConn(nc, prefix)
	s.owned = true
	return s, nil
}

// NewNATSSinkFromConn wraps an existing connection.
func NewNATSSinkFromConn(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{conn: nc, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(ev models.EscalationEvent) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, subjectToken(ev.PlanID), subjectToken(string(ev.Severity)))
}

// Emit implements Sink.
func (s *NATSSink) Emit(ctx context.Context, ev models.EscalationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}
	if err := s.conn.Publish(s.Subject(ev), data); err != nil {
		return fmt.Errorf("publish escalation %s: %w", ev.ID, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection if the sink owns it.
func (s *NATSSink) Close() error {
	if !s.owned {
		return s.conn.Flush()
	}
	return s.conn.Drain()
}

// subjectToken makes a value safe to use as a single subject token.
func subjectToken(v string) string {
	if v == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, v)
}
