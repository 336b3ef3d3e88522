package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject prefixes NATS subjects when none is configured.
const DefaultSubject = "avatarsync.events"

// NATSPublisher publishes every event as JSON to "<subject>.<session_id>".
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

var _ Publisher = (*NATSPublisher)(nil)

// ConnectNATS connects to url.
func ConnectNATS(url, subject string) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("eventlog: nats url must not be empty")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	conn, err := nats.Connect(url,
		nats.Name("avatarsync"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// Publish implements [Publisher].
func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event: %w", err)
	}
	if err := p.conn.Publish(p.subject+"."+e.SessionID, data); err != nil {
		return fmt.Errorf("eventlog: nats publish: %w", err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (p *NATSPublisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Check returns an error when the connection is down. It matches the
// readiness checker signature.
func (p *NATSPublisher) Check(context.Context) error {
	if !p.Healthy() {
		return errors.New("eventlog: nats not connected")
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("eventlog: nats drain: %w", err)
	}
	return nil
}
