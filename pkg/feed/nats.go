package feed

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/luxfi/perps/pkg/perps"
)

// NATSPublisher mirrors engine events onto NATS subjects of the form
// "perps.events.<market>.<symbol>.<type>".
type NATSPublisher struct {
	conn    *nats.Conn
	prefix  string
	ownConn bool
}

// ConnectNATS dials a NATS server and wraps it in a publisher. The
// connection is owned by the publisher and closed by Close.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("perps-feed"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix, ownConn: true}, nil
}

// NewNATSPublisher wraps an existing connection. Close leaves the
// connection open for the caller.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Publish sends one event. Marshal or publish failures are returned so
// the pump can count them.
func (p *NATSPublisher) Publish(ev perps.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s.%s.%s", p.prefix, ev.Market, ev.Symbol, ev.Type)
	return p.conn.Publish(subject, payload)
}

// Flush waits for buffered publishes to reach the server.
func (p *NATSPublisher) Flush() error {
	return p.conn.Flush()
}

// Close flushes and, if the publisher owns the connection, closes it.
func (p *NATSPublisher) Close() {
	p.conn.Flush()
	if p.ownConn {
		p.conn.Close()
	}
}
