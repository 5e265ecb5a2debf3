package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/elonfeng/newsledger/pkg/metrics"
)

// DefaultSubject prefixes NATS subjects; the notification kind is appended.
const DefaultSubject = "newsledger.alerts"

type natsConn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// NATS publishes notifications as JSON to "<subject>.<kind>".
type NATS struct {
	conn    natsConn
	subject string
}

// NewNATS connects to the server at url.
func NewNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("newsledger"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATS(nc, subject), nil
}

func newNATS(conn natsConn, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{conn: conn, subject: subject}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Send(ctx context.Context, notif *Notification) error {
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal nats message: %w", err)
	}

	subject := n.subject + "." + string(notif.Kind)
	if err := n.conn.Publish(subject, data); err != nil {
		metrics.NatsMessagesPublished.WithLabelValues(subject, "error").Inc()
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := n.conn.FlushTimeout(timeout); err != nil {
		metrics.NatsMessagesPublished.WithLabelValues(subject, "error").Inc()
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	metrics.NatsMessagesPublished.WithLabelValues(subject, "ok").Inc()
	return nil
}

// Close closes the connection.
func (n *NATS) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}
