package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
)

var propagator = propagation.TraceContext{}

// publisher is the subset of *nats.Conn used by NATSSink.
type publisher interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NATSConfig holds NATS forwarding configuration.
type NATSConfig struct {
	URL     string
	Subject string
	Timeout time.Duration
}

// NATSSink publishes each event as JSON on a subject, carrying the trace
// context in message headers.
type NATSSink struct {
	conn    publisher
	subject string
}

// NewNATSSink connects to the NATS server.
func NewNATSSink(config NATSConfig) (*NATSSink, error) {
	if config.Subject == "" {
		return nil, errors.New("nats subject is required")
	}
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	nc, err := nats.Connect(config.URL,
		nats.Name("cerberus"),
		nats.Timeout(config.Timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSSink{conn: nc, subject: config.Subject}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string {
	return "nats"
}

// Send publishes event. Delivery is fire-and-forget at the NATS level.
func (s *NATSSink) Send(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	hdr.Set("Cerberus-Risk-Level", string(event.RiskLevel))

	msg := &nats.Msg{Subject: s.subject, Data: data, Header: hdr}
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close(_ context.Context) error {
	return s.conn.Drain()
}
