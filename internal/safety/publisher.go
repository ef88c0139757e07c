package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubject is the NATS subject alerts are published on.
const DefaultSubject = "mentor.safety.alert"

// Alert is the event emitted for a keyword hit.
type Alert struct {
	AlertID   string    `json:"alert_id"`
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id"`
	Keywords  []string  `json:"keywords"`
	Excerpt   string    `json:"excerpt"`
	At        time.Time `json:"at"`
}

// Publisher delivers alerts out of band.
type Publisher interface {
	Publish(ctx context.Context, a Alert) error
	Close()
}

// NopPublisher drops alerts. Used when no NATS URL is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Alert) error { return nil }
func (NopPublisher) Close()                               {}

// NATSPublisher publishes alerts as JSON on a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

// NewNATSPublisher connects to url. The connection retries in the background
// so a NATS outage at startup does not block the API.
func NewNATSPublisher(url, token, subject string, log zerolog.Logger) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	opts := []nats.Option{
		nats.Name("mentor-chat-backend"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{conn: nc, subject: subject, log: log}, nil
}

// Publish marshals a and publishes it. ctx is checked before sending; NATS
// core publish itself does not block.
func (p *NATSPublisher) Publish(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return p.conn.Publish(p.subject, payload)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
