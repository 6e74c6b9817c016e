// Package notify publishes build events for other tools to react to, such as
// a host-program build waiting on fresh kernels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
	"git.home.luguber.info/inful/kernelforge/internal/logfields"
)

// DefaultSubject is the subject build events are published on.
const DefaultSubject = "kernelforge.builds"

// Event describes a finished build.
type Event struct {
	BuildID    string    `json:"build_id"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"`
	ComputeCap int       `json:"compute_cap,omitempty"`
	Compiled   []string  `json:"compiled,omitempty"`
	Changed    bool      `json:"changed"`
	Bindings   string    `json:"bindings,omitempty"`
	Archive    string    `json:"archive,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher delivers build events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

// NATSPublisher publishes JSON-encoded events on a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	conn, err := nats.Connect(url, nats.Name("kernelforge"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, ferrors.NotifyError("failed to connect to NATS").
			WithCause(err).
			WithContext("url", url).
			Build()
	}
	slog.Debug("NATS publisher connected", slog.String("url", url), slog.String("subject", subject))
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// Publish sends ev and waits for the server to acknowledge the flush.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return p.publishError("failed to publish build event", err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return p.publishError("failed to flush build event", err)
	}
	slog.Debug("Published build event", slog.String("subject", p.subject), logfields.BuildID(ev.BuildID))
	return nil
}

func (p *NATSPublisher) publishError(msg string, err error) error {
	return ferrors.NotifyError(msg).
		WithCause(err).
		WithContext("subject", p.subject).
		Build()
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Encode renders ev as the JSON payload sent on the wire. A zero Timestamp is
// set to the current time.
func Encode(ev Event) ([]byte, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}
