package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Publisher mirrors session lifecycle events onto the bus. Publishing is
// fire-and-forget: a bus outage never affects the voice session.
type Publisher struct {
	client *Client
	prefix string
	log    *slog.Logger
}

// NewPublisher publishes on "<prefix>.<kind>". An empty prefix uses
// protocol.SubjectSessionPrefix.
func NewPublisher(client *Client, prefix string, log *slog.Logger) *Publisher {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = protocol.SubjectSessionPrefix
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		log:    log.With(slog.String("component", "bus_publisher")),
	}
}

// Subject returns the subject used for an event kind.
func (p *Publisher) Subject(kind string) string {
	return p.prefix + "." + kind
}

// Wildcard matches every subject this publisher writes to.
func (p *Publisher) Wildcard() string {
	return p.prefix + ".>"
}

// Observe implements pipeline.Observer.
func (p *Publisher) Observe(_ context.Context, event protocol.SessionEvent) {
	if p == nil || !p.client.Healthy() {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("encode session event", slog.String("error", err.Error()))
		return
	}
	if err := p.client.Conn().Publish(p.Subject(event.Kind), data); err != nil {
		p.log.Warn("publish session event",
			slog.String("subject", p.Subject(event.Kind)),
			slog.String("error", err.Error()))
	}
}
