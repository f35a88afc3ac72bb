package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/niagara-mcp/niagara-mcp/internal/watch"
)

const DefaultStream = "NIAGARA_WATCH_EVENTS"

// StreamConfig describes the JetStream stream holding watch events.
type StreamConfig struct {
	Name     string
	Replicas int
	MaxAge   time.Duration
	Timeout  time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Name == "" {
		c.Name = DefaultStream
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Subject is the subject carrying events of one watch. Characters that are
// not valid inside a subject token are replaced.
func Subject(stream, watchID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, watchID)
	return stream + "." + token
}

// EventPublisher writes watch poll results to a JetStream stream. It
// implements watch.Publisher.
type EventPublisher struct {
	js      jetstream.JetStream
	stream  string
	timeout time.Duration
}

func NewEventPublisher(ctx context.Context, nc *nats.Conn, cfg StreamConfig) (*EventPublisher, error) {
	cfg = cfg.withDefaults()
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Replicas:  cfg.Replicas,
		Subjects:  []string{cfg.Name + ".>"},
		Storage:   jetstream.FileStorage,
		MaxAge:    cfg.MaxAge,
		Discard:   jetstream.DiscardOld,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		if nc.ConnectedClusterName() == "" {
			return nil, err
		}
		slog.Warn("failed to create or update stream", "stream", cfg.Name, "error", err)
	}
	return &EventPublisher{js: js, stream: cfg.Name, timeout: cfg.Timeout}, nil
}

func (p *EventPublisher) Publish(ctx context.Context, ev watch.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ack, err := p.js.Publish(ctx, Subject(p.stream, ev.WatchID), data, jetstream.WithMsgID(uuid.NewString()))
	if err != nil {
		return err
	}
	slog.Debug("published watch event", "stream", ack.Stream, "seq", ack.Sequence, "watchId", ev.WatchID, "rows", len(ev.Rows))
	return nil
}
