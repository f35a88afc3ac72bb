package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/niagara-mcp/niagara-mcp/internal/watch"
)

var (
	startSeqRe  = regexp.MustCompile(`^by_start_sequence=(\d+)$`)
	startTimeRe = regexp.MustCompile(`^by_start_time=(.+)$`)
)

// ParseDeliverPolicy turns a policy string into consumer settings. Accepted
// forms are all, last, new, by_start_sequence=N and
// by_start_time=YYYY-MM-DD hh:mm:ss (or RFC 3339).
func ParseDeliverPolicy(policy string) (jetstream.OrderedConsumerConfig, error) {
	var cfg jetstream.OrderedConsumerConfig
	switch policy = strings.TrimSpace(policy); policy {
	case "all", "":
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
		return cfg, nil
	case "last":
		cfg.DeliverPolicy = jetstream.DeliverLastPolicy
		return cfg, nil
	case "new":
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
		return cfg, nil
	}
	if m := startSeqRe.FindStringSubmatch(policy); m != nil {
		seq, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid start sequence: %w", err)
		}
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = seq
		return cfg, nil
	}
	if m := startTimeRe.FindStringSubmatch(policy); m != nil {
		t, err := time.Parse(time.DateTime, m[1])
		if err != nil {
			if t, err = time.Parse(time.RFC3339, m[1]); err != nil {
				return cfg, fmt.Errorf("invalid start time %q", m[1])
			}
		}
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		cfg.OptStartTime = &t
		return cfg, nil
	}
	return cfg, fmt.Errorf("invalid deliver policy: %s", policy)
}

// EventReader replays watch events stored by EventPublisher.
type EventReader struct {
	js     jetstream.JetStream
	stream string
}

func NewEventReader(nc *nats.Conn, stream string) (*EventReader, error) {
	if stream == "" {
		stream = DefaultStream
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	return &EventReader{js: js, stream: stream}, nil
}

// Read returns up to limit stored events of the watch starting at policy.
func (r *EventReader) Read(ctx context.Context, watchID, policy string, limit int) ([]watch.Event, error) {
	cfg, err := ParseDeliverPolicy(policy)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	cfg.FilterSubjects = []string{Subject(r.stream, watchID)}
	cons, err := r.js.OrderedConsumer(ctx, r.stream, cfg)
	if err != nil {
		return nil, err
	}
	batch, err := cons.FetchNoWait(limit)
	if err != nil {
		return nil, err
	}

	events := make([]watch.Event, 0, limit)
	for msg := range batch.Messages() {
		var ev watch.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			slog.Error("failed to unmarshal watch event", "subject", msg.Subject(), "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := batch.Error(); err != nil {
		return events, err
	}
	return events, nil
}
