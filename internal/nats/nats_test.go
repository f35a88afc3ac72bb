package nats_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/niagara-mcp/niagara-mcp/internal/nats"
	"github.com/niagara-mcp/niagara-mcp/internal/session"
	"github.com/niagara-mcp/niagara-mcp/internal/watch"
)

func TestSubject(t *testing.T) {
	tt := map[string]string{
		"w-1":        "EV.w-1",
		"watch.12":   "EV.watch_12",
		"a b*c>":     "EV.a_b_c_",
		"@p:demo-id": "EV.@p:demo-id",
	}
	for in, want := range tt {
		if got := nats.Subject("EV", in); got != want {
			t.Errorf("Subject(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseDeliverPolicy(t *testing.T) {
	tt := []struct {
		in      string
		want    jetstream.DeliverPolicy
		wantSeq uint64
		wantErr bool
	}{
		{in: "", want: jetstream.DeliverAllPolicy},
		{in: "all", want: jetstream.DeliverAllPolicy},
		{in: "last", want: jetstream.DeliverLastPolicy},
		{in: "new", want: jetstream.DeliverNewPolicy},
		{in: "by_start_sequence=42", want: jetstream.DeliverByStartSequencePolicy, wantSeq: 42},
		{in: "by_start_time=2024-03-01 10:00:00", want: jetstream.DeliverByStartTimePolicy},
		{in: "by_start_time=2024-03-01T10:00:00Z", want: jetstream.DeliverByStartTimePolicy},
		{in: "by_start_time=yesterday", wantErr: true},
		{in: "by_start_sequence=x", wantErr: true},
		{in: "first", wantErr: true},
	}
	for _, tc := range tt {
		t.Run(tc.in, func(t *testing.T) {
			cfg, err := nats.ParseDeliverPolicy(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cfg.DeliverPolicy != tc.want {
				t.Errorf("policy = %v, want %v", cfg.DeliverPolicy, tc.want)
			}
			if cfg.OptStartSeq != tc.wantSeq {
				t.Errorf("start seq = %d, want %d", cfg.OptStartSeq, tc.wantSeq)
			}
		})
	}
}

func TestPublishAndRead(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}
	nc, stop, err := nats.Connect(nats.Config{Name: "test", Port: -1, StoreDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	ctx := context.Background()
	pub, err := nats.NewEventPublisher(ctx, nc, nats.StreamConfig{Name: "EVENTS_TEST"})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"w-1", "w-2", "w-1", "w-1"} {
		ev := watch.Event{
			WatchID: id,
			Backend: session.TagLocal,
			Time:    now.Add(time.Duration(i) * time.Second),
			Rows:    []map[string]any{{"id": "@p1", "curVal": float64(i)}},
		}
		if err := pub.Publish(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	reader, err := nats.NewEventReader(nc, "EVENTS_TEST")
	if err != nil {
		t.Fatal(err)
	}
	events, err := reader.Read(ctx, "w-1", "all", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for w-1, got %d", len(events))
	}
	for i, want := range []float64{0, 2, 3} {
		if got := events[i].Rows[0]["curVal"]; got != want {
			t.Errorf("event %d curVal = %v, want %v", i, got, want)
		}
	}

	last, err := reader.Read(ctx, "w-1", "last", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 1 || last[0].Rows[0]["curVal"] != float64(3) {
		t.Errorf("expected only the last event, got %+v", last)
	}
}
