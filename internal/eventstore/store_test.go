package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-radio/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.AppendEvent(ctx, Event{Topic: "news", Kind: "play"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	events, err := es.ListEvents(ctx, "news", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var es *Store
	if err := es.AppendEvent(context.Background(), Event{Topic: "news"}); err != nil {
		t.Fatalf("nil append: %v", err)
	}
	if err := es.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	for _, kind := range []string{"play", "pause", "resume"} {
		if err := es.AppendEvent(ctx, Event{Topic: "news", Actor: "transmitter", Kind: kind, State: "playing", Detail: []byte(`{}`)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := es.AppendEvent(ctx, Event{Topic: "talk", Kind: "stop"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{Kind: "orphan"}); err == nil {
		t.Fatal("expected error for empty topic")
	}

	events, err := es.ListEvents(ctx, "news", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Kind != "play" || events[2].Kind != "resume" || events[0].Actor != "transmitter" {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to round trip")
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxEvents: 2}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendEvent(ctx, Event{Topic: "story", Kind: "play"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, kind := range []string{"play", "pause", "resume"} {
		if err := es.AppendEvent(ctx, Event{Topic: "sport", Kind: kind}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := es.ListEvents(ctx, "story", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old events pruned, got %d", len(old))
	}
	recent, err := es.ListEvents(ctx, "sport", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recent) != 2 || recent[0].Kind != "pause" || recent[1].Kind != "resume" {
		t.Fatalf("expected newest 2 events kept, got %+v", recent)
	}
}
