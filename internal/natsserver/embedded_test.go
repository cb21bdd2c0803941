package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-radio/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartSkippedWhenNotEmbedded(t *testing.T) {
	cfg := config.TransportConfig{Kind: "mqtt", Embedded: true}
	srv, err := Start(cfg, newLogger())
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v %v", srv, err)
	}
	srv.Shutdown()
}

func TestStartRandomPort(t *testing.T) {
	cfg := config.TransportConfig{Kind: "nats", Embedded: true, Host: "127.0.0.1", Port: -1}
	srv, err := Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	host, port := srv.Endpoint()
	if host != "127.0.0.1" || port <= 0 {
		t.Fatalf("unexpected endpoint %s:%d", host, port)
	}
}
