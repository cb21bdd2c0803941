package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-radio/internal/config"
	"github.com/loqalabs/loqa-radio/internal/fault"
	"github.com/loqalabs/loqa-radio/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startNATS(t *testing.T) (config.TransportConfig, Endpoint) {
	t.Helper()
	cfg := config.Default().Transport
	cfg.Host = "127.0.0.1"
	cfg.Port = -1
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	host, port := srv.Endpoint()
	return cfg, Endpoint{Host: host, Port: port}
}

func TestNATSRoundTrip(t *testing.T) {
	cfg, endpoint := startNATS(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := NewNATSTransport(cfg, newLogger())
	sub := NewNATSTransport(cfg, newLogger())
	for _, tr := range []*NATSTransport{pub, sub} {
		if err := tr.Connect(ctx, endpoint); err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(func() { _ = tr.Disconnect() })
	}

	got := make(chan Message, 4)
	sub.SetOnMessage(func(m Message) { got <- m })
	if err := sub.Subscribe("sport"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	go sub.Run(ctx)

	// The subscription is registered asynchronously on the server.
	deadline := time.After(2 * time.Second)
	for {
		if err := pub.Publish("sport", []byte(`{"t": 1}`)); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case m := <-got:
			if m.Topic != "sport" || string(m.Payload) != `{"t": 1}` {
				t.Fatalf("unexpected message %+v", m)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestNATSPublishAfterDisconnect(t *testing.T) {
	cfg, endpoint := startNATS(t)
	tr := NewNATSTransport(cfg, newLogger())
	codes := make(chan int, 1)
	tr.SetHooks(Hooks{OnDisconnect: func(code int) { codes <- code }})
	if err := tr.Connect(context.Background(), endpoint); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := tr.Publish("news", []byte("x")); !errors.Is(err, fault.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	select {
	case code := <-codes:
		if code != CodeRequested {
			t.Fatalf("expected requested disconnect, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnect notification")
	}
}

func TestNATSConnectRefused(t *testing.T) {
	cfg := config.Default().Transport
	cfg.ConnectTimeout = 200
	tr := NewNATSTransport(cfg, newLogger())
	err := tr.Connect(context.Background(), Endpoint{Host: "127.0.0.1", Port: 1})
	if !errors.Is(err, fault.ErrConnectFailed) {
		t.Fatalf("expected connect failure, got %v", err)
	}
	if fault.Code(err) != CodeServerUnavailable {
		t.Fatalf("expected code %d, got %d", CodeServerUnavailable, fault.Code(err))
	}
}

func TestOpenRejectsMemoryKind(t *testing.T) {
	cfg := config.Default().Transport
	cfg.Kind = "memory"
	if _, err := Open(cfg, newLogger()); err == nil {
		t.Fatal("expected error for memory kind")
	}
	cfg.Kind = "mqtt"
	tr, err := Open(cfg, newLogger())
	if err != nil {
		t.Fatalf("open mqtt: %v", err)
	}
	if _, ok := tr.(*MQTTTransport); !ok {
		t.Fatalf("expected mqtt transport, got %T", tr)
	}
}

func TestNATSServerLossIsUnexpected(t *testing.T) {
	cfg := config.Default().Transport
	cfg.Host = "127.0.0.1"
	cfg.Port = -1
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	host, port := srv.Endpoint()

	tr := NewNATSTransport(cfg, newLogger())
	codes := make(chan int, 2)
	tr.SetHooks(Hooks{OnDisconnect: func(code int) { codes <- code }})
	if err := tr.Connect(context.Background(), Endpoint{Host: host, Port: port}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv.Shutdown()

	select {
	case code := <-codes:
		if code != CodeUnexpected {
			t.Fatalf("expected unexpected disconnect, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected disconnect notification")
	}
	if tr.Connected() {
		t.Fatal("expected transport to report disconnected")
	}
	if err := tr.Subscribe("news"); !errors.Is(err, fault.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}
