package bus

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/loqalabs/loqa-radio/internal/config"
	"github.com/loqalabs/loqa-radio/internal/fault"
)

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestMQTTRequiresConnection(t *testing.T) {
	tr := NewMQTTTransport(config.Default().Transport, newLogger())
	if tr.Connected() {
		t.Fatalf("expected fresh transport to be disconnected")
	}
	if err := tr.Publish("news", []byte("{}")); !errors.Is(err, fault.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected on publish, got %v", err)
	}
	if err := tr.Subscribe("news"); !errors.Is(err, fault.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected on subscribe, got %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("disconnect without connection: %v", err)
	}
}

func TestMQTTConnectRefused(t *testing.T) {
	cfg := config.Default().Transport
	cfg.Kind = "mqtt"
	cfg.ConnectTimeout = 500
	tr, err := Open(cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := tr.(*MQTTTransport); !ok {
		t.Fatalf("expected *MQTTTransport, got %T", tr)
	}

	var connected int
	tr.SetHooks(Hooks{OnConnect: func(int) { connected++ }})
	err = tr.Connect(context.Background(), Endpoint{Host: "127.0.0.1", Port: closedPort(t)})
	if !errors.Is(err, fault.ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if fault.Code(err) == CodeAccepted {
		t.Fatalf("expected a non-zero connect code")
	}
	if connected != 0 || tr.Connected() {
		t.Fatalf("refused connect must not report a connection")
	}
}

func TestMQTTConnectHonoursCancelledContext(t *testing.T) {
	tr := NewMQTTTransport(config.Default().Transport, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Connect(ctx, Endpoint{Host: "127.0.0.1", Port: 1883})
	if fault.Code(err) != CodeServerUnavailable {
		t.Fatalf("expected code %d, got %v", CodeServerUnavailable, err)
	}
}
