// Package bus defines the publish/subscribe transport used by transmitters and
// receivers, together with its NATS, MQTT and in-process implementations.
package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-radio/internal/config"
)

// Connect result codes follow the MQTT CONNACK numbering.
const (
	CodeAccepted          = 0
	CodeServerUnavailable = 3
	CodeBadCredentials    = 4
	CodeNotAuthorized     = 5
)

// Disconnect codes.
const (
	CodeRequested  = 0
	CodeUnexpected = 1
)

// Endpoint is the broker address a transport dials.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// EndpointFromConfig reads the broker address from config.
func EndpointFromConfig(cfg config.TransportConfig) Endpoint {
	return Endpoint{Host: cfg.Host, Port: cfg.Port}
}

// Message is one delivery from the broker.
type Message struct {
	Topic   string
	Payload []byte
}

// Hooks receive connection lifecycle notifications. Any field may be nil.
// Hooks are never invoked while the transport holds its own lock.
type Hooks struct {
	OnConnect    func(code int)
	OnDisconnect func(code int)
	OnPublish    func(id uint64)
}

func (h Hooks) connected(code int) {
	if h.OnConnect != nil {
		h.OnConnect(code)
	}
}

func (h Hooks) disconnected(code int) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(code)
	}
}

func (h Hooks) published(id uint64) {
	if h.OnPublish != nil {
		h.OnPublish(id)
	}
}

// Transport is the broker abstraction. Publish, Subscribe and Unsubscribe fail
// with fault.ErrNotConnected while disconnected; Connect failures are
// *fault.ConnectError values.
//
// Run is the blocking receive loop: it invokes the OnMessage callback
// synchronously, one message at a time, until ctx is cancelled.
type Transport interface {
	Connect(ctx context.Context, endpoint Endpoint) error
	Disconnect() error
	Connected() bool
	Publish(topic string, payload []byte) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	SetOnMessage(fn func(Message))
	SetHooks(hooks Hooks)
	Run(ctx context.Context) error
}

// Open builds a transport for cfg.Kind. The memory kind needs a shared broker, so
// it is built with Broker.Transport instead.
func Open(cfg config.TransportConfig, log *slog.Logger) (Transport, error) {
	switch cfg.Kind {
	case "nats":
		return NewNATSTransport(cfg, log), nil
	case "mqtt":
		return NewMQTTTransport(cfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", cfg.Kind)
	}
}

func clientID(prefix string) string {
	if prefix == "" {
		prefix = "loqa-radio"
	}
	return prefix + "-" + uuid.NewString()[:8]
}

// deliver is the shared Run loop over an inbox channel.
func deliver(ctx context.Context, inbox <-chan Message, handler func() func(Message)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-inbox:
			if fn := handler(); fn != nil {
				fn(msg)
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
