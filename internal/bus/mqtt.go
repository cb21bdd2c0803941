package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/loqalabs/loqa-radio/internal/config"
	"github.com/loqalabs/loqa-radio/internal/fault"
)

// MQTTTransport implements Transport with the paho client.
type MQTTTransport struct {
	cfg   config.TransportConfig
	log   *slog.Logger
	inbox chan Message

	mu      sync.Mutex
	client  mqtt.Client
	topics  map[string]struct{}
	handler func(Message)
	hooks   Hooks
	dropped uint64
}

func NewMQTTTransport(cfg config.TransportConfig, log *slog.Logger) *MQTTTransport {
	size := cfg.InboxSize
	if size <= 0 {
		size = 256
	}
	return &MQTTTransport{
		cfg:    cfg,
		log:    log.With(slog.String("component", "bus.mqtt")),
		inbox:  make(chan Message, size),
		topics: make(map[string]struct{}),
	}
}

func (t *MQTTTransport) timeout() time.Duration {
	return time.Duration(t.cfg.ConnectTimeout) * time.Millisecond
}

func (t *MQTTTransport) Connect(ctx context.Context, endpoint Endpoint) error {
	if err := ctx.Err(); err != nil {
		return &fault.ConnectError{Code: CodeServerUnavailable, Err: err}
	}
	t.mu.Lock()
	if t.client != nil && t.client.IsConnected() {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", endpoint))
	opts.SetClientID(clientID(t.cfg.ClientPrefix))
	opts.SetConnectTimeout(t.timeout())
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		t.mu.Lock()
		current := t.client == c
		if current {
			t.client = nil
			t.topics = make(map[string]struct{})
		}
		hooks := t.hooks
		t.mu.Unlock()
		if !current {
			return
		}
		t.log.Warn("mqtt connection lost", slogError(err), slog.String("broker", endpoint.String()))
		hooks.disconnected(CodeUnexpected)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(t.timeout()) {
		return &fault.ConnectError{Code: CodeServerUnavailable, Err: fmt.Errorf("mqtt connection timeout")}
	}
	if err := token.Error(); err != nil {
		code := CodeServerUnavailable
		if ct, ok := token.(*mqtt.ConnectToken); ok && ct.ReturnCode() != 0 {
			code = int(ct.ReturnCode())
		}
		return &fault.ConnectError{Code: code, Err: err}
	}

	t.mu.Lock()
	t.client = client
	hooks := t.hooks
	t.mu.Unlock()

	t.log.Info("mqtt connection established", slog.String("broker", endpoint.String()))
	hooks.connected(CodeAccepted)
	return nil
}

func (t *MQTTTransport) Disconnect() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.topics = make(map[string]struct{})
	hooks := t.hooks
	t.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return nil
	}
	client.Disconnect(250)
	t.log.Info("mqtt disconnected")
	hooks.disconnected(CodeRequested)
	return nil
}

func (t *MQTTTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil && t.client.IsConnected()
}

func (t *MQTTTransport) live() (mqtt.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || !t.client.IsConnected() {
		return nil, fault.ErrNotConnected
	}
	return t.client, nil
}

func (t *MQTTTransport) Publish(topic string, payload []byte) error {
	client, err := t.live()
	if err != nil {
		return err
	}
	token := client.Publish(topic, byte(t.cfg.QoS), false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		if !client.IsConnected() {
			return fmt.Errorf("publish %s: %w", topic, fault.ErrNotConnected)
		}
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	var id uint64
	if pt, ok := token.(*mqtt.PublishToken); ok {
		id = uint64(pt.MessageID())
	}
	t.mu.Lock()
	hooks := t.hooks
	t.mu.Unlock()
	hooks.published(id)
	return nil
}

func (t *MQTTTransport) Subscribe(topic string) error {
	client, err := t.live()
	if err != nil {
		return err
	}
	token := client.Subscribe(topic, byte(t.cfg.QoS), t.handleMessage)
	if !token.WaitTimeout(t.timeout()) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	t.mu.Lock()
	t.topics[topic] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *MQTTTransport) Unsubscribe(topic string) error {
	client, err := t.live()
	if err != nil {
		return err
	}
	token := client.Unsubscribe(topic)
	if !token.WaitTimeout(t.timeout()) {
		return fmt.Errorf("unsubscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	t.mu.Lock()
	delete(t.topics, topic)
	t.mu.Unlock()
	return nil
}

// handleMessage runs on the paho router goroutine and must not block.
func (t *MQTTTransport) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case t.inbox <- Message{Topic: msg.Topic(), Payload: msg.Payload()}:
	default:
		t.mu.Lock()
		t.dropped++
		dropped := t.dropped
		t.mu.Unlock()
		t.log.Warn("inbox full, dropping message", slog.String("topic", msg.Topic()), slog.Uint64("dropped", dropped))
	}
}

func (t *MQTTTransport) SetOnMessage(fn func(Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *MQTTTransport) SetHooks(hooks Hooks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = hooks
}

func (t *MQTTTransport) Run(ctx context.Context) error {
	return deliver(ctx, t.inbox, func() func(Message) {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.handler
	})
}
