package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-radio/internal/config"
	"github.com/loqalabs/loqa-radio/internal/fault"
	"github.com/nats-io/nats.go"
)

// NATSTransport implements Transport over a core NATS connection. Subjects are
// the channel topics. Reconnects are disabled so a lost connection surfaces to
// the owner through OnDisconnect instead of being retried behind its back.
type NATSTransport struct {
	cfg   config.TransportConfig
	log   *slog.Logger
	inbox chan *nats.Msg
	seq   atomic.Uint64

	mu      sync.Mutex
	conn    *nats.Conn
	subs    map[string]*nats.Subscription
	handler func(Message)
	hooks   Hooks
}

func NewNATSTransport(cfg config.TransportConfig, log *slog.Logger) *NATSTransport {
	size := cfg.InboxSize
	if size <= 0 {
		size = 256
	}
	return &NATSTransport{
		cfg:   cfg,
		log:   log.With(slog.String("component", "bus.nats")),
		inbox: make(chan *nats.Msg, size),
		subs:  make(map[string]*nats.Subscription),
	}
}

func (t *NATSTransport) Connect(ctx context.Context, endpoint Endpoint) error {
	if err := ctx.Err(); err != nil {
		return &fault.ConnectError{Code: CodeServerUnavailable, Err: err}
	}
	t.mu.Lock()
	if t.conn != nil && !t.conn.IsClosed() {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	options := []nats.Option{
		nats.Name(clientID(t.cfg.ClientPrefix)),
		nats.Timeout(time.Duration(t.cfg.ConnectTimeout) * time.Millisecond),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(t.handleDisconnect),
	}
	if t.cfg.Username != "" || t.cfg.Password != "" {
		options = append(options, nats.UserInfo(t.cfg.Username, t.cfg.Password))
	}
	if t.cfg.Token != "" {
		options = append(options, nats.Token(t.cfg.Token))
	}
	if t.cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := fmt.Sprintf("nats://%s", endpoint)
	conn, err := nats.Connect(url, options...)
	if err != nil {
		code := CodeServerUnavailable
		if errors.Is(err, nats.ErrAuthorization) {
			code = CodeNotAuthorized
		}
		return &fault.ConnectError{Code: code, Err: err}
	}

	t.mu.Lock()
	t.conn = conn
	hooks := t.hooks
	t.mu.Unlock()

	t.log.Info("connected to NATS", slog.String("url", url))
	hooks.connected(CodeAccepted)
	return nil
}

// handleDisconnect runs on the NATS callback goroutine. Callbacks from a
// connection that is no longer current are ignored; requested closes are
// reported by Disconnect itself.
func (t *NATSTransport) handleDisconnect(nc *nats.Conn, err error) {
	t.mu.Lock()
	current := t.conn == nc
	if current {
		t.conn = nil
		t.subs = make(map[string]*nats.Subscription)
	}
	hooks := t.hooks
	t.mu.Unlock()

	if !current {
		return
	}
	if err != nil {
		t.log.Warn("NATS connection lost", slogError(err))
	}
	hooks.disconnected(CodeUnexpected)
}

func (t *NATSTransport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return nil
	}
	t.conn = nil
	t.subs = make(map[string]*nats.Subscription)
	hooks := t.hooks
	t.mu.Unlock()

	t.log.Info("closing NATS connection")
	if err := conn.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		t.log.Warn("flush before close failed", slogError(err))
	}
	conn.Close()
	hooks.disconnected(CodeRequested)
	return nil
}

func (t *NATSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.IsConnected()
}

func (t *NATSTransport) live() (*nats.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || !t.conn.IsConnected() {
		return nil, fault.ErrNotConnected
	}
	return t.conn, nil
}

func (t *NATSTransport) Publish(topic string, payload []byte) error {
	conn, err := t.live()
	if err != nil {
		return err
	}
	if err := conn.Publish(topic, payload); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("publish %s: %w", topic, fault.ErrNotConnected)
		}
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	t.mu.Lock()
	hooks := t.hooks
	t.mu.Unlock()
	hooks.published(t.seq.Add(1))
	return nil
}

func (t *NATSTransport) Subscribe(topic string) error {
	conn, err := t.live()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[topic]; ok {
		return nil
	}
	sub, err := conn.ChanSubscribe(topic, t.inbox)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	t.subs[topic] = sub
	return nil
}

func (t *NATSTransport) Unsubscribe(topic string) error {
	if _, err := t.live(); err != nil {
		return err
	}
	t.mu.Lock()
	sub, ok := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (t *NATSTransport) SetOnMessage(fn func(Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *NATSTransport) SetHooks(hooks Hooks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = hooks
}

func (t *NATSTransport) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-t.inbox:
			t.mu.Lock()
			fn := t.handler
			t.mu.Unlock()
			if fn != nil {
				fn(Message{Topic: msg.Subject, Payload: msg.Data})
			}
		}
	}
}
