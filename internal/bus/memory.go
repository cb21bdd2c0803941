package bus

import (
	"context"
	"slices"
	"sync"

	"github.com/loqalabs/loqa-radio/internal/fault"
)

// Broker is an in-process broker. Every transport it hands out shares its topics.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[*MemoryTransport]struct{}
	taps []func(Message)
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*MemoryTransport]struct{})}
}

// Transport returns a new client of the broker with the given inbox size.
func (b *Broker) Transport(inboxSize int) *MemoryTransport {
	if inboxSize <= 0 {
		inboxSize = 256
	}
	return &MemoryTransport{
		broker: b,
		topics: make(map[string]struct{}),
		inbox:  make(chan Message, inboxSize),
	}
}

// Tap registers fn to observe every published message synchronously.
func (b *Broker) Tap(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, fn)
}

func (b *Broker) subscribe(topic string, t *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[topic]
	if set == nil {
		set = make(map[*MemoryTransport]struct{})
		b.subs[topic] = set
	}
	set[t] = struct{}{}
}

func (b *Broker) unsubscribe(topic string, t *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], t)
}

func (b *Broker) publish(msg Message) {
	b.mu.RLock()
	taps := slices.Clone(b.taps)
	targets := make([]*MemoryTransport, 0, len(b.subs[msg.Topic]))
	for t := range b.subs[msg.Topic] {
		targets = append(targets, t)
	}
	b.mu.RUnlock()

	for _, fn := range taps {
		fn(msg)
	}
	for _, t := range targets {
		select {
		case t.inbox <- msg:
		default:
			// Slow consumer: the broker does not promise delivery.
		}
	}
}

// MemoryTransport is a Broker client implementing Transport.
type MemoryTransport struct {
	broker *Broker

	mu        sync.Mutex
	connected bool
	topics    map[string]struct{}
	handler   func(Message)
	hooks     Hooks
	connects  int
	failCode  int
	seq       uint64

	inbox chan Message
}

// FailConnect makes subsequent Connect calls fail with code. Zero restores success.
func (m *MemoryTransport) FailConnect(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCode = code
}

// Connects reports how many connections were established.
func (m *MemoryTransport) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *MemoryTransport) Connect(ctx context.Context, _ Endpoint) error {
	if err := ctx.Err(); err != nil {
		return &fault.ConnectError{Code: CodeServerUnavailable, Err: err}
	}
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	if m.failCode != 0 {
		code := m.failCode
		m.mu.Unlock()
		return &fault.ConnectError{Code: code}
	}
	m.connected = true
	m.connects++
	hooks := m.hooks
	m.mu.Unlock()
	hooks.connected(CodeAccepted)
	return nil
}

func (m *MemoryTransport) Disconnect() error {
	m.close(CodeRequested)
	return nil
}

// Drop simulates an unexpected connection loss.
func (m *MemoryTransport) Drop() {
	m.close(CodeUnexpected)
}

func (m *MemoryTransport) close(code int) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	for topic := range m.topics {
		m.broker.unsubscribe(topic, m)
	}
	m.topics = make(map[string]struct{})
	hooks := m.hooks
	m.mu.Unlock()
	hooks.disconnected(code)
}

func (m *MemoryTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MemoryTransport) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return fault.ErrNotConnected
	}
	m.seq++
	id := m.seq
	hooks := m.hooks
	m.mu.Unlock()

	m.broker.publish(Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	hooks.published(id)
	return nil
}

func (m *MemoryTransport) Subscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fault.ErrNotConnected
	}
	m.topics[topic] = struct{}{}
	m.broker.subscribe(topic, m)
	return nil
}

func (m *MemoryTransport) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fault.ErrNotConnected
	}
	delete(m.topics, topic)
	m.broker.unsubscribe(topic, m)
	return nil
}

func (m *MemoryTransport) SetOnMessage(fn func(Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

func (m *MemoryTransport) SetHooks(hooks Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = hooks
}

func (m *MemoryTransport) Run(ctx context.Context) error {
	return deliver(ctx, m.inbox, func() func(Message) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.handler
	})
}

// Inject queues msg on the inbox as if the broker had delivered it.
func (m *MemoryTransport) Inject(msg Message) {
	m.inbox <- msg
}
