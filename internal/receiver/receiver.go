// Package receiver folds one subscribed channel's stream into a rolling window.
package receiver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-radio/internal/bus"
	"github.com/loqalabs/loqa-radio/internal/channel"
	"github.com/loqalabs/loqa-radio/internal/fault"
	"github.com/loqalabs/loqa-radio/internal/protocol"
	"github.com/loqalabs/loqa-radio/internal/window"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ErrStale marks a message whose topic is not the current channel.
var ErrStale = errors.New("message for an inactive channel")

type Options struct {
	Width    int
	Endpoint bus.Endpoint
	Logger   *slog.Logger
}

// Stats counts message outcomes since construction.
type Stats struct {
	Accepted  int64
	Stale     int64
	Malformed int64
}

type Receiver struct {
	table    *channel.Table
	tr       bus.Transport
	endpoint bus.Endpoint
	win      *window.Window
	log      *slog.Logger

	// mu serializes channel switches against the topic check and window push.
	mu         sync.Mutex
	current    channel.Channel
	subscribed bool
	next       int64

	accepted  atomic.Int64
	stale     atomic.Int64
	malformed atomic.Int64
	received  metric.Int64Counter
}

func New(table *channel.Table, tr bus.Transport, opts Options) (*Receiver, error) {
	if table == nil || tr == nil {
		return nil, fault.InvalidConfig("receiver needs a channel table and a transport")
	}
	win, err := window.New(opts.Width)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Receiver{
		table:    table,
		tr:       tr,
		endpoint: opts.Endpoint,
		win:      win,
		log:      opts.Logger.With(slog.String("component", "receiver")),
		next:     int64(opts.Width),
	}
	r.received, err = otel.Meter("github.com/loqalabs/loqa-radio/receiver").Int64Counter(
		"loqa.radio.messages.received", metric.WithDescription("Messages handled by the receiver, by outcome"))
	if err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
		r.received = noop.Int64Counter{}
	}
	tr.SetOnMessage(r.handle)
	tr.SetHooks(bus.Hooks{
		OnConnect:    r.handleConnect,
		OnDisconnect: r.handleDisconnect,
	})
	return r, nil
}

// Connect dials the transport.
func (r *Receiver) Connect(ctx context.Context) error {
	if err := r.tr.Connect(ctx, r.endpoint); err != nil {
		if !errors.Is(err, fault.ErrConnectFailed) {
			err = &fault.ConnectError{Code: bus.CodeServerUnavailable, Err: err}
		}
		r.log.Warn("receiver connect failed", slog.Int("code", fault.Code(err)), slogError(err))
		return err
	}
	return nil
}

// Subscribe starts listening to id. With a live subscription it behaves like SwitchChannel.
func (r *Receiver) Subscribe(id channel.ID) error {
	_, err := r.SwitchChannel(id)
	return err
}

// SwitchChannel replaces the live subscription with id's topic and re-seeds the
// window. If the new subscription fails the previous one is restored. The
// returned theme belongs to the channel now current.
func (r *Receiver) SwitchChannel(id channel.ID) (channel.Theme, error) {
	ch, err := r.table.Lookup(id)
	if err != nil {
		return channel.Theme{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subscribed && r.current.ID == ch.ID {
		return ch.Theme, nil
	}

	prev, hadPrev := r.current, r.subscribed
	if hadPrev {
		if err := r.tr.Unsubscribe(prev.Topic); err != nil {
			return prev.Theme, err
		}
		r.subscribed = false
	}
	if err := r.tr.Subscribe(ch.Topic); err != nil {
		if hadPrev {
			if rerr := r.tr.Subscribe(prev.Topic); rerr != nil {
				r.log.Error("failed to restore subscription", slog.String("channel", prev.Topic), slogError(rerr))
				return prev.Theme, errors.Join(err, rerr)
			}
			r.subscribed = true
		}
		r.log.Warn("subscribe failed", slog.String("channel", ch.Topic), slogError(err))
		return prev.Theme, err
	}

	r.current = ch
	r.subscribed = true
	if err := r.win.Reset(window.Placeholders(r.win.Width(), r.next)); err != nil {
		return ch.Theme, err
	}
	r.next += int64(r.win.Width())

	if hadPrev {
		r.log.Info("switched channel", slog.String("from", prev.Topic), slog.String("to", ch.Topic))
	} else {
		r.log.Info("subscribed", slog.String("channel", ch.Topic))
	}
	return ch.Theme, nil
}

// OnMessage decodes msg and pushes its value onto the window when msg belongs to
// the current channel. Decode failures wrap fault.ErrDecode and leave the
// window untouched; messages for other topics return ErrStale.
func (r *Receiver) OnMessage(ctx context.Context, msg bus.Message) error {
	reading, decodeErr := protocol.Decode(msg.Payload)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.subscribed || msg.Topic != r.current.Topic {
		r.stale.Add(1)
		r.count(ctx, msg.Topic, "stale")
		return ErrStale
	}
	if decodeErr != nil {
		r.malformed.Add(1)
		r.count(ctx, msg.Topic, "malformed")
		return decodeErr
	}
	r.win.Push(window.Point{Index: r.next, Value: reading.Value})
	r.next++
	r.accepted.Add(1)
	r.count(ctx, msg.Topic, "accepted")
	return nil
}

func (r *Receiver) count(ctx context.Context, topic, outcome string) {
	r.received.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", topic),
		attribute.String("outcome", outcome),
	))
}

func (r *Receiver) handle(msg bus.Message) {
	err := r.OnMessage(context.Background(), msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrStale):
		r.log.Debug("dropped message for inactive channel", slog.String("topic", msg.Topic))
	default:
		r.log.Warn("dropped malformed message", slog.String("topic", msg.Topic), slogError(err))
	}
}

func (r *Receiver) handleConnect(code int) {
	r.log.Info("receiver connected", slog.Int("code", code))
}

func (r *Receiver) handleDisconnect(code int) {
	r.mu.Lock()
	r.subscribed = false
	r.mu.Unlock()
	if code != bus.CodeRequested {
		r.log.Warn("receiver lost its connection", slog.Int("code", code))
	}
}

// Run blocks in the transport receive loop until ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	return r.tr.Run(ctx)
}

func (r *Receiver) Window() *window.Window { return r.win }

// Current returns the subscribed channel, or false when nothing is subscribed.
func (r *Receiver) Current() (channel.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.subscribed
}

func (r *Receiver) Stats() Stats {
	return Stats{
		Accepted:  r.accepted.Load(),
		Stale:     r.stale.Load(),
		Malformed: r.malformed.Load(),
	}
}

// Close drops the subscription and disconnects.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.subscribed {
		if err := r.tr.Unsubscribe(r.current.Topic); err != nil {
			r.log.Warn("unsubscribe failed", slogError(err))
		}
		r.subscribed = false
	}
	r.mu.Unlock()
	if !r.tr.Connected() {
		return nil
	}
	return r.tr.Disconnect()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
