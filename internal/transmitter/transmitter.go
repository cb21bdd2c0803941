// Package transmitter streams one channel's signal onto the bus at a fixed
// cadence. A transmitter is created once per channel and dials its transport
// lazily on the first Play.
package transmitter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-radio/internal/bus"
	"github.com/loqalabs/loqa-radio/internal/channel"
	"github.com/loqalabs/loqa-radio/internal/eventstore"
	"github.com/loqalabs/loqa-radio/internal/fault"
	"github.com/loqalabs/loqa-radio/internal/protocol"
	"github.com/loqalabs/loqa-radio/internal/signal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/loqa-radio/transmitter"

type State int

const (
	Idle State = iota
	Connecting
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Journal records lifecycle events. *eventstore.Store satisfies it.
type Journal interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

type Options struct {
	Delay    time.Duration
	Endpoint bus.Endpoint
	Clock    func() time.Time
	Journal  Journal
	Logger   *slog.Logger
}

// Transmitter owns one channel's transport connection and publish loop.
type Transmitter struct {
	ch       channel.Channel
	tr       bus.Transport
	queue    *signal.Queue
	delay    time.Duration
	endpoint bus.Endpoint
	clock    func() time.Time
	journal  Journal
	log      *slog.Logger

	// dial serializes Connect and the decision to keep or drop its result,
	// so a dial abandoned by Stop never tears down a later one.
	dial sync.Mutex

	mu    sync.Mutex
	cond  *sync.Cond
	state State
	gen   uint64
	run   *run
	last  *run
	stamp time.Time
	// holdPaused is set by Pause while connecting; the run then starts paused.
	holdPaused bool

	published atomic.Int64
	lastID    atomic.Uint64

	tracer   trace.Tracer
	samples  metric.Int64Counter
	failures metric.Int64Counter
}

// run is one lifetime of the publish loop, from a connecting Play to a halt.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(ch channel.Channel, tr bus.Transport, source signal.Source, opts Options) (*Transmitter, error) {
	if opts.Delay <= 0 {
		return nil, fault.InvalidConfig("transmitter delay must be positive, got %s", opts.Delay)
	}
	if tr == nil || source == nil {
		return nil, fault.InvalidConfig("transmitter %s needs a transport and a signal source", ch.Topic)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Transmitter{
		ch:       ch,
		tr:       tr,
		queue:    signal.NewQueue(source, ch.Params),
		delay:    opts.Delay,
		endpoint: opts.Endpoint,
		clock:    opts.Clock,
		journal:  opts.Journal,
		log:      opts.Logger.With(slog.String("component", "transmitter"), slog.String("channel", ch.Topic)),
		tracer:   otel.Tracer(instrumentation),
	}
	t.cond = sync.NewCond(&t.mu)
	t.initMetrics()
	tr.SetHooks(bus.Hooks{
		OnConnect:    t.handleConnect,
		OnDisconnect: t.handleDisconnect,
		OnPublish:    t.handlePublish,
	})
	return t, nil
}

func (t *Transmitter) initMetrics() {
	meter := otel.Meter(instrumentation)
	var err error
	if t.samples, err = meter.Int64Counter("loqa.radio.samples.published", metric.WithDescription("Samples published per channel")); err != nil {
		t.log.Warn("failed to initialize metrics", slogError(err))
		t.samples = noop.Int64Counter{}
	}
	if t.failures, err = meter.Int64Counter("loqa.radio.publish.failures", metric.WithDescription("Failed publish attempts per channel")); err != nil {
		t.log.Warn("failed to initialize metrics", slogError(err))
		t.failures = noop.Int64Counter{}
	}
}

func (t *Transmitter) Channel() channel.Channel { return t.ch }

func (t *Transmitter) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports the transport flag, which is independent of the play state.
func (t *Transmitter) Connected() bool { return t.tr.Connected() }

// Published reports how many samples reached the transport.
func (t *Transmitter) Published() int64 { return t.published.Load() }

// LastPublishID is the message id of the latest publish acknowledged by the transport.
func (t *Transmitter) LastPublishID() uint64 { return t.lastID.Load() }

// Play dials the transport and starts the publish loop when idle, or resumes a
// paused loop without dialing again. It is a no-op while playing, and while
// connecting it only cancels an earlier Pause.
func (t *Transmitter) Play(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case Connecting:
		t.holdPaused = false
		t.mu.Unlock()
		return nil
	case Playing:
		t.mu.Unlock()
		return nil
	case Paused:
		t.state = Playing
		t.cond.Broadcast()
		t.mu.Unlock()
		t.log.Info("transmitter resumed")
		t.record("resume", Playing, nil)
		return nil
	}
	t.state = Connecting
	t.holdPaused = false
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	ctx, span := t.tracer.Start(ctx, "radio.transmitter.play", trace.WithAttributes(attribute.String("radio.channel", t.ch.Topic)))
	defer span.End()

	t.dial.Lock()
	defer t.dial.Unlock()

	t.mu.Lock()
	last := t.last
	superseded := t.gen != gen
	t.mu.Unlock()
	if superseded {
		// Stopped while an earlier dial was in flight.
		return nil
	}
	// A halted loop may still be unwinding.
	if last != nil {
		<-last.done
	}

	if err := t.tr.Connect(ctx, t.endpoint); err != nil {
		if !errors.Is(err, fault.ErrConnectFailed) {
			err = &fault.ConnectError{Code: bus.CodeServerUnavailable, Err: err}
		}
		t.mu.Lock()
		if t.gen == gen && t.state == Connecting {
			t.state = Idle
		}
		t.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		t.log.Warn("transmitter connect failed", slog.Int("code", fault.Code(err)), slogError(err))
		t.record("connect_failed", Idle, err)
		return err
	}

	t.mu.Lock()
	if t.gen != gen || t.state != Connecting {
		// Stopped while dialing.
		t.mu.Unlock()
		if err := t.tr.Disconnect(); err != nil {
			t.log.Warn("transmitter disconnect failed", slogError(err))
		}
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	t.run = r
	t.last = r
	t.state = Playing
	if t.holdPaused {
		t.state = Paused
		t.holdPaused = false
	}
	state := t.state
	t.mu.Unlock()

	go t.loop(runCtx, r)
	t.log.Info("transmitter playing", slog.String("endpoint", t.endpoint.String()), slog.Duration("delay", t.delay), slog.String("state", state.String()))
	t.record("play", state, nil)
	return nil
}

// Pause suspends publishing. The connection stays up. A Pause while
// connecting makes the pending Play start paused.
func (t *Transmitter) Pause() {
	t.mu.Lock()
	if t.state == Connecting {
		t.holdPaused = true
		t.mu.Unlock()
		t.log.Info("transmitter will start paused")
		return
	}
	if t.state != Playing {
		t.mu.Unlock()
		return
	}
	t.state = Paused
	t.mu.Unlock()
	t.log.Info("transmitter paused")
	t.record("pause", Paused, nil)
}

// Stop halts the loop, waits for it to exit and disconnects. It is safe from
// any state; once it returns nothing more is published.
func (t *Transmitter) Stop() error {
	t.mu.Lock()
	prev := t.state
	r := t.run
	last := t.last
	t.run = nil
	t.state = Idle
	t.holdPaused = false
	t.gen++
	if r != nil {
		r.cancel()
	}
	t.cond.Broadcast()
	t.mu.Unlock()

	if last != nil {
		<-last.done
	}

	var err error
	if t.tr.Connected() {
		err = t.tr.Disconnect()
	}
	if prev != Idle {
		t.log.Info("transmitter stopped", slog.String("from", prev.String()))
		t.record("stop", Idle, err)
	}
	return err
}

// halt ends run r without waiting for it. It reports whether r was still active.
func (t *Transmitter) halt(r *run) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r == nil || t.run != r {
		return false
	}
	t.run = nil
	t.state = Idle
	r.cancel()
	t.cond.Broadcast()
	return true
}

func (t *Transmitter) loop(ctx context.Context, r *run) {
	defer close(r.done)
	ticker := time.NewTicker(t.delay)
	defer ticker.Stop()

	for {
		resumed, ok := t.awaitPlaying(ctx, r)
		if !ok {
			return
		}
		if resumed {
			ticker.Reset(t.delay)
		}
		if !t.publishNext(ctx, r) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// awaitPlaying blocks while paused. ok is false once r is no longer the active run.
func (t *Transmitter) awaitPlaying(ctx context.Context, r *run) (resumed, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.run == r && t.state == Paused && ctx.Err() == nil {
		resumed = true
		t.cond.Wait()
	}
	return resumed, t.run == r && t.state == Playing && ctx.Err() == nil
}

// publishNext sends one sample. It returns false when the loop must end.
func (t *Transmitter) publishNext(ctx context.Context, r *run) bool {
	attrs := metric.WithAttributes(attribute.String("channel", t.ch.Topic))
	sample, err := t.queue.Pop(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		t.failures.Add(ctx, 1, attrs)
		t.log.Warn("signal refill failed", slogError(err))
		return true
	}
	payload, err := protocol.Encode(t.nextStamp(), sample.Amplitude)
	if err != nil {
		t.failures.Add(ctx, 1, attrs)
		t.log.Warn("failed to encode sample", slogError(err))
		return true
	}
	if err := t.tr.Publish(t.ch.Topic, payload); err != nil {
		t.failures.Add(ctx, 1, attrs)
		if errors.Is(err, fault.ErrNotConnected) {
			if t.halt(r) {
				t.log.Warn("transmitter lost its connection", slogError(err))
				t.record("halt", Idle, err)
			}
			return false
		}
		t.log.Warn("failed to publish sample", slog.Int("index", sample.Index), slogError(err))
		return true
	}
	t.published.Add(1)
	t.samples.Add(ctx, 1, attrs)
	return true
}

// nextStamp reads the clock, forcing each stamp one millisecond past the
// previous one so the wire timestamps strictly increase.
func (t *Transmitter) nextStamp() time.Time {
	now := t.clock().Truncate(time.Millisecond)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !now.After(t.stamp) {
		now = t.stamp.Add(time.Millisecond)
	}
	t.stamp = now
	return now
}

func (t *Transmitter) handleConnect(code int) {
	t.log.Debug("transport connected", slog.Int("code", code))
}

func (t *Transmitter) handleDisconnect(code int) {
	t.mu.Lock()
	r := t.run
	t.mu.Unlock()
	if t.halt(r) {
		t.log.Warn("transport disconnected while streaming", slog.Int("code", code))
		t.record("disconnect", Idle, &fault.ConnectError{Code: code})
	}
}

func (t *Transmitter) handlePublish(id uint64) {
	t.lastID.Store(id)
}

func (t *Transmitter) record(kind string, state State, cause error) {
	if t.journal == nil {
		return
	}
	detail := map[string]any{"published": t.published.Load()}
	if cause != nil {
		detail["error"] = cause.Error()
		if code := fault.Code(cause); code >= 0 {
			detail["code"] = code
		}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		payload = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evt := eventstore.Event{
		Topic:  t.ch.Topic,
		Actor:  "transmitter",
		Kind:   kind,
		State:  state.String(),
		Detail: payload,
	}
	if err := t.journal.AppendEvent(ctx, evt); err != nil {
		t.log.Warn("failed to journal transmitter event", slog.String("kind", kind), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
