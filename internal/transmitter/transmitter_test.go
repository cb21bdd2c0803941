package transmitter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-radio/internal/bus"
	"github.com/loqalabs/loqa-radio/internal/channel"
	"github.com/loqalabs/loqa-radio/internal/eventstore"
	"github.com/loqalabs/loqa-radio/internal/fault"
	"github.com/loqalabs/loqa-radio/internal/protocol"
	"github.com/loqalabs/loqa-radio/internal/signal"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// counting yields amplitudes 0, 1, 2, ... across refills.
func counting(batch int) signal.Source {
	var mu sync.Mutex
	next := 0
	return signal.SourceFunc(func(context.Context, channel.Parameters) ([]signal.Sample, error) {
		mu.Lock()
		defer mu.Unlock()
		out := make([]signal.Sample, batch)
		for i := range out {
			out[i] = signal.Sample{Index: i, Amplitude: float64(next)}
			next++
		}
		return out, nil
	})
}

type recorder struct {
	mu       sync.Mutex
	readings []protocol.Reading
}

func (r *recorder) observe(msg bus.Message) {
	reading, err := protocol.Decode(msg.Payload)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, reading)
}

func (r *recorder) values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.readings))
	for i, rd := range r.readings {
		out[i] = rd.Value
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readings)
}

type journal struct {
	mu     sync.Mutex
	events []eventstore.Event
}

func (j *journal) AppendEvent(_ context.Context, evt eventstore.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, evt)
	return nil
}

func (j *journal) kinds() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, e := range j.events {
		out = append(out, e.Kind)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func setup(t *testing.T, delay time.Duration) (*Transmitter, *bus.MemoryTransport, *recorder, *journal) {
	t.Helper()
	broker := bus.NewBroker()
	rec := &recorder{}
	broker.Tap(rec.observe)
	tr := broker.Transport(16)
	j := &journal{}
	ch := channel.Channel{Topic: "news", Params: channel.Parameters{Duration: 4, Voice: "M"}}
	tx, err := New(ch, tr, counting(4), Options{Delay: delay, Journal: j, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new transmitter: %v", err)
	}
	t.Cleanup(func() { _ = tx.Stop() })
	return tx, tr, rec, j
}

func TestNewRejectsNonPositiveDelay(t *testing.T) {
	broker := bus.NewBroker()
	_, err := New(channel.Channel{Topic: "news"}, broker.Transport(1), counting(1), Options{Delay: 0})
	if !errors.Is(err, fault.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestPauseResumeKeepsConnectionAndSequence(t *testing.T) {
	tx, tr, rec, _ := setup(t, 5*time.Millisecond)
	ctx := context.Background()

	if err := tx.Play(ctx); err != nil {
		t.Fatalf("play: %v", err)
	}
	if tx.State() != Playing || !tx.Connected() {
		t.Fatalf("expected playing and connected, got %s", tx.State())
	}
	waitFor(t, "first samples", func() bool { return rec.count() >= 3 })

	tx.Pause()
	if tx.State() != Paused {
		t.Fatalf("expected paused, got %s", tx.State())
	}
	if !tx.Connected() {
		t.Fatal("pause must keep the connection")
	}
	time.Sleep(20 * time.Millisecond)
	held := rec.count()
	time.Sleep(40 * time.Millisecond)
	if rec.count() != held {
		t.Fatalf("published while paused: %d -> %d", held, rec.count())
	}

	if err := tx.Play(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "samples after resume", func() bool { return rec.count() >= held+3 })
	if err := tx.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := tr.Connects(); got != 1 {
		t.Fatalf("expected a single connect, got %d", got)
	}
	for i, v := range rec.values() {
		if v != float64(i) {
			t.Fatalf("sample %d: expected %v, got %v", i, float64(i), v)
		}
	}
}

func TestPlayWhilePlayingIsNoop(t *testing.T) {
	tx, tr, _, _ := setup(t, 5*time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := tx.Play(ctx); err != nil {
			t.Fatalf("play: %v", err)
		}
	}
	if tr.Connects() != 1 {
		t.Fatalf("expected one connect, got %d", tr.Connects())
	}
}

func TestConnectFailureLeavesIdle(t *testing.T) {
	tx, tr, rec, j := setup(t, 5*time.Millisecond)
	tr.FailConnect(bus.CodeServerUnavailable)

	err := tx.Play(context.Background())
	if !errors.Is(err, fault.ErrConnectFailed) {
		t.Fatalf("expected connect failure, got %v", err)
	}
	if fault.Code(err) != bus.CodeServerUnavailable {
		t.Fatalf("expected code 3, got %d", fault.Code(err))
	}
	if tx.State() != Idle || tx.Connected() {
		t.Fatalf("expected idle and disconnected, got %s", tx.State())
	}
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("expected no publishes, got %d", rec.count())
	}

	tr.FailConnect(0)
	if err := tx.Play(context.Background()); err != nil {
		t.Fatalf("retry play: %v", err)
	}
	waitFor(t, "publish after retry", func() bool { return rec.count() > 0 })
	kinds := j.kinds()
	if len(kinds) < 2 || kinds[0] != "connect_failed" || kinds[1] != "play" {
		t.Fatalf("unexpected journal %v", kinds)
	}
}

func TestStopFromAnyState(t *testing.T) {
	tx, tr, rec, _ := setup(t, 5*time.Millisecond)
	ctx := context.Background()

	if err := tx.Stop(); err != nil {
		t.Fatalf("stop idle: %v", err)
	}

	if err := tx.Play(ctx); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "samples", func() bool { return rec.count() >= 2 })
	if err := tx.Stop(); err != nil {
		t.Fatalf("stop playing: %v", err)
	}
	if tx.State() != Idle || tr.Connected() {
		t.Fatalf("expected idle and disconnected after stop, got %s", tx.State())
	}
	after := rec.count()
	time.Sleep(30 * time.Millisecond)
	if rec.count() != after {
		t.Fatalf("published after stop: %d -> %d", after, rec.count())
	}

	if err := tx.Play(ctx); err != nil {
		t.Fatalf("play again: %v", err)
	}
	tx.Pause()
	if err := tx.Stop(); err != nil {
		t.Fatalf("stop paused: %v", err)
	}
	if tx.State() != Idle {
		t.Fatalf("expected idle, got %s", tx.State())
	}
	if tr.Connects() != 2 {
		t.Fatalf("expected a fresh dial after stop, got %d connects", tr.Connects())
	}
}

func TestDisconnectHaltsLoop(t *testing.T) {
	tx, tr, rec, j := setup(t, 5*time.Millisecond)
	if err := tx.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "samples", func() bool { return rec.count() >= 2 })

	tr.Drop()
	waitFor(t, "idle after drop", func() bool { return tx.State() == Idle })
	time.Sleep(10 * time.Millisecond)
	held := rec.count()
	time.Sleep(30 * time.Millisecond)
	if rec.count() != held {
		t.Fatalf("published after disconnect: %d -> %d", held, rec.count())
	}
	found := false
	for _, k := range j.kinds() {
		if k == "disconnect" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected disconnect in journal, got %v", j.kinds())
	}
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	broker := bus.NewBroker()
	rec := &recorder{}
	broker.Tap(rec.observe)
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)
	tx, err := New(channel.Channel{Topic: "talk"}, broker.Transport(4), counting(8), Options{
		Delay:  time.Millisecond,
		Clock:  func() time.Time { return fixed },
		Logger: newLogger(),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tx.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "samples", func() bool { return rec.count() >= 5 })
	if err := tx.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var prev time.Time
	for i, rd := range rec.readings {
		ts, err := rd.Time()
		if err != nil {
			t.Fatalf("parse %q: %v", rd.Timestamp, err)
		}
		if i > 0 && !ts.After(prev) {
			t.Fatalf("timestamp %d not increasing: %s after %s", i, rd.Timestamp, prev.Format(protocol.TimestampLayout))
		}
		prev = ts
	}
	if tx.LastPublishID() == 0 {
		t.Fatal("expected publish acknowledgements")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{Idle: "idle", Connecting: "connecting", Playing: "playing", Paused: "paused", State(9): "unknown"}
	for state, want := range cases {
		if state.String() != want {
			t.Fatalf("expected %q, got %q", want, state.String())
		}
	}
}

// gatedTransport holds its first Connect until release is closed.
type gatedTransport struct {
	*bus.MemoryTransport
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGated(tr *bus.MemoryTransport) *gatedTransport {
	return &gatedTransport{MemoryTransport: tr, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedTransport) Connect(ctx context.Context, endpoint bus.Endpoint) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.MemoryTransport.Connect(ctx, endpoint)
}

func gatedSetup(t *testing.T) (*Transmitter, *gatedTransport, *recorder, *journal) {
	t.Helper()
	broker := bus.NewBroker()
	rec := &recorder{}
	broker.Tap(rec.observe)
	gated := newGated(broker.Transport(16))
	j := &journal{}
	tx, err := New(channel.Channel{Topic: "news"}, gated, counting(4), Options{Delay: 5 * time.Millisecond, Journal: j, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new transmitter: %v", err)
	}
	t.Cleanup(func() { _ = tx.Stop() })
	return tx, gated, rec, j
}

func TestAbandonedDialDoesNotStopLaterPlay(t *testing.T) {
	tx, gated, rec, _ := gatedSetup(t)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- tx.Play(ctx) }()
	<-gated.entered

	if err := tx.Stop(); err != nil {
		t.Fatalf("stop while dialing: %v", err)
	}
	second := make(chan error, 1)
	go func() { second <- tx.Play(ctx) }()
	waitFor(t, "second play connecting", func() bool { return tx.State() == Connecting })

	close(gated.release)
	if err := <-first; err != nil {
		t.Fatalf("first play: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second play: %v", err)
	}

	waitFor(t, "samples from second play", func() bool { return rec.count() >= 3 })
	if tx.State() != Playing || !tx.Connected() {
		t.Fatalf("expected playing and connected, got %s connected=%v", tx.State(), tx.Connected())
	}
	if gated.Connects() != 2 {
		t.Fatalf("expected the abandoned dial to be dropped and a fresh one made, got %d connects", gated.Connects())
	}
}

func TestPauseWhileConnectingStartsPaused(t *testing.T) {
	tx, gated, rec, j := gatedSetup(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- tx.Play(ctx) }()
	<-gated.entered
	tx.Pause()
	close(gated.release)
	if err := <-done; err != nil {
		t.Fatalf("play: %v", err)
	}

	if tx.State() != Paused || !tx.Connected() {
		t.Fatalf("expected paused and connected, got %s", tx.State())
	}
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("published %d samples while paused", rec.count())
	}

	if err := tx.Play(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "samples after resume", func() bool { return rec.count() >= 2 })
	if gated.Connects() != 1 {
		t.Fatalf("resume must not dial again, got %d connects", gated.Connects())
	}
	kinds := j.kinds()
	if len(kinds) < 2 || kinds[0] != "play" || kinds[1] != "resume" {
		t.Fatalf("unexpected journal %v", kinds)
	}
}

func TestPlayWhileConnectingCancelsPause(t *testing.T) {
	tx, gated, rec, _ := gatedSetup(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- tx.Play(ctx) }()
	<-gated.entered
	tx.Pause()
	if err := tx.Play(ctx); err != nil {
		t.Fatalf("play while connecting: %v", err)
	}
	close(gated.release)
	if err := <-done; err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "samples", func() bool { return rec.count() >= 1 })
	if tx.State() != Playing {
		t.Fatalf("expected playing, got %s", tx.State())
	}
}
