// Package listener prints raw channel traffic, one reading per line.
package listener

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/loqalabs/loqa-radio/internal/bus"
	"github.com/loqalabs/loqa-radio/internal/protocol"
)

// Printer writes "[topic] timestamp value" for every decodable message.
type Printer struct {
	mu    sync.Mutex
	out   io.Writer
	topic *color.Color
	stamp *color.Color
	up    *color.Color
	down  *color.Color
	warn  *color.Color

	printed   atomic.Int64
	malformed atomic.Int64
}

// NewPrinter writes to out. Colours follow the fatih/color global switch unless plain is set.
func NewPrinter(out io.Writer, plain bool) *Printer {
	p := &Printer{
		out:   out,
		topic: color.New(color.FgCyan, color.Bold),
		stamp: color.New(color.FgHiBlack),
		up:    color.New(color.FgGreen),
		down:  color.New(color.FgRed),
		warn:  color.New(color.FgYellow),
	}
	if plain {
		for _, c := range []*color.Color{p.topic, p.stamp, p.up, p.down, p.warn} {
			c.DisableColor()
		}
	}
	return p
}

// Handle prints msg. A malformed payload prints a warning line and returns the decode error.
func (p *Printer) Handle(msg bus.Message) error {
	reading, err := protocol.Decode(msg.Payload)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.malformed.Add(1)
		p.warn.Fprintf(p.out, "[%s] skipped malformed message: %v\n", msg.Topic, err)
		return err
	}
	value := p.up
	if reading.Value < 0 {
		value = p.down
	}
	p.topic.Fprintf(p.out, "[%s]", msg.Topic)
	fmt.Fprint(p.out, " ")
	p.stamp.Fprint(p.out, reading.Timestamp)
	fmt.Fprint(p.out, " ")
	value.Fprintf(p.out, "%g\n", reading.Value)
	p.printed.Add(1)
	return nil
}

func (p *Printer) Printed() int64   { return p.printed.Load() }
func (p *Printer) Malformed() int64 { return p.malformed.Load() }

// Listen connects tr, subscribes to topics and prints until ctx is done.
func Listen(ctx context.Context, tr bus.Transport, endpoint bus.Endpoint, topics []string, p *Printer, log *slog.Logger) error {
	log = log.With(slog.String("component", "listener"))
	tr.SetOnMessage(func(msg bus.Message) {
		if err := p.Handle(msg); err != nil {
			log.Debug("malformed message", slog.String("topic", msg.Topic), slog.String("error", err.Error()))
		}
	})
	tr.SetHooks(bus.Hooks{
		OnDisconnect: func(code int) {
			if code != bus.CodeRequested {
				log.Warn("listener lost its connection", slog.Int("code", code))
			}
		},
	})
	if err := tr.Connect(ctx, endpoint); err != nil {
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}
	defer tr.Disconnect()

	for _, topic := range topics {
		if err := tr.Subscribe(topic); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	log.Info("listening", slog.Any("topics", topics), slog.String("endpoint", endpoint.String()))
	return tr.Run(ctx)
}
