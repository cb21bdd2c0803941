// Package console manages the set of per-channel transmitters a daemon runs.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-radio/internal/bus"
	"github.com/loqalabs/loqa-radio/internal/channel"
	"github.com/loqalabs/loqa-radio/internal/fault"
	"github.com/loqalabs/loqa-radio/internal/signal"
	"github.com/loqalabs/loqa-radio/internal/transmitter"
)

type Action string

const (
	ActionPlay   Action = "play"
	ActionPause  Action = "pause"
	ActionStop   Action = "stop"
	ActionToggle Action = "toggle"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionPlay, ActionPause, ActionStop, ActionToggle:
		return a, nil
	default:
		return "", fault.InvalidConfig("unknown action %q", s)
	}
}

// Dialer builds the transport a channel's transmitter owns.
type Dialer func(ch channel.Channel) (bus.Transport, error)

type Options struct {
	Delay    time.Duration
	Endpoint bus.Endpoint
	Clock    func() time.Time
	Journal  transmitter.Journal
	Logger   *slog.Logger
}

type Status struct {
	ID        int    `json:"id"`
	Topic     string `json:"topic"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Published int64  `json:"published"`
}

type Console struct {
	table *channel.Table
	txs   []*transmitter.Transmitter
	log   *slog.Logger
}

// New builds one idle transmitter per channel in the table.
func New(table *channel.Table, dial Dialer, source signal.Source, opts Options) (*Console, error) {
	if table == nil || dial == nil {
		return nil, fault.InvalidConfig("console needs a channel table and a dialer")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Console{
		table: table,
		log:   opts.Logger.With(slog.String("component", "console")),
	}
	for _, ch := range table.All() {
		tr, err := dial(ch)
		if err != nil {
			return nil, fmt.Errorf("dial transport for %s: %w", ch.Topic, err)
		}
		tx, err := transmitter.New(ch, tr, source, transmitter.Options{
			Delay:    opts.Delay,
			Endpoint: opts.Endpoint,
			Clock:    opts.Clock,
			Journal:  opts.Journal,
			Logger:   opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		c.txs = append(c.txs, tx)
	}
	return c, nil
}

func (c *Console) Table() *channel.Table { return c.table }

// Transmitter returns the transmitter for id.
func (c *Console) Transmitter(id channel.ID) (*transmitter.Transmitter, error) {
	if _, err := c.table.Lookup(id); err != nil {
		return nil, err
	}
	return c.txs[id], nil
}

// Apply runs action against the transmitter of topic and reports its new status.
func (c *Console) Apply(ctx context.Context, topic string, action Action) (Status, error) {
	ch, err := c.table.ByTopic(topic)
	if err != nil {
		return Status{}, err
	}
	tx := c.txs[ch.ID]
	switch action {
	case ActionPlay:
		err = tx.Play(ctx)
	case ActionPause:
		tx.Pause()
	case ActionStop:
		err = tx.Stop()
	case ActionToggle:
		err = c.Toggle(ctx, ch.ID)
	default:
		err = fault.InvalidConfig("unknown action %q", action)
	}
	return statusOf(tx), err
}

// Toggle pauses a playing transmitter and plays any other.
func (c *Console) Toggle(ctx context.Context, id channel.ID) error {
	tx, err := c.Transmitter(id)
	if err != nil {
		return err
	}
	switch tx.State() {
	case transmitter.Playing:
		tx.Pause()
		return nil
	case transmitter.Connecting:
		return nil
	default:
		return tx.Play(ctx)
	}
}

// Autoplay starts the named channels. Failures are logged and do not affect the
// other channels.
func (c *Console) Autoplay(ctx context.Context, topics []string) error {
	var errs []error
	for _, topic := range topics {
		if _, err := c.Apply(ctx, topic, ActionPlay); err != nil {
			c.log.Warn("autoplay failed", slog.String("channel", topic), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Console) Status() []Status {
	out := make([]Status, 0, len(c.txs))
	for _, tx := range c.txs {
		out = append(out, statusOf(tx))
	}
	return out
}

// StopAll stops every transmitter and joins their errors.
func (c *Console) StopAll() error {
	var errs []error
	for _, tx := range c.txs {
		if err := tx.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tx.Channel().Topic, err))
		}
	}
	return errors.Join(errs...)
}

func statusOf(tx *transmitter.Transmitter) Status {
	ch := tx.Channel()
	return Status{
		ID:        int(ch.ID),
		Topic:     ch.Topic,
		State:     tx.State().String(),
		Connected: tx.Connected(),
		Published: tx.Published(),
	}
}
