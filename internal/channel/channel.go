// Package channel models the fixed set of named topics a radio carries.
//
// Channels are identified by a small integer ID, but the only way to obtain a
// Channel value is through a Table, so out-of-range IDs are rejected at the
// lookup instead of surfacing later as index panics.
package channel

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-radio/internal/config"
	"github.com/loqalabs/loqa-radio/internal/fault"
)

// ID is the position of a channel in its table.
type ID int

// Parameters configure the signal source that feeds a channel.
type Parameters struct {
	Duration  int
	Voice     string
	PitchBase float64
	PitchLow  float64
	PitchHigh float64
}

// Channel is a resolved table entry.
type Channel struct {
	ID     ID
	Topic  string
	Params Parameters
	Theme  Theme
}

func (c Channel) String() string { return c.Topic }

// Title returns the topic with its first letter upper-cased.
func (c Channel) Title() string {
	if c.Topic == "" {
		return ""
	}
	return strings.ToUpper(c.Topic[:1]) + c.Topic[1:]
}

// Table is the immutable ID to channel mapping for the process lifetime.
type Table struct {
	channels []Channel
	byTopic  map[string]ID
}

// NewTable builds a table from channels in ID order. IDs are reassigned from position.
func NewTable(channels []Channel) (*Table, error) {
	if len(channels) == 0 {
		return nil, fault.InvalidConfig("at least one channel is required")
	}
	t := &Table{
		channels: make([]Channel, len(channels)),
		byTopic:  make(map[string]ID, len(channels)),
	}
	for i, ch := range channels {
		if ch.Topic == "" {
			return nil, fault.InvalidConfig("channel %d has an empty topic", i)
		}
		if _, dup := t.byTopic[ch.Topic]; dup {
			return nil, fault.InvalidConfig("duplicate channel topic %q", ch.Topic)
		}
		ch.ID = ID(i)
		t.channels[i] = ch
		t.byTopic[ch.Topic] = ch.ID
	}
	return t, nil
}

// FromConfig converts configured channels into a table.
func FromConfig(source []config.ChannelConfig) (*Table, error) {
	channels := make([]Channel, 0, len(source))
	for _, c := range source {
		theme, err := ParseTheme(c.Gradient)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", c.Name, err)
		}
		channels = append(channels, Channel{
			Topic: c.Name,
			Params: Parameters{
				Duration:  c.Duration,
				Voice:     c.Voice,
				PitchBase: c.PitchBase,
				PitchLow:  c.PitchLow,
				PitchHigh: c.PitchHigh,
			},
			Theme: theme,
		})
	}
	return NewTable(channels)
}

// Lookup resolves an ID.
func (t *Table) Lookup(id ID) (Channel, error) {
	if id < 0 || int(id) >= len(t.channels) {
		return Channel{}, fault.InvalidConfig("unknown channel index %d", id)
	}
	return t.channels[id], nil
}

// ByTopic resolves a topic name.
func (t *Table) ByTopic(topic string) (Channel, error) {
	id, ok := t.byTopic[topic]
	if !ok {
		return Channel{}, fault.InvalidConfig("unknown channel %q", topic)
	}
	return t.channels[id], nil
}

// All returns the channels in ID order.
func (t *Table) All() []Channel {
	return append([]Channel(nil), t.channels...)
}

func (t *Table) Len() int { return len(t.channels) }
