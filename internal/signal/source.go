// Package signal produces the finite sample sequences transmitters stream.
package signal

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-radio/internal/channel"
	"github.com/loqalabs/loqa-radio/internal/config"
)

// Sample is one generated data point.
type Sample struct {
	Index     int     `json:"index"`
	Amplitude float64 `json:"amplitude"`
}

// Source is the contract for signal generators. It returns a finite sequence in
// generation order.
type Source interface {
	Generate(ctx context.Context, params channel.Parameters) ([]Sample, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, params channel.Parameters) ([]Sample, error)

func (f SourceFunc) Generate(ctx context.Context, params channel.Parameters) ([]Sample, error) {
	return f(ctx, params)
}

// FromConfig builds the configured source.
func FromConfig(cfg config.SignalConfig) (Source, error) {
	switch cfg.Mode {
	case "voice":
		return NewVoice(cfg.Seed), nil
	case "exec":
		return NewExec(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported signal mode %q", cfg.Mode)
	}
}
