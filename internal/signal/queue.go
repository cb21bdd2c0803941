package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-radio/internal/channel"
)

// ErrEmptySignal is returned when a refill produced no samples.
var ErrEmptySignal = errors.New("signal source produced no samples")

// Queue is the FIFO between a source and a transmitter. When it runs dry, Pop
// refills it with a fresh sequence from the source.
type Queue struct {
	source Source
	params channel.Parameters

	mu      sync.Mutex
	items   []Sample
	refills int
}

func NewQueue(source Source, params channel.Parameters) *Queue {
	return &Queue{source: source, params: params}
}

// Pop removes the oldest sample, refilling first when empty.
func (q *Queue) Pop(ctx context.Context) (Sample, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		samples, err := q.source.Generate(ctx, q.params)
		if err != nil {
			return Sample{}, fmt.Errorf("refill queue: %w", err)
		}
		if len(samples) == 0 {
			return Sample{}, ErrEmptySignal
		}
		q.items = samples
		q.refills++
	}
	s := q.items[0]
	q.items = q.items[1:]
	return s, nil
}

// Len reports queued samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Refills reports how many times the source was asked for a sequence.
func (q *Queue) Refills() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.refills
}
